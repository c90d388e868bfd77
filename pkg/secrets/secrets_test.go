package secrets

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollout/pkg/executil"
	"github.com/cuemby/rollout/pkg/executil/executiltest"
	"github.com/cuemby/rollout/pkg/types"
)

func TestParseEnv(t *testing.T) {
	input := `
# comment
GREEN_API_INSTANCE_ID="7103"
GREEN_API_INSTANCE_API_TOKEN='abc=def'
export DATABASE_URL=postgres://u:p@db/leads
DOUBLE="'twice'"
EMPTY=
  SPACED = value
MISMATCHED="open
`
	bundle, err := ParseEnv(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, types.EnvBundle{
		"GREEN_API_INSTANCE_ID":        "7103",
		"GREEN_API_INSTANCE_API_TOKEN": "abc=def",
		"DATABASE_URL":                 "postgres://u:p@db/leads",
		"DOUBLE":                       "twice",
		"EMPTY":                        "",
		"SPACED":                       "value",
		"MISMATCHED":                   `"open`,
	}, bundle)
}

func TestParseEnvInvalid(t *testing.T) {
	for _, input := range []string{"NOEQUALS", "=value", "TWO WORDS=x"} {
		_, err := ParseEnv(strings.NewReader(input))
		assert.Error(t, err, input)
	}
}

func TestFormatEnv(t *testing.T) {
	data, err := FormatEnv(types.EnvBundle{"B": "2", "A": "x=y"})
	require.NoError(t, err)
	assert.Equal(t, "A=x=y\nB=2\n", string(data))

	_, err = FormatEnv(types.EnvBundle{"KEY": "line1\nline2"})
	assert.Error(t, err)

	// Round trip through the parser
	parsed, err := ParseEnv(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, types.EnvBundle{"B": "2", "A": "x=y"}, parsed)
}

func TestNone(t *testing.T) {
	bundle, err := None{}.Resolve(context.Background(), "dev")
	require.NoError(t, err)
	assert.Empty(t, bundle)
}

func TestDoppler(t *testing.T) {
	ex := executiltest.New("local").
		On("doppler secrets download", executil.Result{Stdout: "TOKEN=\"s3cr3t\"\nREGION=\"eu\"\n"})

	bundle, err := NewDoppler(ex, "leads").Resolve(context.Background(), "prd")
	require.NoError(t, err)
	assert.Equal(t, types.EnvBundle{"TOKEN": "s3cr3t", "REGION": "eu"}, bundle)

	assert.Equal(t, []string{
		"doppler secrets download --no-file --format env --config prd --project leads",
	}, ex.Commands())
}

func TestDopplerFailure(t *testing.T) {
	ex := executiltest.New("local").
		On("doppler", executil.Result{ExitCode: 1, Stderr: "Doppler Error: you must provide a token"})

	_, err := NewDoppler(ex, "").Resolve(context.Background(), "dev")
	require.Error(t, err)

	var exitErr *executil.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, err.Error(), "you must provide a token")
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.env"), []byte("A=1\n"), 0600))

	bundle, err := NewEnvFile(dir).Resolve(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, types.EnvBundle{"A": "1"}, bundle)

	_, err = NewEnvFile(dir).Resolve(context.Background(), "prd")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func encrypt(t *testing.T, recipient age.Recipient, plaintext string, armored bool) []byte {
	t.Helper()
	var buf bytes.Buffer

	var dst io.Writer = &buf
	var aw io.WriteCloser
	if armored {
		aw = armor.NewWriter(&buf)
		dst = aw
	}

	w, err := age.Encrypt(dst, recipient)
	require.NoError(t, err)
	_, err = io.WriteString(w, plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	if aw != nil {
		require.NoError(t, aw.Close())
	}
	return buf.Bytes()
}

func TestAgeFile(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	dir := t.TempDir()
	idFile := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(idFile, []byte("# created for tests\n"+identity.String()+"\n"), 0600))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.env.age"),
		encrypt(t, identity.Recipient(), "TOKEN=\"abc\"\n", false), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prd.env.age"),
		encrypt(t, identity.Recipient(), "TOKEN=xyz\n", true), 0600))

	provider := NewAgeFile(dir, idFile)

	bundle, err := provider.Resolve(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, types.EnvBundle{"TOKEN": "abc"}, bundle)

	bundle, err = provider.Resolve(context.Background(), "prd")
	require.NoError(t, err)
	assert.Equal(t, types.EnvBundle{"TOKEN": "xyz"}, bundle)
}

func TestAgeFileWrongIdentity(t *testing.T) {
	owner, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	dir := t.TempDir()
	idFile := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(idFile, []byte(other.String()+"\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.env.age"),
		encrypt(t, owner.Recipient(), "A=1\n", false), 0600))

	_, err = NewAgeFile(dir, idFile).Resolve(context.Background(), "dev")
	assert.Error(t, err)
}
