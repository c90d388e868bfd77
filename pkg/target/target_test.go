package target

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollout/pkg/executil/executiltest"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/runtime/runtimetest"
	"github.com/cuemby/rollout/pkg/types"
)

func writeManifest(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rollout.yaml")
	require.NoError(t, os.WriteFile(p, []byte("project: leads\n"), 0600))
	return p
}

func TestLocalStageWithoutBundleFile(t *testing.T) {
	// The API runtimes take env values directly
	tgt := NewLocal(runtimetest.New(), t.TempDir())

	staged, err := tgt.Stage(context.Background(), "rollout.yaml", types.EnvBundle{"A": "1"})
	require.NoError(t, err)
	assert.Equal(t, "rollout.yaml", staged.ManifestPath)
	assert.Empty(t, staged.BundleFile)
	assert.NoError(t, staged.Release(context.Background()))
}

func TestLocalStageWritesPrivateFile(t *testing.T) {
	dir := t.TempDir()
	tgt := NewLocal(runtime.NewDockerCLI(executiltest.New("local")), dir)

	staged, err := tgt.Stage(context.Background(), "rollout.yaml", types.EnvBundle{"TOKEN": "s3cr3t", "A": "1"})
	require.NoError(t, err)
	require.NotEmpty(t, staged.BundleFile)
	assert.Equal(t, dir, filepath.Dir(staged.BundleFile))

	info, err := os.Stat(staged.BundleFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(staged.BundleFile)
	require.NoError(t, err)
	assert.Equal(t, "A=1\nTOKEN=s3cr3t\n", string(data))

	require.NoError(t, staged.Release(context.Background()))
	_, err = os.Stat(staged.BundleFile)
	assert.True(t, os.IsNotExist(err))

	// Idempotent
	assert.NoError(t, staged.Release(context.Background()))
}

func TestLocalStageEmptyBundle(t *testing.T) {
	tgt := NewLocal(runtime.NewDockerCLI(executiltest.New("local")), t.TempDir())

	staged, err := tgt.Stage(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, staged.BundleFile)
}

func TestRemoteStage(t *testing.T) {
	ex := executiltest.New("deploy@vps")
	tgt := NewRemote(ex, runtime.NewDockerCLI(ex), "/srv/leads")
	assert.Equal(t, "deploy@vps", tgt.Name)
	assert.True(t, tgt.Remote())

	staged, err := tgt.Stage(context.Background(), writeManifest(t), types.EnvBundle{"TOKEN": "s3cr3t"})
	require.NoError(t, err)

	assert.Equal(t, "/srv/leads/rollout.yaml", staged.ManifestPath)
	manifest, ok := ex.File("/srv/leads/rollout.yaml")
	require.True(t, ok)
	assert.Equal(t, "project: leads\n", manifest)

	require.True(t, strings.HasPrefix(staged.BundleFile, "/srv/leads/.env."))
	bundle, ok := ex.File(staged.BundleFile)
	require.True(t, ok)
	assert.Equal(t, "TOKEN=s3cr3t\n", bundle)

	require.NoError(t, staged.Release(context.Background()))
	_, ok = ex.File(staged.BundleFile)
	assert.False(t, ok)
	assert.Contains(t, ex.Removed(), staged.BundleFile)
}

func TestRemoteStageCopyFailure(t *testing.T) {
	ex := executiltest.New("deploy@vps")
	ex.CopyErr = errors.New("connection reset")
	tgt := NewRemote(ex, runtime.NewDockerCLI(ex), "/srv/leads")

	_, err := tgt.Stage(context.Background(), writeManifest(t), nil)
	require.Error(t, err)

	var transportErr *types.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "copy manifest", transportErr.Op)
}

func TestReleaseNil(t *testing.T) {
	var staged *Staged
	assert.NoError(t, staged.Release(context.Background()))
}

func TestClose(t *testing.T) {
	ex := executiltest.New("deploy@vps")
	tgt := NewRemote(ex, runtime.NewDockerCLI(ex), "/srv/leads")
	require.NoError(t, tgt.Close())
	assert.True(t, ex.Closed())
}
