package secrets

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/cuemby/rollout/pkg/types"
)

// EnvFile reads <dir>/<environment>.env
type EnvFile struct {
	dir string
}

// NewEnvFile creates a provider reading plain env files from dir
func NewEnvFile(dir string) *EnvFile {
	return &EnvFile{dir: dir}
}

// Name returns "envfile"
func (e *EnvFile) Name() string { return "envfile" }

// Resolve parses the environment's file
func (e *EnvFile) Resolve(ctx context.Context, environment string) (types.EnvBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(e.dir, environment+".env")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer f.Close()

	bundle, err := ParseEnv(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bundle, nil
}

// AgeFile reads <dir>/<environment>.env.age, an env file encrypted with
// age to one of the identities in the identity file. Armored and binary
// files are both accepted.
type AgeFile struct {
	dir          string
	identityFile string
}

// NewAgeFile creates a provider decrypting env files from dir
func NewAgeFile(dir, identityFile string) *AgeFile {
	return &AgeFile{dir: dir, identityFile: identityFile}
}

// Name returns "age"
func (a *AgeFile) Name() string { return "age" }

// Resolve decrypts and parses the environment's file
func (a *AgeFile) Resolve(ctx context.Context, environment string) (types.EnvBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identities, err := a.identities()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(a.dir, environment+".env.age")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted env file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var src io.Reader = br
	if head, _ := br.Peek(len(armor.Header)); string(head) == armor.Header {
		src = armor.NewReader(br)
	}

	plain, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", path, err)
	}

	bundle, err := ParseEnv(plain)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bundle, nil
}

func (a *AgeFile) identities() ([]age.Identity, error) {
	data, err := os.ReadFile(a.identityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read age identity: %w", err)
	}
	ids, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse age identity %s: %w", a.identityFile, err)
	}
	return ids, nil
}
