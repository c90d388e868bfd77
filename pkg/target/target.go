package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/rollout/pkg/executil"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/secrets"
	"github.com/cuemby/rollout/pkg/types"
)

const manifestName = "rollout.yaml"

// Target is a host rollouts are applied to: a runtime plus the executor
// that reaches the host
type Target struct {
	Name    string
	Runtime runtime.Runtime

	ex      executil.Executor
	remote  bool
	workdir string
	tmpDir  string
	logger  zerolog.Logger
}

// NewLocal creates a target for this machine. Secret files are written to
// tmpDir, or the system temp dir when empty.
func NewLocal(rt runtime.Runtime, tmpDir string) *Target {
	return &Target{
		Name:    "local",
		Runtime: rt,
		ex:      executil.NewLocal(),
		tmpDir:  tmpDir,
		logger:  log.WithComponent("target").With().Str("target", "local").Logger(),
	}
}

// NewRemote creates a target reached through ex. The manifest and the
// secret bundle are copied to workdir on the host.
func NewRemote(ex executil.Executor, rt runtime.Runtime, workdir string) *Target {
	return &Target{
		Name:    ex.Name(),
		Runtime: rt,
		ex:      ex,
		remote:  true,
		workdir: workdir,
		logger:  log.WithComponent("target").With().Str("target", ex.Name()).Logger(),
	}
}

// Remote reports whether the target is reached over a transport
func (t *Target) Remote() bool { return t.remote }

// Close closes the runtime, then the transport
func (t *Target) Close() error {
	return errors.Join(t.Runtime.Close(), t.ex.Close())
}

// Staged is what Stage placed on the target
type Staged struct {
	// ManifestPath is the manifest's path on the target
	ManifestPath string
	// BundleFile is the secret env file on the target, empty if none
	BundleFile string

	cleanup []func(context.Context) error
}

// Release removes the staged secret bundle. It is safe to call on every
// exit path and more than once.
func (s *Staged) Release(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, fn := range s.cleanup {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.cleanup = nil
	return errors.Join(errs...)
}

// Stage prepares the target for a rollout. A local target only writes a
// private env file when its runtime reads one; a remote target receives
// the manifest and, when non-empty, the bundle.
func (t *Target) Stage(ctx context.Context, manifestPath string, bundle types.EnvBundle) (*Staged, error) {
	staged := &Staged{ManifestPath: manifestPath}

	needsFile := len(bundle) > 0
	if user, ok := t.Runtime.(runtime.BundleFileUser); !ok || !user.UsesBundleFile() {
		needsFile = false
	}

	if !t.remote {
		if needsFile {
			file, err := t.writeBundle(bundle)
			if err != nil {
				return nil, err
			}
			staged.BundleFile = file
			staged.cleanup = append(staged.cleanup, func(context.Context) error { return removeFile(file) })
		}
		return staged, nil
	}

	if manifestPath != "" {
		remote := path.Join(t.workdir, manifestName)
		if err := t.ex.Copy(ctx, manifestPath, remote); err != nil {
			return nil, &types.TransportError{Op: "copy manifest", Err: err}
		}
		staged.ManifestPath = remote
	}

	if needsFile {
		local, err := t.writeBundle(bundle)
		if err != nil {
			return nil, err
		}
		defer func() { _ = removeFile(local) }()

		remote := path.Join(t.workdir, ".env."+uuid.NewString())
		if err := t.ex.Copy(ctx, local, remote); err != nil {
			// A partial copy may have left the file behind
			_ = t.ex.Remove(context.WithoutCancel(ctx), remote)
			return nil, &types.TransportError{Op: "copy env bundle", Err: err}
		}
		staged.BundleFile = remote
		staged.cleanup = append(staged.cleanup, func(ctx context.Context) error {
			if err := t.ex.Remove(ctx, remote); err != nil {
				return &types.TransportError{Op: "remove env bundle", Err: err}
			}
			return nil
		})
	}

	t.logger.Debug().
		Str("manifest", staged.ManifestPath).
		Bool("bundle", staged.BundleFile != "").
		Msg("Staged rollout files")
	return staged, nil
}

// writeBundle writes the bundle to a new 0600 temp file
func (t *Target) writeBundle(bundle types.EnvBundle) (string, error) {
	data, err := secrets.FormatEnv(bundle)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(t.tmpDir, "rollout-env-*")
	if err != nil {
		return "", fmt.Errorf("failed to create env file: %w", err)
	}
	name := f.Name()

	if err := f.Chmod(0600); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to restrict env file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to write env file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to write env file: %w", err)
	}
	return name, nil
}

func removeFile(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove env file: %w", err)
	}
	return nil
}
