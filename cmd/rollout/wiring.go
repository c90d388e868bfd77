package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/executil"
	"github.com/cuemby/rollout/pkg/resolver"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/secrets"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/target"
)

// app holds everything a command needs; close releases it
type app struct {
	cfg      *config.Config
	target   *target.Target
	store    *storage.BoltStore
	deployer *deploy.Deployer
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.target != nil {
		_ = a.target.Close()
	}
}

// newApp connects to the target and opens the state store
func newApp(ctx context.Context, cfg *config.Config, broker *events.Broker) (*app, error) {
	a := &app{cfg: cfg}

	tgt, err := newTarget(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.target = tgt

	store, err := storage.NewBoltStore(cfg.StateDir)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store

	provider, err := newSecrets(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.deployer = deploy.NewDeployer(deploy.Options{
		Project:  cfg.Project,
		Target:   tgt,
		Resolver: resolver.New(tgt.Runtime, cfg.Environments),
		Secrets:  provider,
		Registry: cfg.Registry,
		Health:   cfg.Health,
		Store:    store,
		Broker:   broker,
	})
	return a, nil
}

func newTarget(ctx context.Context, cfg *config.Config) (*target.Target, error) {
	switch cfg.Target.Kind {
	case config.TargetSSH:
		ex, err := executil.DialSSH(ctx, cfg.SSH())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.SSH().Addr(), err)
		}
		return target.NewRemote(ex, runtime.NewDockerCLI(ex), cfg.Target.Workdir), nil
	default:
		rt, err := newLocalRuntime(cfg)
		if err != nil {
			return nil, err
		}
		return target.NewLocal(rt, os.TempDir()), nil
	}
}

func newLocalRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Target.Runtime {
	case config.RuntimeContainerd:
		return runtime.NewContainerd(cfg.Containerd())
	case config.RuntimeDockerCLI:
		return runtime.NewDockerCLI(executil.NewLocal()), nil
	default:
		return runtime.NewDocker(cfg.Target.DockerHost)
	}
}

// newSecrets picks the provider. Providers always run on the operator's
// machine, never on the target.
func newSecrets(cfg *config.Config) (secrets.Provider, error) {
	s := cfg.Secrets
	switch s.Provider {
	case config.SecretsNone:
		return secrets.None{}, nil
	case config.SecretsEnvFile:
		return secrets.NewEnvFile(s.Dir), nil
	case config.SecretsAge:
		return secrets.NewAgeFile(s.Dir, s.AgeIdentity), nil
	case config.SecretsDoppler:
		return secrets.NewDoppler(executil.NewLocal(), s.DopplerProject), nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", s.Provider)
	}
}
