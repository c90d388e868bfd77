package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollout/pkg/types"
)

const full = `
project: leads
environments: [dev, prd]
environment: prd
deadline: 10m
stateDir: /var/lib/rollout
target:
  kind: ssh
  workdir: /srv/leads
  ssh:
    host: vps.example.com
    user: deploy
    identityFile: ~/.ssh/deploy
registry:
  server: ghcr.io
  usernameKey: GHCR_USER
  passwordKey: GHCR_TOKEN
secrets:
  provider: doppler
  dopplerProject: leads
health:
  initialDelay: 5s
  pollInterval: 2s
  maxAttempts: 10
  stableReads: 3
  parallelism: 2
services:
  - name: miner
    image: ghcr.io/acme/lead-miner
    envBundle: leads
    restartPolicy: on-failure
    stopTimeout: 30s
    env:
      LOG_LEVEL: info
    healthCheck:
      type: http
      endpoint: http://127.0.0.1:8080/healthz
      timeout: 2s
  - name: classifier
    image: ghcr.io/acme/classifier:dev
    command: ["python", "-m", "classify"]
    ports: ["8081:8081"]
    mounts:
      - source: /srv/leads/data
        target: /data
        readOnly: true
`

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(full))
	require.NoError(t, err)

	assert.Equal(t, "leads", cfg.Project)
	assert.Equal(t, "prd", cfg.Environment)
	assert.Equal(t, 10*time.Minute, cfg.Deadline)
	assert.Equal(t, TargetSSH, cfg.Target.Kind)
	assert.Equal(t, RuntimeDockerCLI, cfg.Target.Runtime)
	assert.Equal(t, "rollout", cfg.Registry.KeyringService)

	assert.Equal(t, 5*time.Second, cfg.Health.InitialDelay)
	assert.Equal(t, 3, cfg.Health.StableReads)
	assert.Equal(t, 2, cfg.Health.Parallelism)
	assert.Equal(t, 100, cfg.Health.LogTailLines)

	require.Len(t, cfg.Services, 2)
	miner := cfg.Services[0]
	assert.Equal(t, "leads", miner.EnvBundleRef)
	assert.Equal(t, types.RestartOnFailure, miner.RestartPolicy)
	assert.Equal(t, 30*time.Second, miner.StopTimeout)
	require.NotNil(t, miner.HealthCheck)
	assert.Equal(t, 2*time.Second, miner.HealthCheck.Timeout)

	classifier := cfg.Services[1]
	assert.Equal(t, types.RestartAlways, classifier.RestartPolicy)
	assert.Equal(t, []string{"python", "-m", "classify"}, classifier.Command)
	require.Len(t, classifier.Mounts, 1)
	assert.True(t, classifier.Mounts[0].ReadOnly)

	ssh := cfg.SSH()
	assert.Equal(t, "vps.example.com:22", ssh.Addr())
	assert.Equal(t, "deploy", ssh.User)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("project: leads\nservices:\n  - name: miner\n    image: acme/miner\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"dev", "prd"}, cfg.Environments)
	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, 15*time.Minute, cfg.Deadline)
	assert.Equal(t, TargetLocal, cfg.Target.Kind)
	assert.Equal(t, RuntimeDocker, cfg.Target.Runtime)
	assert.Equal(t, SecretsNone, cfg.Secrets.Provider)
	assert.Equal(t, "/opt/leads", cfg.Target.Workdir)
	assert.NotEmpty(t, cfg.StateDir)

	def := types.DefaultHealthCheckPolicy()
	assert.Equal(t, def.PollInterval, cfg.Health.PollInterval)
	assert.Equal(t, def.MaxAttempts, cfg.Health.MaxAttempts)
	assert.Equal(t, 1, cfg.Health.StableReads)
	assert.Equal(t, 1, cfg.Health.Parallelism)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no project", "services: [{name: a, image: a}]", "project"},
		{"no services", "project: leads", "no services"},
		{"duplicate", "project: leads\nservices: [{name: a, image: a}, {name: a, image: b}]", "duplicate service"},
		{"no image", "project: leads\nservices: [{name: a}]", "has no image"},
		{"bad name", "project: leads\nservices: [{name: A_b!, image: a}]", "invalid"},
		{"bad policy", "project: leads\nservices: [{name: a, image: a, restartPolicy: sometimes}]", "restart policy"},
		{"bad env", "project: leads\nenvironment: staging\nservices: [{name: a, image: a}]", "not one of"},
		{"bad check", "project: leads\nservices: [{name: a, image: a, healthCheck: {type: exec}}]", "health check type"},
		{"ssh without host", "project: leads\ntarget: {kind: ssh}\nservices: [{name: a, image: a}]", "target.ssh.host"},
		{"ssh with docker", "project: leads\ntarget: {kind: ssh, runtime: docker, ssh: {host: h, user: u}}\nservices: [{name: a, image: a}]", "only supports"},
		{"bad runtime", "project: leads\ntarget: {runtime: podman}\nservices: [{name: a, image: a}]", "unknown runtime"},
		{"containerd ports", "project: leads\ntarget: {runtime: containerd}\nservices: [{name: a, image: a, ports: [\"8080:80\"]}]", "port mappings"},
		{"age without identity", "project: leads\nsecrets: {provider: age, dir: s}\nservices: [{name: a, image: a}]", "ageIdentity"},
		{"bad provider", "project: leads\nsecrets: {provider: vault}\nservices: [{name: a, image: a}]", "unknown secrets provider"},
		{"bad yaml", "project: [", "failed to parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateContainerdWithoutPorts(t *testing.T) {
	cfg, err := Parse([]byte("project: leads\ntarget: {runtime: containerd}\nservices: [{name: a, image: a, restartPolicy: on-failure}]"))
	require.NoError(t, err)
	assert.Equal(t, types.RestartOnFailure, cfg.Services[0].RestartPolicy)
}

func TestValidateReportsAll(t *testing.T) {
	_, err := Parse([]byte("project: leads\nservices: [{name: a}, {name: a, image: x}]"))
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "has no image") && strings.Contains(msg, "duplicate service"), msg)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(full), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
