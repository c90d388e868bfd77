package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/resolver"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/secrets"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
)

const (
	d1 = types.ImageDigest("sha256:1111111111111111111111111111111111111111111111111111111111111111")
	d2 = types.ImageDigest("sha256:2222222222222222222222222222222222222222222222222222222222222222")
)

func writeConfig(t *testing.T, stateDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	doc := `project: leads
stateDir: ` + stateDir + `
services:
  - name: miner
    image: ghcr.io/acme/miner
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func finishedRecord(t *testing.T, id string, outcome types.Outcome, started time.Time) *types.DeploymentRecord {
	t.Helper()
	rec := types.NewDeploymentRecord(id, "leads", "local", "dev",
		[]types.ServiceSpec{{Name: "miner", Image: "ghcr.io/acme/miner"}}, started)
	prev := d1
	rec.Services[0].PreviousDigest = &prev
	rec.Services[0].NewDigest = d2
	rec.Services[0].Action = types.ActionRestart
	rec.Services[0].Healthy = outcome == types.OutcomeSuccess
	if outcome != types.OutcomeSuccess {
		rec.FailedStage = types.StageVerify
		rec.Error = "verify stage failed: miner: container exited"
		rec.Services[0].Error = "container exited with code 1"
		rec.Services[0].LogTail = "KeyError: 'TOKEN'\n"
	}
	require.NoError(t, rec.Finalize(outcome, started.Add(42*time.Second)))
	return rec
}

func TestHistoryEmpty(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	out, err := execute(t, "history", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No deployments recorded")
}

func TestHistoryListsAndShows(t *testing.T) {
	stateDir := t.TempDir()
	store, err := storage.NewBoltStore(stateDir)
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRecord(finishedRecord(t, "first", types.OutcomeSuccess, start)))
	require.NoError(t, store.SaveRecord(finishedRecord(t, "second", types.OutcomeFailedHealth, start.Add(time.Hour))))
	require.NoError(t, store.Close())

	cfgPath := writeConfig(t, stateDir)

	out, err := execute(t, "history", "--config", cfgPath, "--env", "dev", "--limit", "10")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "second"))
	assert.True(t, strings.HasPrefix(lines[2], "first"))
	assert.Contains(t, lines[1], "failed-health")

	out, err = execute(t, "history", "--config", cfgPath, "--limit", "20", "second")
	require.NoError(t, err)
	assert.Contains(t, out, "✗ Deployment second: failed-health")
	assert.Contains(t, out, "KeyError")

	_, err = execute(t, "history", "--config", cfgPath, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryLastSuccess(t *testing.T) {
	t.Cleanup(func() {
		_ = historyCmd.Flags().Set("last-success", "false")
		_ = historyCmd.Flags().Set("env", "")
	})

	stateDir := t.TempDir()
	cfgPath := writeConfig(t, stateDir)

	out, err := execute(t, "history", "--config", cfgPath, "--last-success", "--env", "dev")
	require.NoError(t, err)
	assert.Contains(t, out, "No successful deployment of dev recorded")

	store, err := storage.NewBoltStore(stateDir)
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRecord(finishedRecord(t, "good", types.OutcomeSuccess, start)))
	require.NoError(t, store.SaveRecord(finishedRecord(t, "bad", types.OutcomeFailedHealth, start.Add(time.Hour))))
	require.NoError(t, store.Close())

	out, err = execute(t, "history", "--config", cfgPath, "--last-success", "--env", "dev")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Deployment good: success")
	assert.NotContains(t, out, "bad")

	_, err = execute(t, "history", "--config", cfgPath, "--last-success", "good")
	assert.Error(t, err)
}

func TestPrintRecord(t *testing.T) {
	var buf bytes.Buffer
	rec := finishedRecord(t, "abc", types.OutcomeSuccess, time.Now())
	rec.Warnings = []string{"failed to remove old container"}

	printRecord(&buf, rec)

	out := buf.String()
	assert.Contains(t, out, "✓ Deployment abc: success")
	assert.Contains(t, out, "42s")
	assert.Contains(t, out, d1.Short())
	assert.Contains(t, out, d2.Short())
	assert.Contains(t, out, "warning: failed to remove old container")
	assert.NotContains(t, out, "Failed at")
}

func TestPrintRecordFailure(t *testing.T) {
	var buf bytes.Buffer
	printRecord(&buf, finishedRecord(t, "abc", types.OutcomeFailedHealth, time.Now()))

	out := buf.String()
	assert.Contains(t, out, "Failed at:   verify")
	assert.Contains(t, out, "--- last log lines of miner ---\nKeyError: 'TOKEN'\n")
}

func TestPrintPlan(t *testing.T) {
	services := []types.ServiceSpec{{Name: "api"}, {Name: "worker"}}
	plan := &deploy.Plan{Decisions: types.DecisionSet{
		"worker": {
			Service: "worker",
			Action:  types.ActionFreshStart,
			Reason:  types.ReasonNoInstance,
			Desired: types.ResolvedImage{Digest: d2},
		},
		"api": {
			Service: "api",
			Action:  types.ActionRestart,
			Reason:  types.ReasonUndeterminable,
			Detail:  "2 instances running",
			Current: []types.RunningInstance{{ImageDigest: d1}, {ImageDigest: d1}},
		},
	}}

	var buf bytes.Buffer
	printPlan(&buf, services, plan)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[1], "api")
	assert.Contains(t, lines[1], "2 instances")
	assert.Contains(t, lines[1], "unknown")
	assert.Contains(t, lines[2], "worker")
	assert.Contains(t, lines[2], d2.Short())
	assert.Empty(t, lines[3])
	assert.Equal(t, "1 to start, 1 to restart, 0 unchanged", lines[4])
}

var _ resolver.TagLister = runtime.Runtime(nil)

func TestNewAppLocal(t *testing.T) {
	tests := []struct {
		runtime string
		want    any
	}{
		{"", &runtime.Docker{}},
		{config.RuntimeDockerCLI, &runtime.DockerCLI{}},
	}
	for _, tt := range tests {
		t.Run("runtime="+tt.runtime, func(t *testing.T) {
			stateDir := t.TempDir()
			path := filepath.Join(t.TempDir(), "rollout.yaml")
			doc := `project: leads
stateDir: ` + stateDir + `
target:
  runtime: "` + tt.runtime + `"
services:
  - name: miner
    image: ghcr.io/acme/miner
`
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
			cfg, err := config.Load(path)
			require.NoError(t, err)

			a, err := newApp(context.Background(), cfg, nil)
			require.NoError(t, err)
			defer a.close()

			assert.Equal(t, "local", a.target.Name)
			assert.IsType(t, tt.want, a.target.Runtime)
			require.NotNil(t, a.store)
			require.NotNil(t, a.deployer)

			records, err := a.store.ListRecords("", 0)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestNewSecrets(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{config.SecretsNone, "none"},
		{config.SecretsEnvFile, "envfile"},
		{config.SecretsAge, "age"},
		{config.SecretsDoppler, "doppler"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := &config.Config{Secrets: config.SecretsConfig{Provider: tt.provider, Dir: "secrets"}}
			p, err := newSecrets(cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}

	_, err := newSecrets(&config.Config{Secrets: config.SecretsConfig{Provider: "vault"}})
	assert.Error(t, err)

	p, _ := newSecrets(&config.Config{Secrets: config.SecretsConfig{Provider: config.SecretsNone}})
	assert.IsType(t, secrets.None{}, p)
}

func TestReadPassword(t *testing.T) {
	pw, err := readPassword(strings.NewReader("hunter2\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)

	pw, err = readPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", pw)

	_, err = readPassword(strings.NewReader("\n"))
	assert.Error(t, err)
}
