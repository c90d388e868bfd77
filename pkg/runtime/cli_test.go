package runtime

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/distribution/reference"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollout/pkg/executil"
	"github.com/cuemby/rollout/pkg/executil/executiltest"
	"github.com/cuemby/rollout/pkg/registry"
	"github.com/cuemby/rollout/pkg/types"
)

const testDigest = "sha256:4b3c2a1d4b3c2a1d4b3c2a1d4b3c2a1d4b3c2a1d4b3c2a1d4b3c2a1d4b3c2a1d"

func TestDockerCLIList(t *testing.T) {
	ex := executiltest.New("remote")
	ex.On("docker ps", executil.Result{Stdout: strings.Join([]string{
		`{"ID":"aaa","Names":"leads-miner","State":"running","Labels":"rollout.project=leads,rollout.service=miner"}`,
		`{"ID":"bbb","Names":"leads-miner_1","State":"exited","Labels":""}`,
		`{"ID":"ccc","Names":"postgres","State":"running","Labels":""}`,
	}, "\n") + "\n"})

	rt := NewDockerCLI(ex)
	got, err := rt.List(context.Background(), "leads")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "aaa", got[0].ID)
	assert.Equal(t, types.InstanceRunning, got[0].State)
	assert.Equal(t, "miner", got[0].Labels[LabelService])
	assert.Equal(t, "leads-miner_1", got[1].Name)
	assert.Equal(t, types.InstanceExited, got[1].State)
}

func TestDockerCLIInspect(t *testing.T) {
	ex := executiltest.New("remote")
	ex.On("docker container inspect aaa", executil.Result{Stdout: `[{
		"Id": "aaa",
		"Name": "/leads-miner",
		"Image": "sha256:cfg",
		"State": {"Status": "running", "Running": true, "ExitCode": 0},
		"Config": {"Image": "ghcr.io/acme/miner:dev"}
	}]`})
	ex.On("docker image inspect", executil.Result{Stdout: `[{
		"Id": "sha256:9999999999999999999999999999999999999999999999999999999999999999",
		"RepoDigests": ["ghcr.io/acme/miner@` + testDigest + `"]
	}]`})

	rt := NewDockerCLI(ex)
	inst, err := rt.Inspect(context.Background(), "aaa")
	require.NoError(t, err)

	assert.Equal(t, "leads-miner", inst.ContainerName)
	assert.Equal(t, types.InstanceRunning, inst.State)
	assert.Equal(t, types.ImageDigest(testDigest), inst.ImageDigest)
	assert.Equal(t, types.DigestSourceRegistry, inst.DigestSource)
}

func TestDockerCLIInspectLocalImage(t *testing.T) {
	const imageID = "sha256:9999999999999999999999999999999999999999999999999999999999999999"

	ex := executiltest.New("remote")
	ex.On("docker container inspect aaa", executil.Result{Stdout: `[{"Id":"aaa","Name":"/leads-miner","Image":"` + imageID + `","State":{"Status":"exited","ExitCode":2},"Config":{"Image":"miner:dev"}}]`})
	ex.On("docker image inspect", executil.Result{Stdout: `[{"Id":"` + imageID + `","RepoDigests":[]}]`})

	inst, err := NewDockerCLI(ex).Inspect(context.Background(), "aaa")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceExited, inst.State)
	assert.Equal(t, 2, inst.ExitCode)
	assert.Equal(t, types.ImageDigest(imageID), inst.ImageDigest)
	assert.Equal(t, types.DigestSourceImageID, inst.DigestSource)
}

func TestDockerCLIInspectImageFailureWarns(t *testing.T) {
	container := executil.Result{Stdout: `[{"Id":"aaa","Name":"/leads-miner","Image":"sha256:cfg","State":{"Status":"running"},"Config":{"Image":"ghcr.io/acme/miner:dev"}}]`}

	tests := []struct {
		name  string
		image func(ex *executiltest.Fake)
		want  string
	}{
		{
			name:  "image inspect fails",
			image: func(ex *executiltest.Fake) { ex.On("docker image inspect", executil.Result{ExitCode: 1, Stderr: "permission denied"}) },
			want:  "Failed to inspect container image",
		},
		{
			name:  "undecodable output",
			image: func(ex *executiltest.Fake) { ex.On("docker image inspect", executil.Result{Stdout: "not json"}) },
			want:  "Failed to decode image inspect output",
		},
		{
			name:  "no images",
			image: func(ex *executiltest.Fake) { ex.On("docker image inspect", executil.Result{Stdout: "[]"}) },
			want:  "Unexpected image inspect output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := executiltest.New("remote")
			ex.On("docker container inspect aaa", container)
			tt.image(ex)

			var logs bytes.Buffer
			rt := NewDockerCLI(ex)
			rt.logger = zerolog.New(&logs)

			inst, err := rt.Inspect(context.Background(), "aaa")
			require.NoError(t, err)
			assert.Equal(t, "leads-miner", inst.ContainerName)
			assert.False(t, inst.ImageDigest.Known())
			assert.Contains(t, logs.String(), tt.want)
			assert.Contains(t, logs.String(), `"container":"leads-miner"`)
		})
	}
}

func TestDockerCLIInspectNotFound(t *testing.T) {
	ex := executiltest.New("remote")
	ex.On("docker container inspect", executil.Result{ExitCode: 1, Stderr: "Error: No such container: gone"})

	_, err := NewDockerCLI(ex).Inspect(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDockerCLIStart(t *testing.T) {
	ex := executiltest.New("remote")
	ex.On("docker run", executil.Result{Stdout: "newid\n"})

	rt := NewDockerCLI(ex)
	id, err := rt.Start(context.Background(), StartRequest{
		Project: "leads",
		Spec: types.ServiceSpec{
			Name:          "miner",
			RestartPolicy: types.RestartOnFailure,
			Ports:         []string{"8080:80"},
			Mounts:        []*types.Mount{{Source: "/data", Target: "/data", ReadOnly: true}},
			Command:       []string{"python", "-m", "miner"},
		},
		Image:      "ghcr.io/acme/miner:dev",
		Bundle:     types.EnvBundle{"SECRET": "x"},
		BundleFile: "/srv/leads/.env.dev",
	})
	require.NoError(t, err)
	assert.Equal(t, "newid", id)

	cmds := ex.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "docker run -d --name leads-miner"+
		" --label rollout.project=leads --label rollout.service=miner"+
		" --restart on-failure --env-file /srv/leads/.env.dev"+
		" -p 8080:80 -v /data:/data:ro ghcr.io/acme/miner:dev python -m miner", cmds[0])
	assert.NotContains(t, cmds[0], "SECRET")
}

func TestDockerCLIStopMissingContainer(t *testing.T) {
	ex := executiltest.New("remote")
	ex.On("docker stop", executil.Result{ExitCode: 1, Stderr: "Error response from daemon: No such container: x"})
	ex.On("docker rm", executil.Result{ExitCode: 1, Stderr: "Error response from daemon: conflict"})

	rt := NewDockerCLI(ex)
	assert.NoError(t, rt.Stop(context.Background(), "x", time.Second))
	assert.Error(t, rt.Remove(context.Background(), "x"))
}

func TestDockerCLIEnsureRunning(t *testing.T) {
	ex := executiltest.New("remote")
	ex.On("docker container inspect up", executil.Result{Stdout: `[{"Id":"up","State":{"Status":"running","Running":true}}]`})
	ex.On("docker container inspect down", executil.Result{Stdout: `[{"Id":"down","State":{"Status":"exited","Running":false}}]`})

	rt := NewDockerCLI(ex)
	require.NoError(t, rt.EnsureRunning(context.Background(), "up"))
	require.NoError(t, rt.EnsureRunning(context.Background(), "down"))

	assert.Equal(t, []string{
		"docker container inspect up",
		"docker container inspect down",
		"docker start down",
	}, ex.Commands())
}

func TestDockerCLILoginUsesStdin(t *testing.T) {
	ex := executiltest.New("remote")
	rt := NewDockerCLI(ex)

	require.NoError(t, rt.Login(context.Background(), registry.Credentials{Server: "ghcr.io", Username: "ci", Password: "s3cret"}))

	cmds := ex.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "docker login --username ci --password-stdin ghcr.io", cmds[0])
	assert.NotContains(t, cmds[0], "s3cret")
	assert.Equal(t, "s3cret", ex.Stdin(cmds[0]))
}

func TestDockerCLILoginFailure(t *testing.T) {
	ex := executiltest.New("remote")
	ex.On("docker login", executil.Result{ExitCode: 1, Stderr: "unauthorized"})

	err := NewDockerCLI(ex).Login(context.Background(), registry.Credentials{Username: "ci", Password: "bad"})
	var authErr *types.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "docker.io", authErr.Registry)
}

func TestDockerCLILookupDigest(t *testing.T) {
	ex := executiltest.New("local")
	ex.On("docker buildx imagetools inspect", executil.Result{
		Stdout: `{"mediaType":"application/vnd.oci.image.index.v1+json","digest":"` + testDigest + `","size":1609}` + "\n",
	})

	ref, err := reference.ParseNormalizedNamed("ghcr.io/acme/miner:dev")
	require.NoError(t, err)

	got, err := NewDockerCLI(ex).LookupDigest(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, types.ImageDigest(testDigest), got)
}

func TestDockerCLILookupDigestFailure(t *testing.T) {
	ex := executiltest.New("local")
	ex.OnError("docker buildx", errors.New("connection reset"))

	ref, err := reference.ParseNormalizedNamed("img:dev")
	require.NoError(t, err)

	_, err = NewDockerCLI(ex).LookupDigest(context.Background(), ref)
	assert.Error(t, err)
}

func TestDockerCLILogs(t *testing.T) {
	ex := executiltest.New("remote")
	ex.On("docker logs --tail 50 aaa", executil.Result{Stdout: "starting\n", Stderr: "Traceback\n"})

	logs, err := NewDockerCLI(ex).Logs(context.Background(), "aaa", 50)
	require.NoError(t, err)
	assert.Equal(t, "starting\nTraceback\n", logs)
}
