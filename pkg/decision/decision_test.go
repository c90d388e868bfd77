package decision

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollout/pkg/types"
)

const (
	d1 types.ImageDigest = "sha256:1111111111111111111111111111111111111111111111111111111111111111"
	d2 types.ImageDigest = "sha256:2222222222222222222222222222222222222222222222222222222222222222"
)

func desiredImage(digest types.ImageDigest) types.ResolvedImage {
	return types.ResolvedImage{Reference: "img:dev", Repository: "img", Tag: "dev", Digest: digest, Source: types.DigestSourceRegistry}
}

func instance(service string, digest types.ImageDigest) types.RunningInstance {
	return types.RunningInstance{
		ServiceName:  service,
		ContainerID:  "c-" + service,
		ImageDigest:  digest,
		DigestSource: types.DigestSourceRegistry,
		State:        types.InstanceRunning,
	}
}

func TestDecide(t *testing.T) {
	lookupFailed := desiredImage("")
	lookupFailed.LookupErr = errors.New("registry unreachable")

	localInstance := instance("miner", "sha256:localid")
	localInstance.DigestSource = types.DigestSourceImageID

	tests := []struct {
		name       string
		desired    types.ResolvedImage
		running    []types.RunningInstance
		wantAction types.Action
		wantReason types.Reason
	}{
		{
			name:       "no running instance",
			desired:    desiredImage(d1),
			wantAction: types.ActionFreshStart,
			wantReason: types.ReasonNoInstance,
		},
		{
			name:       "no running instance and unknown digest",
			desired:    lookupFailed,
			wantAction: types.ActionFreshStart,
			wantReason: types.ReasonNoInstance,
		},
		{
			name:       "same digest",
			desired:    desiredImage(d1),
			running:    []types.RunningInstance{instance("miner", d1)},
			wantAction: types.ActionNoOp,
			wantReason: types.ReasonDigestUnchanged,
		},
		{
			name:       "different digest",
			desired:    desiredImage(d2),
			running:    []types.RunningInstance{instance("miner", d1)},
			wantAction: types.ActionRestart,
			wantReason: types.ReasonDigestChanged,
		},
		{
			name:       "desired lookup failed",
			desired:    lookupFailed,
			running:    []types.RunningInstance{instance("miner", d1)},
			wantAction: types.ActionRestart,
			wantReason: types.ReasonUndeterminable,
		},
		{
			name:       "running digest unknown",
			desired:    desiredImage(d1),
			running:    []types.RunningInstance{instance("miner", "")},
			wantAction: types.ActionRestart,
			wantReason: types.ReasonUndeterminable,
		},
		{
			name:       "digest sources differ",
			desired:    desiredImage("sha256:localid"),
			running:    []types.RunningInstance{localInstance},
			wantAction: types.ActionRestart,
			wantReason: types.ReasonUndeterminable,
		},
		{
			name:       "multiple instances",
			desired:    desiredImage(d1),
			running:    []types.RunningInstance{instance("miner", d1), instance("miner", d1)},
			wantAction: types.ActionRestart,
			wantReason: types.ReasonUndeterminable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs := []types.ServiceSpec{{Name: "miner", Image: "img"}}
			running := map[string][]types.RunningInstance{}
			if tt.running != nil {
				running["miner"] = tt.running
			}

			set := Decide(specs, map[string]types.ResolvedImage{"miner": tt.desired}, running)
			require.Len(t, set, 1)

			d := set["miner"]
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.desired, d.Desired)
			assert.Len(t, d.Current, len(tt.running))
		})
	}
}

// A service with no prior instance is always a fresh start, whatever is
// known about its digest
func TestDecideNoInstanceAlwaysFreshStart(t *testing.T) {
	desired := []types.ResolvedImage{
		desiredImage(d1),
		desiredImage(""),
		{LookupErr: errors.New("boom")},
		{Digest: "sha256:x", Source: types.DigestSourceImageID},
	}
	for i, img := range desired {
		set := Decide([]types.ServiceSpec{{Name: "svc"}}, map[string]types.ResolvedImage{"svc": img}, nil)
		assert.Equal(t, types.ActionFreshStart, set["svc"].Action, "case %d", i)
	}
}

// A failed digest lookup never yields a no-op, even when the running digest
// happens to match what little is known
func TestDecideLookupFailureNeverNoOp(t *testing.T) {
	for i, running := range []types.ImageDigest{d1, d2, ""} {
		img := desiredImage(d1)
		img.LookupErr = errors.New("timeout")

		set := Decide(
			[]types.ServiceSpec{{Name: "svc"}},
			map[string]types.ResolvedImage{"svc": img},
			map[string][]types.RunningInstance{"svc": {instance("svc", running)}},
		)
		assert.Equal(t, types.ActionRestart, set["svc"].Action, "case %d", i)
		assert.Equal(t, types.ReasonUndeterminable, set["svc"].Reason, "case %d", i)
	}
}

func TestDecideMultipleServices(t *testing.T) {
	specs := make([]types.ServiceSpec, 0, 4)
	for i := 0; i < 4; i++ {
		specs = append(specs, types.ServiceSpec{Name: fmt.Sprintf("svc%d", i)})
	}
	desired := map[string]types.ResolvedImage{
		"svc0": desiredImage(d1),
		"svc1": desiredImage(d1),
		"svc2": desiredImage(d2),
		"svc3": desiredImage(d1),
	}
	running := map[string][]types.RunningInstance{
		"svc1": {instance("svc1", d1)},
		"svc2": {instance("svc2", d1)},
		"svc3": {instance("svc3", "")},
	}

	set := Decide(specs, desired, running)
	assert.Equal(t, map[types.Action]int{
		types.ActionFreshStart: 1,
		types.ActionNoOp:       1,
		types.ActionRestart:    2,
	}, Summary(set))

	ordered := Ordered(specs, set)
	require.Len(t, ordered, 4)
	for i, d := range ordered {
		assert.Equal(t, specs[i].Name, d.Service)
	}
}

func TestRestartDecisionString(t *testing.T) {
	set := Decide(
		[]types.ServiceSpec{{Name: "miner"}},
		map[string]types.ResolvedImage{"miner": desiredImage(d2)},
		map[string][]types.RunningInstance{"miner": {instance("miner", d1)}},
	)
	assert.Equal(t, "miner: restart (digest changed: sha256:111111111111 -> sha256:222222222222)", set["miner"].String())
}
