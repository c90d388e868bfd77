package decision

import (
	"fmt"

	"github.com/cuemby/rollout/pkg/types"
)

// Decide returns the restart decision for every service of the manifest.
// running holds the instances the inspector attributed to each service and
// desired the resolved image of each service. Decide is pure.
func Decide(specs []types.ServiceSpec, desired map[string]types.ResolvedImage, running map[string][]types.RunningInstance) types.DecisionSet {
	set := make(types.DecisionSet, len(specs))
	for _, spec := range specs {
		set[spec.Name] = decideOne(spec.Name, desired[spec.Name], running[spec.Name])
	}
	return set
}

func decideOne(service string, desired types.ResolvedImage, current []types.RunningInstance) types.RestartDecision {
	d := types.RestartDecision{
		Service: service,
		Current: current,
		Desired: desired,
	}

	if len(current) == 0 {
		d.Action = types.ActionFreshStart
		d.Reason = types.ReasonNoInstance
		return d
	}

	if detail, ok := undeterminable(desired, current); ok {
		d.Action = types.ActionRestart
		d.Reason = types.ReasonUndeterminable
		d.Detail = detail
		return d
	}

	if current[0].ImageDigest.Equal(desired.Digest) {
		d.Action = types.ActionNoOp
		d.Reason = types.ReasonDigestUnchanged
		return d
	}

	d.Action = types.ActionRestart
	d.Reason = types.ReasonDigestChanged
	d.Detail = fmt.Sprintf("%s -> %s", current[0].ImageDigest.Short(), desired.Digest.Short())
	return d
}

// undeterminable reports why the running and desired digests cannot be
// compared, if they cannot
func undeterminable(desired types.ResolvedImage, current []types.RunningInstance) (string, bool) {
	switch {
	case desired.LookupErr != nil:
		return fmt.Sprintf("desired digest lookup failed: %v", desired.LookupErr), true
	case !desired.Digest.Known():
		return "desired digest unknown", true
	case len(current) > 1:
		return fmt.Sprintf("%d running instances", len(current)), true
	case !current[0].ImageDigest.Known():
		return "running digest unknown", true
	case current[0].DigestSource != desired.Source:
		return fmt.Sprintf("running digest from %s, desired from %s", current[0].DigestSource, desired.Source), true
	}
	return "", false
}

// Summary counts decisions per action
func Summary(set types.DecisionSet) map[types.Action]int {
	counts := make(map[types.Action]int, 3)
	for _, d := range set {
		counts[d.Action]++
	}
	return counts
}

// Ordered returns the decisions in manifest order
func Ordered(specs []types.ServiceSpec, set types.DecisionSet) []types.RestartDecision {
	out := make([]types.RestartDecision, 0, len(specs))
	for _, spec := range specs {
		if d, ok := set[spec.Name]; ok {
			out = append(out, d)
		}
	}
	return out
}
