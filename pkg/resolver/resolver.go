package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/types"
)

// DefaultEnvironments are the environment labels accepted when none are configured
var DefaultEnvironments = []string{"dev", "prd"}

var (
	// ErrUnknownEnvironment is wrapped by the ResolutionError for a label
	// outside the configured set
	ErrUnknownEnvironment = errors.New("unknown environment label")

	// ErrNoLister marks a digest that could not be looked up because no
	// registry listing is available
	ErrNoLister = errors.New("no registry lister configured")
)

// TagLister reports the manifest digest a registry holds for a tagged
// reference. Runtimes implement it.
type TagLister interface {
	LookupDigest(ctx context.Context, ref reference.Named) (types.ImageDigest, error)
}

// ListerFunc adapts a function to TagLister
type ListerFunc func(ctx context.Context, ref reference.Named) (types.ImageDigest, error)

// LookupDigest calls f
func (f ListerFunc) LookupDigest(ctx context.Context, ref reference.Named) (types.ImageDigest, error) {
	return f(ctx, ref)
}

// Resolver turns manifest image names plus an environment label into
// canonical references and their registry digests. It has no side effects
// on any runtime.
type Resolver struct {
	lister       TagLister
	environments map[string]bool
	logger       zerolog.Logger
}

// New creates a resolver accepting the given environment labels
func New(lister TagLister, environments []string) *Resolver {
	if len(environments) == 0 {
		environments = DefaultEnvironments
	}
	allowed := make(map[string]bool, len(environments))
	for _, env := range environments {
		allowed[env] = true
	}
	return &Resolver{
		lister:       lister,
		environments: allowed,
		logger:       log.WithComponent("resolver"),
	}
}

// ValidEnvironment reports whether the label is accepted
func (r *Resolver) ValidEnvironment(environment string) bool {
	return r.environments[environment]
}

// Resolve returns the canonical form of image for the environment. An
// untagged image is tagged with the environment label.
//
// A bad label or a malformed image is a *types.ResolutionError. A failed
// digest lookup is not: the result carries LookupErr and an unknown digest,
// and only ctx cancellation aborts.
func (r *Resolver) Resolve(ctx context.Context, image, environment string) (types.ResolvedImage, error) {
	if !r.ValidEnvironment(environment) {
		return types.ResolvedImage{}, &types.ResolutionError{Image: image, Environment: environment, Err: ErrUnknownEnvironment}
	}
	if image == "" {
		return types.ResolvedImage{}, &types.ResolutionError{Image: image, Environment: environment, Err: errors.New("empty image reference")}
	}

	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return types.ResolvedImage{}, &types.ResolutionError{Image: image, Environment: environment, Err: err}
	}

	res := types.ResolvedImage{Repository: reference.FamiliarName(named)}

	if tagged, ok := named.(reference.Tagged); ok {
		res.Tag = tagged.Tag()
	}

	// A pinned digest is already canonical
	if canonical, ok := named.(reference.Canonical); ok {
		res.Reference = reference.FamiliarString(named)
		res.Digest = types.ImageDigest(canonical.Digest().String())
		res.Source = types.DigestSourceRegistry
		return res, nil
	}

	if res.Tag == "" {
		named, err = reference.WithTag(named, environment)
		if err != nil {
			return types.ResolvedImage{}, &types.ResolutionError{Image: image, Environment: environment, Err: err}
		}
		res.Tag = environment
	}
	res.Reference = reference.FamiliarString(named)

	if r.lister == nil {
		res.LookupErr = ErrNoLister
		return res, nil
	}

	dg, err := r.lister.LookupDigest(ctx, named)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.ResolvedImage{}, ctxErr
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("image", res.Reference).Msg("Digest lookup failed, digest unknown")
		res.LookupErr = &types.ResolutionError{Image: res.Reference, Environment: environment, Err: err}
		return res, nil
	}
	if _, err := digest.Parse(string(dg)); err != nil {
		res.LookupErr = &types.ResolutionError{Image: res.Reference, Environment: environment, Err: fmt.Errorf("registry returned invalid digest %q: %w", dg, err)}
		return res, nil
	}

	res.Digest = dg
	res.Source = types.DigestSourceRegistry
	return res, nil
}

// ResolveAll resolves every service image in manifest order. The first
// fatal error stops resolution.
func (r *Resolver) ResolveAll(ctx context.Context, specs []types.ServiceSpec, environment string) (map[string]types.ResolvedImage, error) {
	out := make(map[string]types.ResolvedImage, len(specs))
	for _, spec := range specs {
		res, err := r.Resolve(ctx, spec.Image, environment)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", spec.Name, err)
		}
		r.logger.Debug().
			Str("service", spec.Name).
			Str("reference", res.Reference).
			Str("digest", res.Digest.Short()).
			Msg("Resolved image")
		out[spec.Name] = res
	}
	return out, nil
}
