// Package runtimetest provides an in-memory runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"

	"github.com/cuemby/rollout/pkg/registry"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/types"
)

// Call is one recorded runtime call
type Call struct {
	Op      string // login, pull, start, ensure, stop, remove, logs
	Ref     string // image reference for pull, container ID otherwise
	Service string
}

// Behavior scripts what a started container does
type Behavior struct {
	// PendingReads is the number of inspections that report unknown state
	// before the container settles
	PendingReads int
	// State is the settled state, running by default
	State    types.InstanceState
	ExitCode int
	Logs     string
}

// Container is a fake container
type Container struct {
	ID       string
	Name     string
	Labels   map[string]string
	Image    string
	Digest   types.ImageDigest
	Source   types.DigestSource
	State    types.InstanceState
	ExitCode int
	Logs     string

	behavior Behavior
	reads    int
}

// Fake is a stateful Runtime. The exported maps may be set before use.
type Fake struct {
	// Registry maps a reference to the digest the registry reports for it,
	// and is what pulled images are stamped with
	Registry map[string]types.ImageDigest
	// PullErrors fails pulls of the given references
	PullErrors map[string]error
	// StartErrors fails starts of the given services
	StartErrors map[string]error
	// Behaviors scripts containers started for the given services
	Behaviors map[string]Behavior
	// StopErrors and RemoveErrors fail teardown of the given container IDs
	StopErrors   map[string]error
	RemoveErrors map[string]error
	LoginErr     error

	mu         sync.Mutex
	containers map[string]*Container
	order      []string
	calls      []Call
	requests   []runtime.StartRequest
	nextID     int
}

// New creates an empty fake runtime
func New() *Fake {
	return &Fake{
		Registry:     make(map[string]types.ImageDigest),
		PullErrors:   make(map[string]error),
		StartErrors:  make(map[string]error),
		Behaviors:    make(map[string]Behavior),
		StopErrors:   make(map[string]error),
		RemoveErrors: make(map[string]error),
		containers:   make(map[string]*Container),
	}
}

var _ runtime.Runtime = (*Fake)(nil)

func (f *Fake) newID() string {
	f.nextID++
	return fmt.Sprintf("%064x", f.nextID)
}

func (f *Fake) record(op, ref, service string) {
	f.calls = append(f.calls, Call{Op: op, Ref: ref, Service: service})
}

// AddContainer seeds a container, e.g. one left by an earlier rollout
func (f *Fake) AddContainer(c Container) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.ID == "" {
		c.ID = f.newID()
	}
	if c.State == "" {
		c.State = types.InstanceRunning
	}
	if c.Source == "" && c.Digest.Known() {
		c.Source = types.DigestSourceRegistry
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	stored := c
	stored.behavior.State = c.State
	f.containers[c.ID] = &stored
	f.order = append(f.order, c.ID)
	return &stored
}

// AddRunning seeds a running, labelled container for a service
func (f *Fake) AddRunning(project, service, image string, digest types.ImageDigest) *Container {
	return f.AddContainer(Container{
		Name:   runtime.ContainerName(project, service),
		Labels: map[string]string{runtime.LabelProject: project, runtime.LabelService: service},
		Image:  image,
		Digest: digest,
	})
}

// Calls returns a copy of the recorded calls
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the recorded calls with the given op
func (f *Fake) CallsFor(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many calls with op were recorded for service. An empty
// service counts all of them.
func (f *Fake) Count(op, service string) int {
	n := 0
	for _, c := range f.CallsFor(op) {
		if service == "" || c.Service == service {
			n++
		}
	}
	return n
}

// StartRequests returns the requests passed to Start
func (f *Fake) StartRequests() []runtime.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.StartRequest(nil), f.requests...)
}

// Reset clears the recorded calls, keeping containers
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.requests = nil
}

// Containers returns a snapshot of all containers in creation order
func (f *Fake) Containers() []Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Container, 0, len(f.order))
	for _, id := range f.order {
		if c, ok := f.containers[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// Get returns the container with id
func (f *Fake) Get(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Login records the login
func (f *Fake) Login(ctx context.Context, creds registry.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("login", creds.Host(), "")
	if f.LoginErr != nil {
		return &types.AuthError{Registry: creds.Host(), Err: f.LoginErr}
	}
	return nil
}

// Pull fails for references in PullErrors
func (f *Fake) Pull(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull", ref, "")
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := f.PullErrors[ref]; ok {
		return err
	}
	return nil
}

// LookupDigest returns the Registry entry for ref
func (f *Fake) LookupDigest(ctx context.Context, ref reference.Named) (types.ImageDigest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range []string{ref.String(), reference.FamiliarString(ref)} {
		if d, ok := f.Registry[key]; ok {
			return d, nil
		}
	}
	return "", fmt.Errorf("manifest unknown: %s", ref)
}

// List returns the project's containers
func (f *Fake) List(ctx context.Context, project string) ([]types.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []types.ContainerSummary
	for _, id := range f.order {
		c, ok := f.containers[id]
		if !ok {
			continue
		}
		summary := types.ContainerSummary{ID: c.ID, Name: c.Name, State: c.State, Labels: c.Labels}
		if runtime.InProject(summary, project) {
			out = append(out, summary)
		}
	}
	return out, nil
}

// Inspect advances scripted containers by one read
func (f *Fake) Inspect(ctx context.Context, id string) (types.RunningInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return types.RunningInstance{}, err
	}

	c, ok := f.containers[id]
	if !ok {
		return types.RunningInstance{}, fmt.Errorf("%s: %w", id, runtime.ErrNotFound)
	}

	c.reads++
	state := c.State
	if c.reads <= c.behavior.PendingReads {
		state = types.InstanceUnknown
	}

	return types.RunningInstance{
		ServiceName:   c.Labels[runtime.LabelService],
		ContainerID:   c.ID,
		ContainerName: c.Name,
		Image:         c.Image,
		ImageDigest:   c.Digest,
		DigestSource:  c.Source,
		State:         state,
		ExitCode:      c.ExitCode,
	}, nil
}

// Start creates a container, failing on name collisions like docker does
func (f *Fake) Start(ctx context.Context, req runtime.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", req.Image, req.Spec.Name)
	f.requests = append(f.requests, req)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err, ok := f.StartErrors[req.Spec.Name]; ok {
		return "", err
	}
	for _, c := range f.containers {
		if c.Name == req.Name() {
			return "", fmt.Errorf("conflict: container name %q is already in use by %s", c.Name, c.ID)
		}
	}

	behavior := f.Behaviors[req.Spec.Name]
	if behavior.State == "" {
		behavior.State = types.InstanceRunning
	}

	digest := req.Digest
	if d, ok := f.Registry[req.Image]; ok {
		digest = d
	}

	c := &Container{
		ID:       f.newID(),
		Name:     req.Name(),
		Labels:   req.Labels(),
		Image:    req.Image,
		Digest:   digest,
		Source:   types.DigestSourceRegistry,
		State:    behavior.State,
		ExitCode: behavior.ExitCode,
		Logs:     behavior.Logs,
		behavior: behavior,
	}
	f.containers[c.ID] = c
	f.order = append(f.order, c.ID)
	return c.ID, nil
}

// EnsureRunning marks an existing container running
func (f *Fake) EnsureRunning(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		f.record("ensure", id, "")
		return fmt.Errorf("%s: %w", id, runtime.ErrNotFound)
	}
	f.record("ensure", id, c.Labels[runtime.LabelService])
	c.State = types.InstanceRunning
	return nil
}

// Stop marks the container exited
func (f *Fake) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		f.record("stop", id, "")
		return nil
	}
	f.record("stop", id, serviceOf(c))
	if err, ok := f.StopErrors[id]; ok {
		return err
	}
	c.State = types.InstanceExited
	return nil
}

// Remove deletes the container
func (f *Fake) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		f.record("remove", id, "")
		return nil
	}
	f.record("remove", id, serviceOf(c))
	if err, ok := f.RemoveErrors[id]; ok {
		return err
	}
	delete(f.containers, id)
	return nil
}

// Logs returns the scripted logs, last tail lines
func (f *Fake) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		f.record("logs", id, "")
		return "", fmt.Errorf("%s: %w", id, runtime.ErrNotFound)
	}
	f.record("logs", id, serviceOf(c))

	lines := strings.SplitAfter(c.Logs, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, ""), nil
}

// Close does nothing
func (f *Fake) Close() error { return nil }

// serviceOf names the service by label, falling back to the container name
func serviceOf(c *Container) string {
	if svc := c.Labels[runtime.LabelService]; svc != "" {
		return svc
	}
	return c.Name
}
