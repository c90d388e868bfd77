// Package executiltest provides a scripted executor for tests.
package executiltest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cuemby/rollout/pkg/executil"
)

type response struct {
	prefix string
	result executil.Result
	err    error
}

// Fake answers commands by longest matching command-line prefix and keeps
// copied files in memory
type Fake struct {
	name string

	mu        sync.Mutex
	responses []response
	commands  []string
	stdin     map[string]string
	files     map[string]string
	removed   []string
	CopyErr   error
	closed    bool
}

var _ executil.Executor = (*Fake)(nil)

// New creates a fake executor named name
func New(name string) *Fake {
	return &Fake{
		name:  name,
		stdin: make(map[string]string),
		files: make(map[string]string),
	}
}

// On scripts the result for commands starting with prefix
func (f *Fake) On(prefix string, res executil.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{prefix: prefix, result: res})
	return f
}

// OnError scripts a transport failure for commands starting with prefix
func (f *Fake) OnError(prefix string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{prefix: prefix, err: err})
	return f
}

// Name returns the fake's name
func (f *Fake) Name() string { return f.name }

// Run records the command line and answers from the script. Unscripted
// commands succeed with no output.
func (f *Fake) Run(ctx context.Context, cmd executil.Command) (executil.Result, error) {
	if err := ctx.Err(); err != nil {
		return executil.Result{}, err
	}
	line := cmd.String()

	var stdin string
	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return executil.Result{}, err
		}
		stdin = string(data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, line)
	if cmd.Stdin != nil {
		f.stdin[line] = stdin
	}

	best := -1
	for i, r := range f.responses {
		if strings.HasPrefix(line, r.prefix) && (best < 0 || len(r.prefix) >= len(f.responses[best].prefix)) {
			best = i
		}
	}
	if best < 0 {
		return executil.Result{}, nil
	}
	return f.responses[best].result, f.responses[best].err
}

// Copy stores the local file content under remotePath
func (f *Fake) Copy(ctx context.Context, localPath, remotePath string) error {
	if f.CopyErr != nil {
		return f.CopyErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = string(data)
	return nil
}

// Remove forgets remotePath
func (f *Fake) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	f.removed = append(f.removed, path)
	return nil
}

// Close marks the fake closed
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Commands returns the command lines run so far
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Stdin returns what was written to the stdin of the command line
func (f *Fake) Stdin(line string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdin[line]
}

// File returns a copied file's content
func (f *Fake) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return data, ok
}

// Removed returns the removed paths in order
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
