package executil

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Command is a program invocation. Args[0] is the program.
type Command struct {
	Args  []string
	Stdin io.Reader
}

// Cmd builds a Command from its arguments
func Cmd(args ...string) Command {
	return Command{Args: args}
}

// WithStdin returns a copy of c reading stdin from r
func (c Command) WithStdin(r io.Reader) Command {
	c.Stdin = r
	return c
}

// String returns the shell-quoted command line
func (c Command) String() string {
	return shellquote.Join(c.Args...)
}

// Result is the outcome of a finished command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs commands and moves files on a target host. Both operations
// block until done or until ctx is cancelled.
type Executor interface {
	// Run executes the command. A non-zero exit is not an error; callers
	// inspect Result.ExitCode (see Check).
	Run(ctx context.Context, cmd Command) (Result, error)

	// Copy transfers a local file to path on the target with mode 0600.
	Copy(ctx context.Context, localPath, remotePath string) error

	// Remove deletes path on the target. Missing files are not an error.
	Remove(ctx context.Context, path string) error

	// Name identifies the target in logs
	Name() string

	Close() error
}

// ExitError reports a command that exited non-zero
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit code %d: %s", e.Command, e.ExitCode, stderr)
}

// Check runs cmd and converts a non-zero exit into an *ExitError
func Check(ctx context.Context, ex Executor, cmd Command) (Result, error) {
	res, err := ex.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}
