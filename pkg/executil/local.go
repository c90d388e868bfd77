package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// Local runs commands on this machine
type Local struct{}

// NewLocal creates a local executor
func NewLocal() *Local {
	return &Local{}
}

// Name returns "local"
func (l *Local) Name() string { return "local" }

// Run executes the command with os/exec
func (l *Local) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.Stdin = cmd.Stdin

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %w", cmd.String(), ctx.Err())
		}
		return res, fmt.Errorf("failed to run %s: %w", cmd.String(), err)
	}
	return res, nil
}

// Copy copies a file locally with mode 0600, creating parent directories
func (l *Local) Copy(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if filepath.Clean(localPath) == filepath.Clean(remotePath) {
		return nil
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(remotePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", remotePath, err)
	}

	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy to %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Remove deletes a local file
func (l *Local) Remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Close is a no-op
func (l *Local) Close() error { return nil }
