package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds remote host connection settings
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	IdentityFile   string
	KnownHostsFile string
	// InsecureSkipHostKey disables host key verification. Only for
	// ephemeral CI hosts whose keys are not known in advance.
	InsecureSkipHostKey bool
	DialTimeout         time.Duration
}

// Addr returns host:port
func (c SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSH runs commands on a remote host over a single SSH connection
type SSH struct {
	cfg    SSHConfig
	client *ssh.Client
}

// DialSSH connects to the remote host
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSH, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("ssh host and user are required")
	}

	keyData, err := os.ReadFile(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr(), err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", cfg.Addr(), err)
	}

	return &SSH{cfg: cfg, client: ssh.NewClient(c, chans, reqs)}, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureSkipHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := cfg.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", file, err)
	}
	return cb, nil
}

// Name returns user@host:port
func (s *SSH) Name() string {
	return s.cfg.User + "@" + s.cfg.Addr()
}

// Run executes the command through the remote shell
func (s *SSH) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}
	return s.runShell(ctx, cmd.String(), cmd)
}

func (s *SSH) runShell(ctx context.Context, line string, cmd Command) (Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, &ChannelError{Op: "session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = cmd.Stdin

	if err := session.Start(line); err != nil {
		return Result{}, &ChannelError{Op: "start " + line, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("%s: %w", line, ctx.Err())
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, &ChannelError{Op: "run " + line, Err: err}
	}
	return res, nil
}

// Copy streams the local file into remotePath over the session stdin
func (s *SSH) Copy(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	line := "umask 077 && mkdir -p " + shellquote.Join(path.Dir(remotePath)) +
		" && cat > " + shellquote.Join(remotePath)

	res, err := s.runShell(ctx, line, Command{Stdin: f})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ExitError{Command: line, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// Remove deletes remotePath
func (s *SSH) Remove(ctx context.Context, remotePath string) error {
	_, err := Check(ctx, s, Cmd("rm", "-f", remotePath))
	return err
}

// Close closes the SSH connection
func (s *SSH) Close() error {
	return s.client.Close()
}

// ChannelError marks failures of the SSH channel itself, as opposed to
// commands that ran and exited non-zero
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
