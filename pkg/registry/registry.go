package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/cuemby/rollout/pkg/types"
)

// DefaultHost is the registry used when no server is configured
const DefaultHost = "docker.io"

// Credentials authenticate against one image registry
type Credentials struct {
	Server   string
	Username string
	Password string
}

// Host returns the registry host the credentials apply to
func (c Credentials) Host() string {
	host := strings.TrimPrefix(strings.TrimPrefix(c.Server, "https://"), "http://")
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	switch host {
	case "", "index.docker.io", "registry-1.docker.io":
		return DefaultHost
	}
	return host
}

// String never includes the password
func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s", c.Username, c.Host())
}

// Authenticator logs in to a registry. Runtimes implement it.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) error
}

// Config says where credentials come from. The username is literal or read
// from the secret bundle; the password is read from the bundle, falling
// back to the OS keyring.
type Config struct {
	Server         string `yaml:"server"`
	Username       string `yaml:"username"`
	UsernameKey    string `yaml:"usernameKey"`
	PasswordKey    string `yaml:"passwordKey"`
	KeyringService string `yaml:"keyringService"`
}

// Enabled reports whether any login is configured
func (c Config) Enabled() bool {
	return c.Username != "" || c.UsernameKey != ""
}

// ErrNoPassword is returned when no source holds the registry password
var ErrNoPassword = errors.New("no registry password found")

// Resolve builds credentials from the bundle and keyring. ok is false when
// no login is configured.
func Resolve(cfg Config, bundle types.EnvBundle) (creds Credentials, ok bool, err error) {
	if !cfg.Enabled() {
		return Credentials{}, false, nil
	}

	creds.Server = cfg.Server
	creds.Username = cfg.Username
	if creds.Username == "" {
		creds.Username = bundle[cfg.UsernameKey]
		if creds.Username == "" {
			return Credentials{}, false, fmt.Errorf("registry username key %s not in secret bundle", cfg.UsernameKey)
		}
	}

	if cfg.PasswordKey != "" {
		if pw, found := bundle[cfg.PasswordKey]; found && pw != "" {
			creds.Password = pw
			return creds, true, nil
		}
	}

	if cfg.KeyringService != "" {
		pw, err := keyring.Get(cfg.KeyringService, creds.Username)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return Credentials{}, false, fmt.Errorf("%w for %s in keyring service %s", ErrNoPassword, creds, cfg.KeyringService)
			}
			return Credentials{}, false, fmt.Errorf("failed to read keyring: %w", err)
		}
		creds.Password = pw
		return creds, true, nil
	}

	return Credentials{}, false, fmt.Errorf("%w for %s", ErrNoPassword, creds)
}

// Store saves a password in the OS keyring for later rollouts
func Store(service, username, password string) error {
	if err := keyring.Set(service, username, password); err != nil {
		return fmt.Errorf("failed to store password in keyring: %w", err)
	}
	return nil
}
