package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/rollout/pkg/executil"
	"github.com/cuemby/rollout/pkg/registry"
	"github.com/cuemby/rollout/pkg/resolver"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/types"
)

// DefaultPath is the config file read when none is given
const DefaultPath = "rollout.yaml"

// Target kinds
const (
	TargetLocal = "local"
	TargetSSH   = "ssh"
)

// Runtimes
const (
	RuntimeDocker     = "docker"
	RuntimeContainerd = "containerd"
	RuntimeDockerCLI  = "docker-cli"
)

// Secret providers
const (
	SecretsNone    = "none"
	SecretsEnvFile = "envfile"
	SecretsDoppler = "doppler"
	SecretsAge     = "age"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Config is the whole rollout.yaml
type Config struct {
	Project      string        `yaml:"project"`
	Environments []string      `yaml:"environments"`
	Environment  string        `yaml:"environment"`
	Deadline     time.Duration `yaml:"deadline"`
	StateDir     string        `yaml:"stateDir"`

	Target   TargetConfig            `yaml:"target"`
	Registry registry.Config         `yaml:"registry"`
	Secrets  SecretsConfig           `yaml:"secrets"`
	Health   types.HealthCheckPolicy `yaml:"health"`
	Services []types.ServiceSpec     `yaml:"services"`

	// path is the file the config was loaded from
	path string
}

// TargetConfig selects the host and runtime
type TargetConfig struct {
	Kind       string           `yaml:"kind"`
	Runtime    string           `yaml:"runtime"`
	DockerHost string           `yaml:"dockerHost"`
	Workdir    string           `yaml:"workdir"`
	SSH        SSHConfig        `yaml:"ssh"`
	Containerd ContainerdConfig `yaml:"containerd"`
}

// SSHConfig is the remote host of an ssh target
type SSHConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	IdentityFile string        `yaml:"identityFile"`
	KnownHosts   string        `yaml:"knownHosts"`
	Insecure     bool          `yaml:"insecure"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
}

// ContainerdConfig locates the containerd daemon
type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	LogDir    string `yaml:"logDir"`
}

// SecretsConfig selects the secret provider
type SecretsConfig struct {
	Provider       string `yaml:"provider"`
	Dir            string `yaml:"dir"`
	DopplerProject string `yaml:"dopplerProject"`
	AgeIdentity    string `yaml:"ageIdentity"`
}

// Load reads, defaults and validates the config at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes, defaults and validates a config document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the file the config was loaded from
func (c *Config) Path() string { return c.path }

func (c *Config) applyDefaults() {
	if len(c.Environments) == 0 {
		c.Environments = slices.Clone(resolver.DefaultEnvironments)
	}
	if c.Environment == "" {
		c.Environment = c.Environments[0]
	}
	if c.Deadline == 0 {
		c.Deadline = 15 * time.Minute
	}
	if c.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StateDir = filepath.Join(home, ".rollout")
		} else {
			c.StateDir = ".rollout"
		}
	}

	if c.Target.Kind == "" {
		c.Target.Kind = TargetLocal
	}
	if c.Target.Runtime == "" {
		c.Target.Runtime = RuntimeDocker
		if c.Target.Kind == TargetSSH {
			c.Target.Runtime = RuntimeDockerCLI
		}
	}
	if c.Target.Workdir == "" && c.Project != "" {
		c.Target.Workdir = "/opt/" + c.Project
	}

	if c.Secrets.Provider == "" {
		c.Secrets.Provider = SecretsNone
	}
	if c.Registry.KeyringService == "" {
		c.Registry.KeyringService = "rollout"
	}

	def := types.DefaultHealthCheckPolicy()
	h := &c.Health
	if h.PollInterval == 0 {
		h.PollInterval = def.PollInterval
	}
	if h.MaxAttempts == 0 {
		h.MaxAttempts = def.MaxAttempts
	}
	if h.StableReads == 0 {
		h.StableReads = def.StableReads
	}
	if h.Parallelism == 0 {
		h.Parallelism = def.Parallelism
	}
	if h.LogTailLines == 0 {
		h.LogTailLines = def.LogTailLines
	}

	for i := range c.Services {
		if c.Services[i].RestartPolicy == "" {
			c.Services[i].RestartPolicy = types.RestartAlways
		}
	}
}

// Validate reports every problem in the config at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !nameRe.MatchString(c.Project) {
		add("project %q must be lowercase letters, digits, '.', '_' or '-'", c.Project)
	}
	if !slices.Contains(c.Environments, c.Environment) {
		add("environment %q is not one of %v", c.Environment, c.Environments)
	}
	if c.Deadline < 0 {
		add("deadline must be positive")
	}

	switch c.Target.Kind {
	case TargetLocal:
	case TargetSSH:
		if c.Target.SSH.Host == "" || c.Target.SSH.User == "" {
			add("ssh target needs target.ssh.host and target.ssh.user")
		}
		if c.Target.Runtime != RuntimeDockerCLI {
			add("ssh target only supports the %s runtime", RuntimeDockerCLI)
		}
	default:
		add("unknown target kind %q", c.Target.Kind)
	}
	switch c.Target.Runtime {
	case RuntimeDocker, RuntimeContainerd, RuntimeDockerCLI:
	default:
		add("unknown runtime %q", c.Target.Runtime)
	}

	switch c.Secrets.Provider {
	case SecretsNone, SecretsDoppler:
	case SecretsEnvFile:
		if c.Secrets.Dir == "" {
			add("envfile secrets need secrets.dir")
		}
	case SecretsAge:
		if c.Secrets.Dir == "" || c.Secrets.AgeIdentity == "" {
			add("age secrets need secrets.dir and secrets.ageIdentity")
		}
	default:
		add("unknown secrets provider %q", c.Secrets.Provider)
	}

	if c.Health.InitialDelay < 0 || c.Health.PollInterval < 0 {
		add("health delays must not be negative")
	}
	if c.Health.MaxAttempts < 0 || c.Health.StableReads < 0 || c.Health.Parallelism < 0 {
		add("health counts must not be negative")
	}

	if len(c.Services) == 0 {
		add("no services defined")
	}
	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if !nameRe.MatchString(s.Name) {
			add("service name %q is invalid", s.Name)
		}
		if seen[s.Name] {
			add("duplicate service %q", s.Name)
		}
		seen[s.Name] = true

		if s.Image == "" {
			add("service %s has no image", s.Name)
		}
		if !s.RestartPolicy.Valid() {
			add("service %s has unknown restart policy %q", s.Name, s.RestartPolicy)
		}
		if s.StopTimeout < 0 {
			add("service %s has a negative stop timeout", s.Name)
		}
		if len(s.Ports) > 0 && c.Target.Runtime == RuntimeContainerd {
			add("service %s has port mappings, which the %s runtime does not support", s.Name, RuntimeContainerd)
		}
		if hc := s.HealthCheck; hc != nil {
			if hc.Type != types.HealthCheckHTTP && hc.Type != types.HealthCheckTCP {
				add("service %s has unknown health check type %q", s.Name, hc.Type)
			}
			if hc.Endpoint == "" {
				add("service %s health check has no endpoint", s.Name)
			}
		}
		for _, m := range s.Mounts {
			if m == nil || m.Source == "" || m.Target == "" {
				add("service %s has a mount without source or target", s.Name)
			}
		}
	}

	return errors.Join(errs...)
}

// SSH converts the ssh section for the executor
func (c *Config) SSH() executil.SSHConfig {
	s := c.Target.SSH
	return executil.SSHConfig{
		Host:                s.Host,
		Port:                s.Port,
		User:                s.User,
		IdentityFile:        expandHome(s.IdentityFile),
		KnownHostsFile:      expandHome(s.KnownHosts),
		InsecureSkipHostKey: s.Insecure,
		DialTimeout:         s.DialTimeout,
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Containerd converts the containerd section for the runtime
func (c *Config) Containerd() runtime.ContainerdConfig {
	return runtime.ContainerdConfig{
		SocketPath: c.Target.Containerd.Socket,
		Namespace:  c.Target.Containerd.Namespace,
		LogDir:     c.Target.Containerd.LogDir,
	}
}
