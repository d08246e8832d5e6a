package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	xerrors "github.com/schaermu/xsync/internal/errors"
	"github.com/schaermu/xsync/internal/transport"
)

// AuthMethod selects how the SSH session authenticates
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthAgent    AuthMethod = "agent"
	AuthKey      AuthMethod = "key"
)

// EnvPrefix is the prefix of environment overrides, e.g. XSYNC_REMOTE_HOST
const EnvPrefix = "XSYNC"

// Config represents the complete xsync configuration
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Auth    AuthConfig    `yaml:"auth"`
	Sync    SyncConfig    `yaml:"sync"`
	History HistoryConfig `yaml:"history"`
}

// RemoteConfig configures the SSH endpoint
type RemoteConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// AuthConfig configures SSH authentication. Secrets are always read from
// files, never stored inline.
type AuthConfig struct {
	Method         AuthMethod `yaml:"method"`
	PasswordFile   string     `yaml:"password_file"`
	KeyFile        string     `yaml:"key_file"`
	PassphraseFile string     `yaml:"passphrase_file"`
	PublicKeyFile  string     `yaml:"public_key_file"`
	AgentSocket    string     `yaml:"agent_socket"`
}

// SyncConfig configures reconciliation behavior
type SyncConfig struct {
	// Dest is the remote destination. Empty means the base name of the
	// source.
	Dest          string        `yaml:"dest"`
	Workers       int           `yaml:"workers"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
	Retries       int           `yaml:"retries"`
	DeleteFolders bool          `yaml:"delete_folders"`
	DryRun        bool          `yaml:"dry_run"`
}

// HistoryConfig configures the run journal
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{
		History: HistoryConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config file looked up when --config is not given
func DefaultPath() string {
	return expandPath("~/.config/xsync/config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = expandPath(os.ExpandEnv(path))

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.NewConfigError("failed to read config file", err)
	}

	// Parse YAML over the defaults so omitted keys keep their value
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, xerrors.NewConfigError("failed to parse config file", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.NewConfigError("invalid configuration", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists. A missing file yields the
// defaults unless required is set.
func LoadOrDefault(path string, required bool) (*Config, error) {
	if !required {
		if _, err := os.Stat(expandPath(os.ExpandEnv(path))); os.IsNotExist(err) {
			return Default(), nil
		}
	}
	return Load(path)
}

// expandEnv expands environment variables and a leading ~ in all string
// fields
func (c *Config) expandEnv() {
	c.Remote.Host = os.ExpandEnv(c.Remote.Host)
	c.Remote.User = os.ExpandEnv(c.Remote.User)
	c.Remote.KnownHostsFile = expandPath(os.ExpandEnv(c.Remote.KnownHostsFile))
	c.Auth.PasswordFile = expandPath(os.ExpandEnv(c.Auth.PasswordFile))
	c.Auth.KeyFile = expandPath(os.ExpandEnv(c.Auth.KeyFile))
	c.Auth.PassphraseFile = expandPath(os.ExpandEnv(c.Auth.PassphraseFile))
	c.Auth.PublicKeyFile = expandPath(os.ExpandEnv(c.Auth.PublicKeyFile))
	c.Auth.AgentSocket = expandPath(os.ExpandEnv(c.Auth.AgentSocket))
	c.Sync.Dest = os.ExpandEnv(c.Sync.Dest)
	c.History.Path = expandPath(os.ExpandEnv(c.History.Path))
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Auth.Method == "" {
		c.Auth.Method = AuthKey
	}
	if c.Auth.Method == AuthKey && c.Auth.KeyFile == "" {
		c.Auth.KeyFile = expandPath("~/.ssh/id_ed25519")
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 1
	}
	if c.History.Path == "" {
		c.History.Path = expandPath("~/.local/state/xsync/history.db")
	}
}

// Validate checks the configuration for errors. Settings that may still
// arrive through flags are checked by RequireRemote.
func (c *Config) Validate() error {
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		return fmt.Errorf("remote.port must be between 1 and 65535: %d", c.Remote.Port)
	}

	switch c.Auth.Method {
	case AuthPassword, AuthAgent, AuthKey:
		// valid
	default:
		return fmt.Errorf("invalid auth.method: %s (must be password, agent, or key)", c.Auth.Method)
	}

	if c.Auth.PassphraseFile != "" && c.Auth.Method != AuthKey {
		return fmt.Errorf("auth.passphrase_file requires auth.method key")
	}

	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1: %d", c.Sync.Workers)
	}
	if c.Sync.Retries < 0 {
		return fmt.Errorf("sync.retries must not be negative: %d", c.Sync.Retries)
	}
	if c.Sync.OpTimeout < 0 {
		return fmt.Errorf("sync.op_timeout must not be negative: %s", c.Sync.OpTimeout)
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	return nil
}

// RequireRemote checks the settings needed to open a session
func (c *Config) RequireRemote() error {
	if c.Remote.Host == "" {
		return xerrors.NewConfigError("remote.host is required", nil)
	}
	if c.Remote.User == "" {
		return xerrors.NewConfigError("remote.user is required", nil)
	}
	switch c.Auth.Method {
	case AuthPassword:
		if c.Auth.PasswordFile == "" {
			return xerrors.NewConfigError("auth.password_file is required for password auth", nil)
		}
	case AuthKey:
		if c.Auth.KeyFile == "" {
			return xerrors.NewConfigError("auth.key_file is required for key auth", nil)
		}
	}
	return nil
}

// Credentials builds the transport credentials for the configured method,
// reading secret files as needed.
func (c *Config) Credentials() (transport.Credentials, error) {
	switch c.Auth.Method {
	case AuthPassword:
		secret, err := readSecret(c.Auth.PasswordFile)
		if err != nil {
			return nil, xerrors.NewConfigError("failed to read password file", err)
		}
		return transport.Password{Secret: secret}, nil
	case AuthAgent:
		return transport.Agent{Socket: c.Auth.AgentSocket}, nil
	case AuthKey:
		var passphrase string
		if c.Auth.PassphraseFile != "" {
			p, err := readSecret(c.Auth.PassphraseFile)
			if err != nil {
				return nil, xerrors.NewConfigError("failed to read passphrase file", err)
			}
			passphrase = p
		}
		return transport.KeyFile{
			Path:          c.Auth.KeyFile,
			Passphrase:    passphrase,
			PublicKeyPath: c.Auth.PublicKeyFile,
		}, nil
	default:
		return nil, xerrors.NewConfigError(fmt.Sprintf("unsupported auth.method %q", c.Auth.Method), nil)
	}
}

// NewViper returns a viper instance reading XSYNC_* environment variables,
// e.g. XSYNC_SYNC_WORKERS for sync.workers. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides layers every key set in v (environment or changed flag)
// over c and validates the result.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("remote.host", &c.Remote.Host)
	num("remote.port", &c.Remote.Port)
	str("remote.user", &c.Remote.User)
	str("remote.known_hosts_file", &c.Remote.KnownHostsFile)
	if v.IsSet("auth.method") {
		c.Auth.Method = AuthMethod(v.GetString("auth.method"))
	}
	str("auth.password_file", &c.Auth.PasswordFile)
	str("auth.key_file", &c.Auth.KeyFile)
	str("auth.passphrase_file", &c.Auth.PassphraseFile)
	str("auth.public_key_file", &c.Auth.PublicKeyFile)
	str("auth.agent_socket", &c.Auth.AgentSocket)
	str("sync.dest", &c.Sync.Dest)
	num("sync.workers", &c.Sync.Workers)
	if v.IsSet("sync.op_timeout") {
		c.Sync.OpTimeout = v.GetDuration("sync.op_timeout")
	}
	num("sync.retries", &c.Sync.Retries)
	flag("sync.delete_folders", &c.Sync.DeleteFolders)
	flag("sync.dry_run", &c.Sync.DryRun)
	flag("history.enabled", &c.History.Enabled)
	str("history.path", &c.History.Path)

	c.expandEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return xerrors.NewConfigError("invalid configuration", err)
	}
	return nil
}

// EnsureHistoryDir creates the directory holding the run journal
func (c *Config) EnsureHistoryDir() error {
	if err := os.MkdirAll(filepath.Dir(c.History.Path), 0o755); err != nil {
		return xerrors.NewLocalIOError("create history directory", filepath.Dir(c.History.Path), err)
	}
	return nil
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// expandPath replaces a leading ~ with the user's home directory
func expandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
