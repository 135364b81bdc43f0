// Package config provides configuration management for the credential and
// proxy orchestration core. It handles loading and parsing the unified YAML
// configuration file and resolving the per-user configuration root that
// every other component reads and writes under.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the orchestrator's configuration, loaded from a YAML
// file. Timing and threshold policy lives here too, so tests can override
// it instead of relying on package-level constants.
type Config struct {
	// ConfigRoot is the directory every other component treats as the
	// config root (auth/, auth-paused/, cliproxy/, instances/, accounts.json).
	// Defaults to ~/.ccswitch when empty.
	ConfigRoot string `yaml:"config-root"`
	// DownstreamCLI is the executable name or path of the downstream CLI
	// this orchestrator hands stdio to.
	DownstreamCLI string `yaml:"downstream-cli"`
	// Debug enables debug/trace level logging.
	Debug bool `yaml:"debug"`
	// ProxyURL is an optional upstream proxy used for outbound HTTP calls
	// this core itself makes (token refresh, quota fetch).
	ProxyURL string `yaml:"proxy-url"`
	// Sidecar configures the managed proxy binary.
	Sidecar SidecarConfig `yaml:"sidecar"`
	// RemoteSidecar configures routing to a remote, externally managed
	// sidecar instance instead of a locally supervised one.
	RemoteSidecar *RemoteSidecarConfig `yaml:"remote-sidecar,omitempty"`
	// Profiles maps user-defined profile names to their execution strategy.
	Profiles map[string]ProfileConfig `yaml:"profiles,omitempty"`
	// Policy holds tunable timing constants; zero values fall back to
	// package defaults via Policy.withDefaults().
	Policy Policy `yaml:"policy"`
}

// ProfileConfig is one user-defined profile entry. Kind selects the
// execution strategy; the remaining fields apply only to some kinds.
type ProfileConfig struct {
	// Kind is one of "settings", "account", or "cliproxy" (a variant that
	// pins a reserved provider plus an explicit model).
	Kind string `yaml:"kind"`
	// Provider names the reserved provider a cliproxy-kind variant targets.
	Provider string `yaml:"provider,omitempty"`
	// Model pins the model a cliproxy-kind variant forces.
	Model string `yaml:"model,omitempty"`
	// SettingsFile overrides the default <profile>.settings.json location
	// for settings-kind profiles and cliproxy variants.
	SettingsFile string `yaml:"settings-file,omitempty"`
}

// SidecarConfig configures the managed sidecar proxy binary.
type SidecarConfig struct {
	// PinnedVersion, when set, overrides "latest" install policy.
	PinnedVersion string `yaml:"pinned-version"`
	// ManagementKey is the bearer token sent to the sidecar's management API.
	ManagementKey string `yaml:"management-key"`
}

// RemoteSidecarConfig points at an externally managed sidecar instance.
type RemoteSidecarConfig struct {
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Token    string `yaml:"token"`
	// AllowInsecureTLS accepts self-signed certificates over HTTPS. Must be
	// explicitly opted into.
	AllowInsecureTLS bool `yaml:"allow-insecure-tls"`
}

// Policy holds the tunable timing and threshold constants.
type Policy struct {
	// DefaultCooldown is applied when a provider quota response carries no
	// explicit reset time.
	DefaultCooldown time.Duration `yaml:"default-cooldown"`
	// RefreshWorkerInterval is how often the background refresh worker
	// walks all tokens.
	RefreshWorkerInterval time.Duration `yaml:"refresh-worker-interval"`
	// RefreshPreemptiveWindow is how far ahead of expiry a token is
	// refreshed proactively by the worker.
	RefreshPreemptiveWindow time.Duration `yaml:"refresh-preemptive-window"`
	// ExpiringSoonWindow is how far ahead of expiry a token is considered
	// "expiring soon" for request-time validation.
	ExpiringSoonWindow time.Duration `yaml:"expiring-soon-window"`
	// QuotaThreshold is the minimum remaining fraction (0..1) an account's
	// quota must clear to be considered usable during failover selection.
	QuotaThreshold float64 `yaml:"quota-threshold"`
}

func (p Policy) withDefaults() Policy {
	if p.DefaultCooldown <= 0 {
		p.DefaultCooldown = 10 * time.Minute
	}
	if p.RefreshWorkerInterval <= 0 {
		p.RefreshWorkerInterval = 30 * time.Minute
	}
	if p.RefreshPreemptiveWindow <= 0 {
		p.RefreshPreemptiveWindow = 45 * time.Minute
	}
	if p.ExpiringSoonWindow <= 0 {
		p.ExpiringSoonWindow = 5 * time.Minute
	}
	if p.QuotaThreshold <= 0 {
		p.QuotaThreshold = 0.05
	}
	return p
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, expands its paths, and applies
// defaults.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err = cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config populated entirely from defaults, used when no
// config file exists yet (first run).
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	root := strings.TrimSpace(cfg.ConfigRoot)
	if env := strings.TrimSpace(os.Getenv("CCSW_CONFIG_DIR")); env != "" {
		root = env
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		root = filepath.Join(home, ".ccswitch")
	} else {
		expanded, err := ExpandHome(root)
		if err != nil {
			return err
		}
		root = expanded
	}
	cfg.ConfigRoot = root
	if cfg.DownstreamCLI == "" {
		cfg.DownstreamCLI = "claude"
	}
	cfg.Policy = cfg.Policy.withDefaults()
	return nil
}

// ExpandHome expands a leading "~" in path to the current user's home
// directory, normalizing Windows-style separators in the remainder so
// nested directories survive the join on any platform.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	remainder := strings.TrimPrefix(path, "~")
	remainder = strings.TrimLeft(remainder, "/\\")
	if remainder == "" {
		return home, nil
	}
	normalized := strings.ReplaceAll(remainder, "\\", "/")
	return filepath.Join(home, filepath.FromSlash(normalized)), nil
}

// AuthDir is the directory holding active token files.
func (cfg *Config) AuthDir() string { return filepath.Join(cfg.ConfigRoot, "cliproxy", "auth") }

// AuthPausedDir is the sibling directory holding paused token files.
func (cfg *Config) AuthPausedDir() string {
	return filepath.Join(cfg.ConfigRoot, "cliproxy", "auth-paused")
}

// AccountsFile is the path to the accounts registry document.
func (cfg *Config) AccountsFile() string { return filepath.Join(cfg.ConfigRoot, "accounts.json") }

// SidecarBinDir is where the managed sidecar binary is installed.
func (cfg *Config) SidecarBinDir() string { return filepath.Join(cfg.ConfigRoot, "cliproxy", "bin") }

// SidecarVersionFile records the installed sidecar version.
func (cfg *Config) SidecarVersionFile() string {
	return filepath.Join(cfg.ConfigRoot, "cliproxy", ".version")
}

// SidecarVersionPinFile, if present, pins the sidecar to a specific version.
func (cfg *Config) SidecarVersionPinFile() string {
	return filepath.Join(cfg.ConfigRoot, "cliproxy", ".version-pin")
}

// SidecarConfigFile is the generated sidecar configuration file.
func (cfg *Config) SidecarConfigFile() string {
	return filepath.Join(cfg.ConfigRoot, "cliproxy", "config.yaml")
}

// StateDBFile is the bbolt-backed store for cooldowns and the session lock.
func (cfg *Config) StateDBFile() string {
	return filepath.Join(cfg.ConfigRoot, "cliproxy", "state.db")
}

// InstancesDir holds isolated CLAUDE_CONFIG_DIR trees for account-kind profiles.
func (cfg *Config) InstancesDir() string { return filepath.Join(cfg.ConfigRoot, "instances") }

// SettingsProfilePath returns the path to a settings-kind profile's envelope file.
func (cfg *Config) SettingsProfilePath(profile string) string {
	return filepath.Join(cfg.ConfigRoot, profile+".settings.json")
}

// LogDir is where rotated log files are written.
func (cfg *Config) LogDir() string { return filepath.Join(cfg.ConfigRoot, "logs") }
