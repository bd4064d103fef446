// Package config loads and validates the gateway's top-level configuration.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Version int `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Container ContainerConfig `yaml:"container"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Configs   ConfigsConfig   `yaml:"configs"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ContainerConfig describes the sandboxed agent container image and the
// network the gateway attaches agent containers to.
type ContainerConfig struct {
	// Image is the agent harness image reference.
	Image string `yaml:"image"`

	// Network is the dedicated bridge network agent containers join.
	Network string `yaml:"network"`

	// Port is the harness WebSocket port inside the container.
	Port int `yaml:"port"`

	// ReadinessPollInitial is the first readiness-poll interval.
	ReadinessPollInitial time.Duration `yaml:"readiness_poll_initial"`

	// ReadinessPollMax caps the doubling readiness-poll interval.
	ReadinessPollMax time.Duration `yaml:"readiness_poll_max"`

	// ReadinessDeadline is the hard deadline for a container to become ready.
	ReadinessDeadline time.Duration `yaml:"readiness_deadline"`

	// TeardownGrace is how long `docker stop` waits before a force-kill.
	TeardownGrace time.Duration `yaml:"teardown_grace"`

	// TurnInactivityTimeout bounds how long a single turn may run without
	// an event from the harness before the Translator aborts it.
	TurnInactivityTimeout time.Duration `yaml:"turn_inactivity_timeout"`

	// DefaultResources applies when an AgentConfig omits resource caps.
	DefaultResources ResourceLimits `yaml:"default_resources"`
}

// ResourceLimits bounds a container's CPU, memory, and storage.
type ResourceLimits struct {
	CPUQuotaMicros int    `yaml:"cpu_quota_micros"`
	MemoryLimit    string `yaml:"memory_limit"`
	StorageLimit   string `yaml:"storage_limit"`
}

// SessionsConfig controls SessionManager timeouts.
type SessionsConfig struct {
	// CleanupInterval is how often the idle reaper sweeps the session index.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// IdleTimeout is how long a session may sit without activity before reaping.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// ConfigsConfig points at the on-disk AgentConfig directories.
type ConfigsConfig struct {
	// PresetDir holds built-in, read-only AgentConfig files.
	PresetDir string `yaml:"preset_dir"`

	// CustomDir holds user-submitted AgentConfig files persisted via the API.
	CustomDir string `yaml:"custom_dir"`

	// Watch enables fsnotify-driven hot reload of both directories.
	Watch bool `yaml:"watch"`
}

// LoggingConfig holds the file's logging section. The gateway entry point
// does not read it: its slog handler is JSON at info level, or debug with
// --debug.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns a Config populated with the gateway's documented defaults.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Container: ContainerConfig{
			Image:                 "agcluster/agent-harness:latest",
			Network:               "agcluster-network",
			Port:                  8765,
			ReadinessPollInitial:  100 * time.Millisecond,
			ReadinessPollMax:      1 * time.Second,
			ReadinessDeadline:     15 * time.Second,
			TeardownGrace:         5 * time.Second,
			TurnInactivityTimeout: 300 * time.Second,
			DefaultResources: ResourceLimits{
				CPUQuotaMicros: 200000,
				MemoryLimit:    "4g",
				StorageLimit:   "10g",
			},
		},
		Sessions: SessionsConfig{
			CleanupInterval: 300 * time.Second,
			IdleTimeout:     1800 * time.Second,
		},
		Configs: ConfigsConfig{
			PresetDir: "configs/presets",
			CustomDir: "configs/custom",
			Watch:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path, resolving $include directives and
// ${VAR} environment placeholders, and merges it over Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	parsed, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Version != 0 {
		if err := ValidateVersion(parsed.Version); err != nil {
			return nil, err
		}
	}
	cfg = mergeOverDefault(cfg, parsed)
	return cfg, nil
}

// mergeOverDefault applies non-zero fields from parsed onto the defaults in base.
// Fields are merged one at a time: a field left zero in the file keeps its
// default, so a file may set a single field of a section. Configs.Watch can
// be switched on by the file but not off. Environment overrides (ApplyEnv)
// are not applied here; the caller applies them after Load.
func mergeOverDefault(base, parsed *Config) *Config {
	if parsed.Version != 0 {
		base.Version = parsed.Version
	}
	if parsed.Server.Host != "" {
		base.Server.Host = parsed.Server.Host
	}
	if parsed.Server.Port != 0 {
		base.Server.Port = parsed.Server.Port
	}
	if parsed.Container.Image != "" {
		base.Container.Image = parsed.Container.Image
	}
	if parsed.Container.Network != "" {
		base.Container.Network = parsed.Container.Network
	}
	if parsed.Container.Port != 0 {
		base.Container.Port = parsed.Container.Port
	}
	if parsed.Container.ReadinessPollInitial != 0 {
		base.Container.ReadinessPollInitial = parsed.Container.ReadinessPollInitial
	}
	if parsed.Container.ReadinessPollMax != 0 {
		base.Container.ReadinessPollMax = parsed.Container.ReadinessPollMax
	}
	if parsed.Container.ReadinessDeadline != 0 {
		base.Container.ReadinessDeadline = parsed.Container.ReadinessDeadline
	}
	if parsed.Container.TeardownGrace != 0 {
		base.Container.TeardownGrace = parsed.Container.TeardownGrace
	}
	if parsed.Container.TurnInactivityTimeout != 0 {
		base.Container.TurnInactivityTimeout = parsed.Container.TurnInactivityTimeout
	}
	if parsed.Container.DefaultResources.CPUQuotaMicros != 0 {
		base.Container.DefaultResources.CPUQuotaMicros = parsed.Container.DefaultResources.CPUQuotaMicros
	}
	if parsed.Container.DefaultResources.MemoryLimit != "" {
		base.Container.DefaultResources.MemoryLimit = parsed.Container.DefaultResources.MemoryLimit
	}
	if parsed.Container.DefaultResources.StorageLimit != "" {
		base.Container.DefaultResources.StorageLimit = parsed.Container.DefaultResources.StorageLimit
	}
	if parsed.Sessions.CleanupInterval != 0 {
		base.Sessions.CleanupInterval = parsed.Sessions.CleanupInterval
	}
	if parsed.Sessions.IdleTimeout != 0 {
		base.Sessions.IdleTimeout = parsed.Sessions.IdleTimeout
	}
	if parsed.Configs.PresetDir != "" {
		base.Configs.PresetDir = parsed.Configs.PresetDir
	}
	if parsed.Configs.CustomDir != "" {
		base.Configs.CustomDir = parsed.Configs.CustomDir
	}
	base.Configs.Watch = parsed.Configs.Watch || base.Configs.Watch
	if parsed.Logging.Level != "" {
		base.Logging.Level = parsed.Logging.Level
	}
	if parsed.Logging.Format != "" {
		base.Logging.Format = parsed.Logging.Format
	}
	return base
}

// ApplyEnv overrides select tunables from environment variables, matching
// the selected env vars named in the gateway's external interface contract.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("SESSION_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.CleanupInterval = d
		}
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.IdleTimeout = d
		}
	}
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGENT_IMAGE"); v != "" {
		cfg.Container.Image = v
	}
}
