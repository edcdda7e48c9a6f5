package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the listening transport configuration.
type ServerConfig struct {
	// Host to bind (empty = all interfaces)
	Host string `yaml:"host"`

	// Port for plain HTTP listening
	Port int `yaml:"port"`

	// TLSPort for encrypted listening
	TLSPort int `yaml:"tls_port"`

	// CertPath / KeyPath point at PEM files. When both are empty a
	// self-signed certificate is generated in memory at startup.
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`

	// MDNSInstance is the mDNS instance name announced on the local network.
	// Empty disables announcement.
	MDNSInstance string `yaml:"mdns_instance"`
}

// SessionsConfig bounds the streaming client table.
type SessionsConfig struct {
	// Capacity is the fixed number of client slots
	Capacity int `yaml:"capacity"`

	// LivenessTimeout is how long a session may go without answering a
	// liveness probe before it is pruned
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// PruneInterval is the cadence of the prune sweep
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// BroadcastConfig holds the periodic tick intervals.
type BroadcastConfig struct {
	StateInterval   time.Duration `yaml:"state_interval"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	HealthInterval  time.Duration `yaml:"health_interval"`
}

// UpdateConfig holds the OTA pipeline configuration.
type UpdateConfig struct {
	// ChunkSize is the fixed read size for streaming upload bodies
	ChunkSize int `yaml:"chunk_size"`

	// HeaderLen is how many bytes of a firmware image must accumulate
	// before one-time header validation runs. It must cover the image
	// header plus the application descriptor for the adopted image format.
	HeaderLen int `yaml:"header_len"`

	// ProjectName is the identity of the running image. An uploaded
	// firmware image whose embedded project name differs is rejected.
	ProjectName string `yaml:"project_name"`

	// RebootGrace is how long to wait after a successful firmware update
	// before rebooting, so the HTTP response can flush.
	RebootGrace time.Duration `yaml:"reboot_grace"`

	// StateDir is where the simulated flash driver keeps partition and
	// filesystem images when running on a host.
	StateDir string `yaml:"state_dir"`
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Update    UpdateConfig    `yaml:"update"`
	LogLevel  string          `yaml:"log_level"`
}

// Default returns a Config populated with working defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "",
			Port:         80,
			TLSPort:      443,
			MDNSInstance: "iaq-monitor",
		},
		Sessions: SessionsConfig{
			Capacity:        8,
			LivenessTimeout: 90 * time.Second,
			PruneInterval:   30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			StateInterval:   1 * time.Second,
			MetricsInterval: 5 * time.Second,
			HealthInterval:  1 * time.Second,
		},
		Update: UpdateConfig{
			ChunkSize:   4096,
			HeaderLen:   288,
			ProjectName: "iaq-monitor",
			RebootGrace: 2 * time.Second,
			StateDir:    "iaq-state",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from a YAML file, overlaying defaults.
// A missing file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.TLSPort <= 0 || c.Server.TLSPort > 65535 {
		return fmt.Errorf("invalid TLS port: %d", c.Server.TLSPort)
	}
	if (c.Server.CertPath == "") != (c.Server.KeyPath == "") {
		return fmt.Errorf("cert_path and key_path must be provided together")
	}
	if c.Sessions.Capacity <= 0 {
		return fmt.Errorf("session capacity must be positive, got %d", c.Sessions.Capacity)
	}
	if c.Sessions.LivenessTimeout <= 0 {
		return fmt.Errorf("liveness timeout must be positive")
	}
	if c.Update.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Update.ChunkSize)
	}
	if c.Update.HeaderLen <= 0 {
		return fmt.Errorf("header length must be positive, got %d", c.Update.HeaderLen)
	}
	if c.Update.ProjectName == "" {
		return fmt.Errorf("project name must not be empty")
	}
	return nil
}
