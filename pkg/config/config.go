// Package config loads arqnet's nested YAML configuration into immutable
// records that are passed to each layer's constructor. There is no global
// or singleton config: callers load once and thread the result down.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration record.
type Config struct {
	Mode      string          `yaml:"mode"`
	Transport TransportConfig `yaml:"transport"`
	Carrier   CarrierConfig   `yaml:"carrier"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig tunes the Stop-and-Wait ARQ endpoint (C4).
type TransportConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	InitialSeq uint32        `yaml:"initial_seq"`
	RandomSeq  bool          `yaml:"random_seq"`
}

// CarrierConfig selects and tunes the carrier substrate (C3).
type CarrierConfig struct {
	UDP   UDPCarrierConfig   `yaml:"udp"`
	HTTPS HTTPSCarrierConfig `yaml:"https"`
}

// UDPCarrierConfig tunes the direct-UDP carrier and its socket buffers (A5).
type UDPCarrierConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SendBuffer int    `yaml:"send_buffer"`
	RecvBuffer int    `yaml:"recv_buffer"`
}

// HTTPSCarrierConfig tunes the HTTPS/OBFS carrier.
type HTTPSCarrierConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ServerURL    string        `yaml:"server_url"`
	CertFile     string        `yaml:"cert_file"`
	KeyFile      string        `yaml:"key_file"`
	PollInterval time.Duration `yaml:"poll_interval"`
	QueueLimit   int           `yaml:"queue_limit"`
}

// LogConfig configures structured logging and optional file rotation (A2).
type LogConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig configures the optional Prometheus exporter (A3).
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the reference parameters named throughout the protocol:
// T=2s, R=5, poll interval 100ms, queue limit 64.
func Default() Config {
	return Config{
		Mode: "default",
		Transport: TransportConfig{
			Timeout:    2 * time.Second,
			MaxRetries: 5,
			RandomSeq:  true,
		},
		Carrier: CarrierConfig{
			UDP: UDPCarrierConfig{ListenAddr: ":5000"},
			HTTPS: HTTPSCarrierConfig{
				ListenAddr:   ":5443",
				PollInterval: 100 * time.Millisecond,
				QueueLimit:   64,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
	}
}

// Load reads and parses a YAML file at path into a Config. Fields the file
// leaves out keep their Default() values; fields it sets, zero included,
// override them.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the YAML schema itself cannot
// express, such as the poll interval bound relative to the ARQ timeout.
func (c Config) Validate() error {
	switch c.Mode {
	case "default", "secure", "obfs", "secure_obfs":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}

	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("config: transport.timeout must be positive")
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("config: transport.max_retries must be >= 0")
	}
	if max := c.Transport.Timeout / 4; c.Carrier.HTTPS.PollInterval > max {
		return fmt.Errorf("config: carrier.https.poll_interval (%s) exceeds transport.timeout/4 (%s)",
			c.Carrier.HTTPS.PollInterval, max)
	}
	return nil
}
