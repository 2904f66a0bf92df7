package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultServer = "nats://127.0.0.1:4222"

// Config holds the natsio CLI configuration. Flags override file values.
type Config struct {
	Server   string `yaml:"server"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
	Verbose  bool   `yaml:"verbose"`

	TLS TLS `yaml:"tls"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	MetricsAddr string `yaml:"metrics_addr"`
}

type TLS struct {
	CA                 string `yaml:"ca"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// DefaultPath returns the default config file path: ~/.natsio/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".natsio", "config.yaml")
	}
	return filepath.Join(home, ".natsio", "config.yaml")
}

// Load reads the configuration from the YAML file at path. A missing file
// yields the defaults. Files readable by group or others get a warning on
// warn, since they may hold credentials.
func Load(path string, warn io.Writer) (*Config, error) {
	cfg := &Config{Server: DefaultServer}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 && warn != nil {
		fmt.Fprintf(warn,
			"warning: config file %s has permissions %04o, expected 0600; credentials may be exposed to other users\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	return cfg, nil
}
