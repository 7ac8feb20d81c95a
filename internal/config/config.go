// Package config loads the gateway's own operational configuration — the
// bits spec.md calls out of scope for the traffic plane itself: where to
// listen, which broker to talk to, and how to log. Entities themselves are
// not configured here; they arrive and depart over the bus control plane
// (internal/manager), since a Listener's bind address is an operational
// choice the process makes once at startup, not something that comes and
// goes with account/passage add/modify/remove events.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/smsgate/gateway/internal/codec"
)

// Config is the top-level YAML document.
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Bus       BusConfig        `yaml:"bus"`
	Logs      LogsConfig       `yaml:"logs"`
	Server    ServerConfig     `yaml:"server"`
}

// ListenerConfig binds one internal/transport.Listener to an address and
// the protocol variant its peers are expected to speak (spec §4.4: "a
// Listener per configured (address, protocol_variant)").
type ListenerConfig struct {
	Address string                `yaml:"address"`
	Variant codec.ProtocolVariant `yaml:"protocol_type"`
}

// BusConfig is the Kafka connection shared by internal/bus's Writer and
// every Reader the Entity Manager starts.
type BusConfig struct {
	Brokers []string      `yaml:"brokers"`
	GroupID string        `yaml:"group_id"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogsConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig is the gateway's own HTTP surface: /healthz and /metrics.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoadEnvFile loads envPath into the process environment via godotenv,
// matching the .env-override-of-secrets pattern cmd/gateway uses to keep
// bus credentials and passage passwords out of the checked-in YAML config.
// A missing file is not an error — .env is optional in every deployment
// that sets these variables another way (systemd EnvironmentFile, k8s
// secrets projected as env vars, …).
func LoadEnvFile(envPath string) error {
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: load %s: %w", envPath, err)
	}
	return nil
}

// Load reads and parses path, applying the documented defaults (§6.2-style:
// unspecified fields take a sane default rather than failing to start) on
// top of a zero Config before unmarshalling over it. Call LoadEnvFile
// first if secrets should be sourced from a .env file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		Bus: BusConfig{
			GroupID: "smsgate",
			Timeout: 10 * time.Second,
		},
		Logs: LogsConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// SMSGATE_BUS_BROKERS, if set (typically by a .env file loaded via
	// LoadEnvFile), overrides bus.brokers so broker addresses carrying
	// embedded credentials never need to live in the checked-in YAML.
	if raw := os.Getenv("SMSGATE_BUS_BROKERS"); raw != "" {
		cfg.Bus.Brokers = strings.Split(raw, ",")
	}

	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("config: %s: at least one listener is required", path)
	}
	if len(cfg.Bus.Brokers) == 0 {
		return nil, fmt.Errorf("config: %s: bus.brokers is required", path)
	}

	return cfg, nil
}
