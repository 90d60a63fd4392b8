package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Transport modes for the realtime channel.
const (
	TransportAuto   = "auto"
	TransportSocket = "socket"
	TransportStream = "stream"
)

// Config models podline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Realtime struct {
		// Transport selects the client channel: socket (bidirectional),
		// stream (server-sent events), or auto (loopback hosts get socket).
		Transport        string `yaml:"transport"`
		HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
		ReconnectSeconds int    `yaml:"reconnect_seconds"`
		PollSeconds      int    `yaml:"poll_seconds"`
	} `yaml:"realtime"`
	Notifications struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"notifications"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Realtime.Transport {
	case TransportAuto, TransportSocket, TransportStream:
	default:
		return fmt.Errorf("config.realtime.transport must be auto, socket, or stream")
	}
	if c.Realtime.HeartbeatSeconds <= 0 {
		return fmt.Errorf("config.realtime.heartbeat_seconds must be positive")
	}
	if c.Realtime.ReconnectSeconds <= 0 {
		return fmt.Errorf("config.realtime.reconnect_seconds must be positive")
	}
	if c.Realtime.PollSeconds <= 0 {
		return fmt.Errorf("config.realtime.poll_seconds must be positive")
	}
	for kind, entry := range c.Notifications.Catalog {
		if kind == "" {
			return fmt.Errorf("config.notifications.catalog contains empty kind")
		}
		if entry.Description == "" {
			return fmt.Errorf("notification kind %s has empty description", kind)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "podline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8787
  base_path: /v0

realtime:
  transport: auto
  heartbeat_seconds: 20
  reconnect_seconds: 5
  poll_seconds: 10

notifications:
  catalog:
    task-assigned:
      description: "A task was assigned to you"
    status-changed:
      description: "A task you follow changed status"
    team-added:
      description: "You were added to a team"
    due-date-approaching:
      description: "A task deadline is close"
    mention:
      description: "Someone mentioned you"
`
