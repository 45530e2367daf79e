package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is where the agent expects its YAML configuration by default.
const ConfigPath = "/etc/pulld/agent.yaml"

// Config is the on-disk agent configuration.
type Config struct {
	NATSURL    string `yaml:"nats_url"`
	AgentID    string `yaml:"agent_id"`
	SourcePath string `yaml:"source_path"`
}

// LoadConfig reads and validates the agent configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if strings.TrimSpace(cfg.NATSURL) == "" {
		return Config{}, fmt.Errorf("config missing nats_url field")
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return Config{}, fmt.Errorf("config missing agent_id field")
	}
	if strings.TrimSpace(cfg.SourcePath) == "" {
		return Config{}, fmt.Errorf("config missing source_path field")
	}

	return cfg, nil
}
