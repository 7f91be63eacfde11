package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/aristath/taskrelay/internal/capability"
)

// fileNames are tried in order inside a config directory.
var fileNames = []string{"config.yaml", "config.yml", "config.json"}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Keys present in a file override the layer below; absent keys are kept.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskrelay/config.{yaml,yml,json}
// Project: .taskrelay/config.{yaml,yml,json} (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(Find(filepath.Join(homeDir, ".taskrelay")), Find(".taskrelay"))
}

// Find returns the first config file present in dir, or the JSON path if
// none exists.
func Find(dir string) string {
	for _, name := range fileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

// fileLayer mirrors Config with raw sections so each present key can be
// decoded on top of the existing value.
type fileLayer struct {
	Coordinator json.RawMessage            `json:"coordinator"`
	Workers     map[string]json.RawMessage `json:"workers"`
	Store       json.RawMessage            `json:"store"`
}

// mergeConfigFile reads a JSON or YAML config file and merges it into the base config.
// Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.YAMLToJSON(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	var layer fileLayer
	if err := json.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := overlay(layer.Coordinator, &base.Coordinator); err != nil {
		return fmt.Errorf("parsing %s coordinator: %w", path, err)
	}
	if err := overlay(layer.Store, &base.Store); err != nil {
		return fmt.Errorf("parsing %s store: %w", path, err)
	}

	if base.Workers == nil {
		base.Workers = make(map[string]WorkerConfig)
	}
	for role, raw := range layer.Workers {
		w := base.Workers[role]
		// A replaced capability starts from scratch so fields of the
		// previous backend type do not leak into the new one.
		if hasKey(raw, "capability") {
			w.Capability = capability.Config{}
		}
		if err := overlay(raw, &w); err != nil {
			return fmt.Errorf("parsing %s worker %q: %w", path, role, err)
		}
		base.Workers[role] = w
	}

	return nil
}

func overlay(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func hasKey(raw json.RawMessage, key string) bool {
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// Validate checks the values the services cannot start without.
func (c *Config) Validate() error {
	for role, w := range c.Workers {
		switch role {
		case "safety", "processor", "critic":
		default:
			return fmt.Errorf("unknown worker role %q", role)
		}
		if w.URL == "" {
			return fmt.Errorf("worker %q has no url", role)
		}
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Coordinator.MaxInputRounds < 0 {
		return fmt.Errorf("max_input_rounds must not be negative")
	}
	return nil
}

func capabilityPlaceholder(text string) capability.Config {
	return capability.Config{Type: "static", Text: text}
}
