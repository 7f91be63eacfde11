package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskrelay/internal/capability"
)

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TimeoutsConfig bounds each pipeline stage.
type TimeoutsConfig struct {
	Safety     Duration `json:"safety"`
	Processing Duration `json:"processing"`
	Critique   Duration `json:"critique"`
}

// RetryConfig controls retries of unreachable workers.
type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
	CallTimeout     Duration `json:"call_timeout"` // Per attempt; zero splits the stage timeout evenly across attempts
}

// CoordinatorConfig configures the coordinator service.
type CoordinatorConfig struct {
	Listen           string         `json:"listen"`
	Streaming        bool           `json:"streaming"` // Prefer the stream endpoint of workers that support it
	Timeouts         TimeoutsConfig `json:"timeouts"`
	Retry            RetryConfig    `json:"retry"`
	ConcurrencyLimit int            `json:"concurrency_limit"` // Batch queries in flight
	MaxInputRounds   int            `json:"max_input_rounds"`
}

// WorkerConfig configures one worker. Listen is used when this process
// serves the worker; URL is where the coordinator reaches it.
type WorkerConfig struct {
	Listen      string            `json:"listen,omitempty"`
	URL         string            `json:"url"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Streaming   bool              `json:"streaming"`
	Timeout     Duration          `json:"timeout"` // Capability call bound
	Capability  capability.Config `json:"capability"`
}

// StoreConfig configures worker task storage.
type StoreConfig struct {
	Driver        string   `json:"driver"` // "sqlite" or "memory"
	Path          string   `json:"path"`   // Directory holding one database per worker
	Retention     Duration `json:"retention"`
	SweepInterval Duration `json:"sweep_interval"`
}

// Config is the top-level configuration.
type Config struct {
	Coordinator CoordinatorConfig       `json:"coordinator"`
	Workers     map[string]WorkerConfig `json:"workers"` // Keyed by role
	Store       StoreConfig             `json:"store"`
}
