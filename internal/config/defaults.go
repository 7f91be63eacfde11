package config

import "time"

// DefaultConfig returns the default configuration: a coordinator on :8001
// and the safety, processor and critic workers on :8002-:8004.
//
// The default capabilities are static placeholders. The safety placeholder
// rejects everything, so nothing is processed until a real classifier is
// configured.
func DefaultConfig() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Listen:    ":8001",
			Streaming: true,
			Timeouts: TimeoutsConfig{
				Safety:     Duration(15 * time.Second),
				Processing: Duration(60 * time.Second),
				Critique:   Duration(30 * time.Second),
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: Duration(100 * time.Millisecond),
				MaxInterval:     Duration(2 * time.Second),
			},
			ConcurrencyLimit: 4,
			MaxInputRounds:   2,
		},
		Workers: map[string]WorkerConfig{
			"safety": {
				Listen:      ":8002",
				URL:         "http://localhost:8002",
				Name:        "Safeguard Agent",
				Description: "Checks queries for unsafe content and prompt injection",
				Streaming:   true,
				Timeout:     Duration(45 * time.Second),
				Capability:  capabilityPlaceholder("UNSAFE: no safety classifier configured"),
			},
			"processor": {
				Listen:      ":8003",
				URL:         "http://localhost:8003",
				Name:        "Processor Agent",
				Description: "Answers user queries",
				Streaming:   true,
				Timeout:     Duration(45 * time.Second),
				Capability:  capabilityPlaceholder("no processor configured"),
			},
			"critic": {
				Listen:      ":8004",
				URL:         "http://localhost:8004",
				Name:        "Critic Agent",
				Description: "Evaluates answers for accuracy and completeness",
				Streaming:   true,
				Timeout:     Duration(45 * time.Second),
				Capability:  capabilityPlaceholder("no critic configured"),
			},
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          ".taskrelay/tasks",
			Retention:     Duration(24 * time.Hour),
			SweepInterval: Duration(10 * time.Minute),
		},
	}
}
