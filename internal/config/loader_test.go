package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// TestLoad verifies the defaults -> global -> project precedence.
func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalName    string
		globalConfig  string
		projectName   string
		projectConfig string
		expectListen  string
		expectURL     string
		expectSafety  time.Duration
		expectDriver  string
		expectError   bool
	}{
		{
			name:         "No config files - returns defaults",
			expectListen: ":8001",
			expectURL:    "http://localhost:8003",
			expectSafety: 15 * time.Second,
			expectDriver: "sqlite",
		},
		{
			name:         "Global only - overrides coordinator listen",
			globalName:   "config.json",
			globalConfig: `{"coordinator": {"listen": ":9001"}}`,
			expectListen: ":9001",
			expectURL:    "http://localhost:8003",
			expectSafety: 15 * time.Second,
			expectDriver: "sqlite",
		},
		{
			name:          "Project only - yaml overrides worker url",
			projectName:   "config.yaml",
			projectConfig: "workers:\n  processor:\n    url: http://processor:9003\n",
			expectListen:  ":8001",
			expectURL:     "http://processor:9003",
			expectSafety:  15 * time.Second,
			expectDriver:  "sqlite",
		},
		{
			name:          "Both - project wins over global",
			globalName:    "config.json",
			globalConfig:  `{"coordinator": {"listen": ":9001", "timeouts": {"safety": "5s"}}, "store": {"driver": "memory"}}`,
			projectName:   "config.yml",
			projectConfig: "coordinator:\n  listen: \":9100\"\n",
			expectListen:  ":9100",
			expectURL:     "http://localhost:8003",
			expectSafety:  5 * time.Second,
			expectDriver:  "memory",
		},
		{
			name:          "Unknown role is rejected",
			projectName:   "config.json",
			projectConfig: `{"workers": {"translator": {"url": "http://localhost:9999"}}}`,
			expectError:   true,
		},
		{
			name:          "Unknown store driver is rejected",
			projectName:   "config.json",
			projectConfig: `{"store": {"driver": "postgres"}}`,
			expectError:   true,
		},
		{
			name:          "Invalid duration is rejected",
			projectName:   "config.json",
			projectConfig: `{"coordinator": {"timeouts": {"critique": "soon"}}}`,
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			var globalPath, projectPath string
			if tt.globalName != "" {
				globalPath = filepath.Join(tmpDir, "global", tt.globalName)
				writeFile(t, globalPath, tt.globalConfig)
			}
			if tt.projectName != "" {
				projectPath = filepath.Join(tmpDir, "project", tt.projectName)
				writeFile(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if cfg.Coordinator.Listen != tt.expectListen {
				t.Errorf("Expected listen %q, got %q", tt.expectListen, cfg.Coordinator.Listen)
			}
			if got := cfg.Workers["processor"].URL; got != tt.expectURL {
				t.Errorf("Expected processor url %q, got %q", tt.expectURL, got)
			}
			if got := cfg.Coordinator.Timeouts.Safety.Std(); got != tt.expectSafety {
				t.Errorf("Expected safety timeout %v, got %v", tt.expectSafety, got)
			}
			if cfg.Store.Driver != tt.expectDriver {
				t.Errorf("Expected driver %q, got %q", tt.expectDriver, cfg.Store.Driver)
			}
			if len(cfg.Workers) != 3 {
				t.Errorf("Expected 3 workers, got %d", len(cfg.Workers))
			}
		})
	}
}

// TestLoad_PartialWorkerOverride verifies that overriding one worker field keeps the others.
func TestLoad_PartialWorkerOverride(t *testing.T) {
	projectPath := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, projectPath, `{"workers": {"safety": {"streaming": false}}}`)

	cfg, err := Load("", projectPath)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	safety := cfg.Workers["safety"]
	if safety.Streaming {
		t.Error("Expected streaming to be disabled")
	}
	if safety.URL != "http://localhost:8002" {
		t.Errorf("Expected default url kept, got %q", safety.URL)
	}
	if safety.Capability.Type != "static" {
		t.Errorf("Expected default capability kept, got %q", safety.Capability.Type)
	}
}

// TestLoad_CapabilityReplaced verifies that a new capability block does not inherit the old backend's fields.
func TestLoad_CapabilityReplaced(t *testing.T) {
	projectPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, projectPath, `
workers:
  processor:
    capability:
      type: http
      url: http://localhost:11434/api/generate
      result_query: .response
`)

	cfg, err := Load("", projectPath)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	c := cfg.Workers["processor"].Capability
	if c.Type != "http" || c.ResultQuery != ".response" {
		t.Errorf("Unexpected capability: %+v", c)
	}
	if c.Text != "" {
		t.Errorf("Expected static text cleared, got %q", c.Text)
	}
}

// TestLoad_MalformedJSON verifies that a malformed config file returns an error.
func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()
	globalPath := filepath.Join(tmpDir, "global.json")
	writeFile(t, globalPath, "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("Expected error for malformed JSON, got nil")
	}
}

// TestLoad_MissingFilesNotError verifies that missing config files fall back to defaults.
func TestLoad_MissingFilesNotError(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(filepath.Join(tmpDir, "nonexistent-global.json"), filepath.Join(tmpDir, "nonexistent-project.json"))
	if err != nil {
		t.Fatalf("Expected no error for missing files, got: %v", err)
	}
	if cfg.Coordinator.MaxInputRounds != 2 {
		t.Errorf("Expected default max input rounds 2, got %d", cfg.Coordinator.MaxInputRounds)
	}
}

// TestFind verifies the lookup order inside a config directory.
func TestFind(t *testing.T) {
	dir := t.TempDir()

	if got := Find(dir); got != filepath.Join(dir, "config.json") {
		t.Errorf("Expected json fallback, got %q", got)
	}

	writeFile(t, filepath.Join(dir, "config.json"), "{}")
	writeFile(t, filepath.Join(dir, "config.yaml"), "{}")
	if got := Find(dir); got != filepath.Join(dir, "config.yaml") {
		t.Errorf("Expected yaml preferred, got %q", got)
	}
}

// TestDuration_Seconds verifies that a bare number is read as seconds.
func TestDuration_Seconds(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte("2.5")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if d.Std() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s, got %v", d.Std())
	}
}

// TestLoad_CallTimeout verifies the per-attempt call timeout is read and defaults to zero.
func TestLoad_CallTimeout(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Coordinator.Retry.CallTimeout != 0 {
		t.Errorf("Expected no default call timeout, got %v", cfg.Coordinator.Retry.CallTimeout.Std())
	}

	projectPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, projectPath, "coordinator:\n  retry:\n    call_timeout: 4s\n")
	cfg, err = Load("", projectPath)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Coordinator.Retry.CallTimeout.Std() != 4*time.Second {
		t.Errorf("Expected call timeout 4s, got %v", cfg.Coordinator.Retry.CallTimeout.Std())
	}
	if cfg.Coordinator.Retry.MaxAttempts != 3 {
		t.Errorf("Expected default max attempts kept, got %d", cfg.Coordinator.Retry.MaxAttempts)
	}
}
