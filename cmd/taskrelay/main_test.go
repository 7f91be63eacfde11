package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/taskrelay/internal/capability"
	"github.com/aristath/taskrelay/internal/config"
	"github.com/aristath/taskrelay/internal/metrics"
	"github.com/aristath/taskrelay/internal/orchestrator"
)

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// terminates tracked capability subprocesses during shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := capability.NewProcessManager()

	cmd := exec.CommandContext(context.Background(), "sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Process group isolation
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)

	killAll(pm)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}
	pm.Untrack(cmd)
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
}

// freePort returns a listen address that is free at the time of the call.
func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// waitFor polls url until it answers 200 or the deadline passes.
func waitFor(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s did not become ready", url)
}

// testConfig wires the three workers to static capabilities on free ports.
func testConfig(t *testing.T, safetyText string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Coordinator.Listen = freePort(t)
	cfg.Store.Driver = "memory"

	caps := map[string]capability.Config{
		"safety":    {Type: "static", Text: safetyText},
		"processor": {Type: "static", Text: "The capital of France is Paris."},
		"critic":    {Type: "static", Data: map[string]any{"rating": 5, "explanation": "Correct."}},
	}
	for role, c := range caps {
		addr := freePort(t)
		w := cfg.Workers[role]
		w.Listen = addr
		w.URL = "http://" + addr
		w.Capability = c
		cfg.Workers[role] = w
	}
	return cfg
}

func postQuery(t *testing.T, addr, query string) orchestrator.Result {
	t.Helper()
	body := strings.NewReader(`{"query": "` + query + `"}`)
	resp, err := http.Post("http://"+addr+"/api/query", "application/json", body)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var res orchestrator.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	return res
}

// TestRunAll verifies that the single-process mode answers a query end to end
// and shuts down when the context ends.
func TestRunAll(t *testing.T) {
	cfg := testConfig(t, "SAFE: plain geography question")

	ctx, cancel := context.WithCancel(context.Background())
	pm := capability.NewProcessManager()
	done := make(chan error, 1)
	go func() {
		done <- runAll(ctx, cfg, pm, metrics.New())
	}()

	for _, w := range cfg.Workers {
		waitFor(t, w.URL+"/healthz")
	}
	waitFor(t, "http://"+cfg.Coordinator.Listen+"/healthz")

	res := postQuery(t, cfg.Coordinator.Listen, "What is the capital of France?")
	if res.Status != orchestrator.StatusSuccess {
		t.Fatalf("Expected success, got %q (%s)", res.Status, res.Explanation)
	}
	if !strings.Contains(res.Answer, "Paris") {
		t.Errorf("Expected answer about Paris, got %q", res.Answer)
	}
	if res.Rating != 5 {
		t.Errorf("Expected rating 5, got %d", res.Rating)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("runAll did not return after cancellation")
	}
}

// TestRunAll_DefaultSafetyBlocks verifies that the default safety placeholder blocks queries.
func TestRunAll_DefaultSafetyBlocks(t *testing.T) {
	cfg := testConfig(t, config.DefaultConfig().Workers["safety"].Capability.Text)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runAll(ctx, cfg, capability.NewProcessManager(), metrics.New())

	waitFor(t, cfg.Workers["safety"].URL+"/healthz")
	waitFor(t, "http://"+cfg.Coordinator.Listen+"/healthz")

	res := postQuery(t, cfg.Coordinator.Listen, "Anything")
	if !res.Blocked {
		t.Fatalf("Expected query to be blocked, got status %q", res.Status)
	}
}

// TestRunConfigInit verifies that config init writes a loadable default file and refuses to overwrite it.
func TestRunConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := run(context.Background(), []string{"config", "init", path}); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	cfg, err := config.Load("", path)
	if err != nil {
		t.Fatalf("Failed to load written config: %v", err)
	}
	if cfg.Coordinator.Listen != ":8001" {
		t.Errorf("Expected default listen address, got %q", cfg.Coordinator.Listen)
	}

	if err := run(context.Background(), []string{"config", "init", path}); err == nil {
		t.Error("Expected error when config already exists")
	}
}

// TestRunUnknownCommand verifies that unknown commands and roles are rejected.
func TestRunUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"deploy"}); err == nil {
		t.Error("Expected error for unknown command")
	}

	path := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(config.DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	err := run(context.Background(), []string{"worker", "-config", path, "-role", "translator"})
	if err == nil || !strings.Contains(err.Error(), "unknown worker role") {
		t.Errorf("Expected unknown role error, got %v", err)
	}
}
