package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrelay/internal/capability"
	"github.com/aristath/taskrelay/internal/config"
	"github.com/aristath/taskrelay/internal/events"
	"github.com/aristath/taskrelay/internal/metrics"
	"github.com/aristath/taskrelay/internal/orchestrator"
	"github.com/aristath/taskrelay/internal/persistence"
	"github.com/aristath/taskrelay/internal/registry"
	"github.com/aristath/taskrelay/internal/taskmanager"
	"github.com/aristath/taskrelay/internal/transport"
	"github.com/aristath/taskrelay/internal/worker"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

const usage = `Usage: taskrelay <command> [flags]

Commands:
  coordinator          run the coordinator API
  worker -role ROLE    run one worker (safety, processor or critic)
  all                  run the coordinator and every worker in one process
  config init [PATH]   write the default configuration
`

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Println("Shutdown complete")
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return flag.ErrHelp
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default: ~/.taskrelay and .taskrelay lookup)")

	switch args[0] {
	case "coordinator":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		return runCoordinator(ctx, cfg, metrics.New())

	case "worker":
		role := fs.String("role", "", "worker role: safety, processor or critic")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		pm := capability.NewProcessManager()
		defer killAll(pm)
		return runWorker(ctx, cfg, worker.Role(*role), pm, metrics.New())

	case "all":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		pm := capability.NewProcessManager()
		defer killAll(pm)
		return runAll(ctx, cfg, pm, metrics.New())

	case "config":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		rest := fs.Args()
		if len(rest) == 0 || rest[0] != "init" {
			return fmt.Errorf("unknown config command, expected: config init [PATH]")
		}
		path := filepath.Join(".taskrelay", "config.yaml")
		if len(rest) > 1 {
			path = rest[1]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return err
		}
		log.Printf("Wrote default configuration to %s", path)
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load("", path)
	}
	return config.LoadDefault()
}

// runAll serves every configured worker and the coordinator until ctx ends.
func runAll(ctx context.Context, cfg *config.Config, pm *capability.ProcessManager, m *metrics.Metrics) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, role := range workerRoles(cfg) {
		g.Go(func() error {
			return runWorker(ctx, cfg, role, pm, m)
		})
	}
	g.Go(func() error {
		return runCoordinator(ctx, cfg, m)
	})
	return g.Wait()
}

// runWorker serves one worker until ctx ends.
func runWorker(ctx context.Context, cfg *config.Config, role worker.Role, pm *capability.ProcessManager, m *metrics.Metrics) error {
	w, err := worker.ForRole(role)
	if err != nil {
		return err
	}
	wc, ok := cfg.Workers[string(role)]
	if !ok {
		return fmt.Errorf("no configuration for worker %q", role)
	}
	if wc.Listen == "" {
		return fmt.Errorf("worker %q has no listen address", role)
	}

	c, err := capability.New(wc.Capability, pm)
	if err != nil {
		return fmt.Errorf("creating %s capability: %w", role, err)
	}

	store, err := openStore(ctx, cfg.Store, role)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	tasks := taskmanager.New(string(role), store, taskmanager.WithMetrics(m), taskmanager.WithEventBus(bus))

	janitor := taskmanager.NewJanitor(tasks, cfg.Store.Retention.Std(), cfg.Store.SweepInterval.Std())
	if err := janitor.Start(); err != nil {
		log.Printf("WARNING: [%s] finished tasks will not be swept: %v", role, err)
	}
	defer janitor.Stop()

	host := worker.NewHost(w, c, tasks, wc.Timeout.Std(), worker.DescriptorConfig{
		Name:        wc.Name,
		Description: wc.Description,
		URL:         wc.URL,
		Streaming:   wc.Streaming,
	})
	srv := transport.NewServer(ctx, host, m)

	log.Printf("Starting %s worker on %s (capability=%s)", role, wc.Listen, wc.Capability.Type)
	return serve(ctx, wc.Listen, srv.Handler())
}

// runCoordinator serves the coordinator API until ctx ends.
func runCoordinator(ctx context.Context, cfg *config.Config, m *metrics.Metrics) error {
	reg := registry.New()
	for _, role := range workerRoles(cfg) {
		wc := cfg.Workers[string(role)]
		reg.Register(role, transport.NewClient(wc.URL, transport.WithMetrics(m, string(role))))
	}

	bus := events.NewEventBus()
	defer bus.Close()
	go logStages(bus.Subscribe(events.TopicPipeline, 64))

	retry := orchestrator.DefaultRetryConfig()
	if n := cfg.Coordinator.Retry.MaxAttempts; n > 0 {
		retry.MaxAttempts = n
	}
	if d := cfg.Coordinator.Retry.InitialInterval.Std(); d > 0 {
		retry.InitialInterval = d
	}
	if d := cfg.Coordinator.Retry.MaxInterval.Std(); d > 0 {
		retry.MaxInterval = d
	}
	retry.CallTimeout = cfg.Coordinator.Retry.CallTimeout.Std()

	p, err := orchestrator.New(reg, orchestrator.Config{
		Timeouts: orchestrator.StageTimeouts{
			Safety:     cfg.Coordinator.Timeouts.Safety.Std(),
			Processing: cfg.Coordinator.Timeouts.Processing.Std(),
			Critique:   cfg.Coordinator.Timeouts.Critique.Std(),
		},
		Retry:          retry,
		Streaming:      cfg.Coordinator.Streaming,
		MaxInputRounds: cfg.Coordinator.MaxInputRounds,
		Metrics:        m,
		Events:         bus,
	})
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	// Workers that are not up yet are discovered lazily on first dispatch.
	go func() {
		discoverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = reg.Discover(discoverCtx)
	}()

	api := orchestrator.NewAPI(p, m, cfg.Coordinator.ConcurrencyLimit)
	log.Printf("Starting coordinator on %s", cfg.Coordinator.Listen)
	return serve(ctx, cfg.Coordinator.Listen, api.Handler())
}

// logStages logs pipeline stage events until the bus closes.
func logStages(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.StageStartedEvent:
			log.Printf("[%s] %s stage dispatched to %s as task %s", e.QueryID, e.Stage, e.Worker, e.ID)
		case events.StageFinishedEvent:
			if e.Err != nil {
				log.Printf("[%s] %s stage failed after %s: %v", e.QueryID, e.Stage, e.Duration.Round(time.Millisecond), e.Err)
				continue
			}
			log.Printf("[%s] %s stage %s in %s", e.QueryID, e.Stage, e.State, e.Duration.Round(time.Millisecond))
		}
	}
}

// serve runs an HTTP server on addr and shuts it down gracefully when ctx ends.
func serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARNING: shutdown of %s exceeded timeout: %v", addr, err)
		return srv.Close()
	}
	return nil
}

// openStore opens the task store of one worker. SQLite databases live in
// one file per role under the configured directory.
func openStore(ctx context.Context, cfg config.StoreConfig, role worker.Role) (persistence.Store, error) {
	switch cfg.Driver {
	case "memory":
		store, err := persistence.NewMemoryStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("opening %s task store: %w", role, err)
		}
		return store, nil
	case "sqlite":
		path := filepath.Join(cfg.Path, string(role)+".db")
		store, err := persistence.NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("opening %s task store: %w", role, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func workerRoles(cfg *config.Config) []worker.Role {
	roles := make([]worker.Role, 0, len(cfg.Workers))
	for name := range cfg.Workers {
		roles = append(roles, worker.Role(name))
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func killAll(pm *capability.ProcessManager) {
	if n := pm.Count(); n > 0 {
		log.Printf("Killing %d capability subprocesses", n)
	}
	if err := pm.KillAll(); err != nil {
		log.Printf("Error killing subprocesses: %v", err)
	}
}
