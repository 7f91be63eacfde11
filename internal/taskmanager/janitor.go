package taskmanager

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// Janitor periodically removes finished tasks older than the retention window.
type Janitor struct {
	manager   *Manager
	retention time.Duration
	interval  time.Duration
	scheduler *gocron.Scheduler
}

// NewJanitor creates a janitor for m. It does nothing until Start is called.
func NewJanitor(m *Manager, retention, interval time.Duration) *Janitor {
	return &Janitor{
		manager:   m,
		retention: retention,
		interval:  interval,
	}
}

// Sweep deletes finished tasks last updated before now - retention.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	n, err := j.manager.store.DeleteTerminalBefore(ctx, time.Now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	j.manager.metrics.TasksSwept(n)
	return n, nil
}

// Start schedules Sweep every interval on a background scheduler.
func (j *Janitor) Start() error {
	if j.retention <= 0 || j.interval <= 0 {
		return fmt.Errorf("janitor needs positive retention and interval, got %s and %s", j.retention, j.interval)
	}

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(j.interval).Tag("sweep-" + j.manager.name).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := j.Sweep(ctx)
		if err != nil {
			log.Printf("ERROR: [%s] task sweep failed: %v", j.manager.name, err)
			return
		}
		if n > 0 {
			log.Printf("[%s] removed %d finished tasks", j.manager.name, n)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task sweep: %w", err)
	}

	j.scheduler = s
	s.StartAsync()
	return nil
}

// Stop halts the background scheduler.
func (j *Janitor) Stop() {
	if j.scheduler != nil {
		j.scheduler.Stop()
	}
}
