package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/taskrelay/internal/task"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store defines the persistence interface for a worker's tasks.
type Store interface {
	// SaveTask upserts the task row and appends any history messages and
	// artifacts not stored yet. Stored messages are never rewritten.
	SaveTask(ctx context.Context, t *task.Task) error
	// GetTask returns the task with its full history and artifacts.
	// Returns an error wrapping task.ErrTaskNotFound for unknown ids.
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	// ListTasks returns task headers (no history) ordered by creation.
	// An empty state lists every task.
	ListTasks(ctx context.Context, state task.State) ([]*task.Task, error)
	// DeleteTerminalBefore removes completed, failed and canceled tasks last
	// updated before cutoff and returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// connPragmas are applied by modernc.org/sqlite to every new connection of
// the pool, so they hold on every connection rather than the first one.
const connPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath, connPragmas)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store. Each call gets its own
// database; connections of the same store share it through the shared cache.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:taskrelay-%s?mode=memory&cache=shared&%s", uuid.New().String(), connPragmas)
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers; reads never nest inside each other.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
