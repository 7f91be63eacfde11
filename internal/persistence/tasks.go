package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskrelay/internal/task"
)

// SaveTask upserts the task row and appends unseen messages and artifacts
// inside one transaction.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if t.Metadata == nil {
		metadata = []byte("{}")
	}

	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, state, metadata, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			state = excluded.state,
			metadata = excluded.metadata,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, t.ID, t.SessionID, string(t.State), string(metadata), t.Version, formatTime(created), formatTime(updated))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	for i, msg := range t.History {
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", msg.MessageID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, task_id, seq, role, parts, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, msg.MessageID, t.ID, i, string(msg.Role), string(parts), formatTime(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.MessageID, err)
		}
	}

	for i, a := range t.Artifacts {
		parts, err := json.Marshal(a.Parts)
		if err != nil {
			return fmt.Errorf("failed to encode artifact %s: %w", a.ArtifactID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (id, task_id, seq, name, description, parts)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, a.ArtifactID, t.ID, i, a.Name, a.Description, string(parts))
		if err != nil {
			return fmt.Errorf("failed to insert artifact %s: %w", a.ArtifactID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID, including its history and artifacts.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, state, metadata, version, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, taskID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if t.History, err = s.loadMessages(ctx, taskID); err != nil {
		return nil, err
	}
	if t.Artifacts, err = s.loadArtifacts(ctx, taskID); err != nil {
		return nil, err
	}

	return t, nil
}

// ListTasks returns task headers ordered by creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context, state task.State) ([]*task.Task, error) {
	query := `
		SELECT id, session_id, state, metadata, version, created_at, updated_at
		FROM tasks`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// DeleteTerminalBefore removes finished tasks older than cutoff. Messages and
// artifacts go with them through ON DELETE CASCADE.
func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE state IN (?, ?, ?) AND updated_at < ?
	`, string(task.StateCompleted), string(task.StateFailed), string(task.StateCanceled), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var state, metadata, created, updated string
	if err := row.Scan(&t.ID, &t.SessionID, &state, &metadata, &t.Version, &created, &updated); err != nil {
		return nil, err
	}
	t.State = task.State(state)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", t.ID, err)
		}
	}
	t.History = []task.Message{}
	t.Artifacts = []task.Artifact{}
	return t, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, taskID string) ([]task.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, parts, created_at
		FROM messages
		WHERE task_id = ?
		ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	history := []task.Message{}
	for rows.Next() {
		var msg task.Message
		var role, parts, created string
		if err := rows.Scan(&msg.MessageID, &role, &parts, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", msg.MessageID, err)
		}
		msg.Role = task.Role(role)
		msg.CreatedAt = parseTime(created)
		history = append(history, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return history, nil
}

func (s *SQLiteStore) loadArtifacts(ctx context.Context, taskID string) ([]task.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, parts
		FROM artifacts
		WHERE task_id = ?
		ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []task.Artifact{}
	for rows.Next() {
		var a task.Artifact
		var parts string
		if err := rows.Scan(&a.ArtifactID, &a.Name, &a.Description, &parts); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &a.Parts); err != nil {
			return nil, fmt.Errorf("failed to decode artifact %s: %w", a.ArtifactID, err)
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return artifacts, nil
}
