package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/subagent/subagent/internal/events"
)

// IngestBatch commits a batch of events inside a single transaction.
// Re-ingesting an event id is a no-op: derived rows are only written
// when the raw events insert actually inserted, so replaying the log
// rebuilds the store without duplicating facts.
func (s *Store) IngestBatch(ctx context.Context, batch []*events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrIngest, err)
	}
	for _, ev := range batch {
		if err := s.ingestOne(tx, ev); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: event %s: %v", ErrIngest, ev.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrIngest, err)
	}
	return nil
}

func (s *Store) ingestOne(tx *sqlx.Tx, ev *events.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO events (session_id, event_id, parent_event_id, timestamp, event_type, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.EventID, nullableString(ev.ParentEventID), ev.Timestamp, ev.Type, string(payload),
	)
	if err != nil {
		return err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		// Already ingested; derived rows exist.
		return nil
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO sessions (session_id, started_at) VALUES (?, ?)`,
		ev.SessionID, ev.Timestamp,
	); err != nil {
		return err
	}

	switch ev.Type {
	case events.AgentInvoked:
		return s.ingestAgentInvoked(tx, ev)
	case events.AgentCompleted, events.AgentFailed:
		return s.ingestAgentFinished(tx, ev)
	case events.ToolUsage:
		return s.ingestToolUsage(tx, ev)
	case events.Error:
		return s.ingestError(tx, ev)
	case events.ContextSnapshot:
		return s.ingestContextSnapshot(tx, ev)
	case events.TaskStarted, events.TaskStageChanged, events.TaskCompleted:
		return s.ingestTask(tx, ev)
	}
	return nil
}

func (s *Store) ingestAgentInvoked(tx *sqlx.Tx, ev *events.Event) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO agents (agent_key, session_id, name, invoked_by, reason, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.SessionID, ev.GetString("agent"),
		ev.GetString("invoked_by"), ev.GetString("reason"), ev.Timestamp,
	)
	return err
}

// ingestAgentFinished closes the oldest open invocation row for the
// agent. duration_ms comes from the payload when supplied, otherwise
// from the interval between invocation and completion timestamps.
func (s *Store) ingestAgentFinished(tx *sqlx.Tx, ev *events.Event) error {
	var row struct {
		AgentKey  string    `db:"agent_key"`
		StartedAt time.Time `db:"started_at"`
	}
	err := tx.Get(&row,
		`SELECT agent_key, started_at FROM agents
		 WHERE session_id = ? AND name = ? AND finished_at IS NULL
		 ORDER BY started_at LIMIT 1`,
		ev.SessionID, ev.GetString("agent"),
	)
	if err != nil {
		// A completion without a tracked invocation leaves only the raw event.
		return nil
	}

	durationMs := int64(ev.Timestamp.Sub(row.StartedAt).Milliseconds())
	if d, ok := ev.GetNumber("duration_ms"); ok {
		durationMs = int64(d)
	}
	success := ev.Type == events.AgentCompleted
	if b, ok := ev.GetBool("success"); ok {
		success = b
	}
	var tokens int64
	if n, ok := ev.GetNumber("tokens_used"); ok {
		tokens = int64(n)
	}

	if _, err := tx.Exec(
		`UPDATE agents SET finished_at = ?, duration_ms = ?, tokens_used = ?, success = ?
		 WHERE agent_key = ?`,
		ev.Timestamp, durationMs, tokens, success, row.AgentKey,
	); err != nil {
		return err
	}
	if tokens > 0 {
		if _, err := tx.Exec(
			`UPDATE sessions SET total_tokens = total_tokens + ? WHERE session_id = ?`,
			tokens, ev.SessionID,
		); err != nil {
			return err
		}
	}
	return nil
}

// ingestToolUsage records one tools row per completed tool call. Scope
// openers (phase "start") carry no outcome yet and produce no row; the
// closing event holds success and duration.
func (s *Store) ingestToolUsage(tx *sqlx.Tx, ev *events.Event) error {
	if ev.GetString("phase") == "start" {
		return nil
	}
	_, hasSuccess := ev.GetBool("success")
	_, hasDuration := ev.GetNumber("duration_ms")
	if !hasSuccess && !hasDuration {
		return nil
	}

	var agentKey *string
	var key string
	if err := tx.Get(&key,
		`SELECT agent_key FROM agents
		 WHERE session_id = ? AND finished_at IS NULL
		 ORDER BY started_at DESC LIMIT 1`,
		ev.SessionID,
	); err == nil {
		agentKey = &key
	}

	success, _ := ev.GetBool("success")
	var durationMs *int64
	if d, ok := ev.GetNumber("duration_ms"); ok {
		v := int64(d)
		durationMs = &v
	}
	_, err := tx.Exec(
		`INSERT INTO tools (session_id, event_id, agent_key, tool, duration_ms, success, error_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.EventID, agentKey, ev.GetString("tool"),
		durationMs, success, ev.GetString("error"),
	)
	return err
}

func (s *Store) ingestError(tx *sqlx.Tx, ev *events.Event) error {
	contextJSON := "{}"
	if raw, ok := ev.Payload["context"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			contextJSON = string(data)
		}
	}
	var fixSuccessful *bool
	if b, ok := ev.GetBool("fix_successful"); ok {
		fixSuccessful = &b
	}
	var resolutionMs *int64
	if n, ok := ev.GetNumber("resolution_ms"); ok {
		v := int64(n)
		resolutionMs = &v
	}
	_, err := tx.Exec(
		`INSERT INTO errors (session_id, event_id, kind, context_json, attempted_fix, fix_successful, resolution_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.EventID, ev.GetString("kind"), contextJSON,
		ev.GetString("attempted_fix"), fixSuccessful, resolutionMs,
	)
	return err
}

func (s *Store) ingestContextSnapshot(tx *sqlx.Tx, ev *events.Event) error {
	filesJSON := "[]"
	if raw, ok := ev.Payload["files"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			filesJSON = string(data)
		}
	}
	var before, after int64
	if n, ok := ev.GetNumber("tokens_before"); ok {
		before = int64(n)
	}
	if n, ok := ev.GetNumber("tokens_after"); ok {
		after = int64(n)
	}
	if _, err := tx.Exec(
		`INSERT INTO context (session_id, at_event_id, tokens_before, tokens_after, files_json)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, ev.EventID, before, after, filesJSON,
	); err != nil {
		return err
	}
	_, err := tx.Exec(
		`UPDATE sessions SET total_tokens = ? WHERE session_id = ? AND total_tokens < ?`,
		after, ev.SessionID, after,
	)
	return err
}

// ingestTask maintains the durable task entity: created on the first
// task.started, progressed by stage changes, terminal on task.completed.
func (s *Store) ingestTask(tx *sqlx.Tx, ev *events.Event) error {
	taskID := ev.GetString("task_id")
	switch ev.Type {
	case events.TaskStarted:
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO tasks (task_id, session_id, parent_task_id, title, status, started_at)
			 VALUES (?, ?, ?, ?, 'running', ?)`,
			taskID, ev.SessionID, ev.GetString("parent_task_id"), ev.GetString("title"), ev.Timestamp,
		)
		return err
	case events.TaskStageChanged:
		pct := -1.0
		if n, ok := ev.GetNumber("progress_pct"); ok {
			pct = n
		}
		_, err := tx.Exec(
			`UPDATE tasks SET progress_pct = CASE WHEN ? >= 0 THEN ? ELSE progress_pct END
			 WHERE task_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
			pct, pct, taskID,
		)
		return err
	case events.TaskCompleted:
		status := ev.GetString("status")
		if status == "" {
			status = "completed"
		}
		pct := 100.0
		if n, ok := ev.GetNumber("progress_pct"); ok {
			pct = n
		}
		_, err := tx.Exec(
			`UPDATE tasks SET status = ?, progress_pct = ?, finished_at = ? WHERE task_id = ?`,
			status, pct, ev.Timestamp, taskID,
		)
		return err
	}
	return nil
}

// FinalizeSession stamps the session row on clean teardown.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, endedAt time.Time, exitStatus string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_at, ended_at, exit_status) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET ended_at = excluded.ended_at, exit_status = excluded.exit_status`,
		sessionID, endedAt, endedAt, exitStatus,
	)
	if err != nil {
		return fmt.Errorf("%w: finalize session: %v", ErrIngest, err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
