package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// AgentPerformance summarizes completed invocations per agent name.
type AgentPerformance struct {
	Name          string  `json:"name"`
	Invocations   int     `json:"invocations"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	P95DurationMs float64 `json:"p95_duration_ms"`
	AvgTokens     float64 `json:"avg_tokens"`
}

// ToolEffectiveness summarizes tool calls per tool.
type ToolEffectiveness struct {
	Tool          string  `db:"tool" json:"tool"`
	Count         int     `db:"count" json:"count"`
	SuccessRate   float64 `db:"success_rate" json:"success_rate"`
	AvgDurationMs float64 `db:"avg_duration_ms" json:"avg_duration_ms"`
	ErrorCount    int     `db:"error_count" json:"error_count"`
}

// ErrorPattern is one error kind's frequency and resolution profile.
type ErrorPattern struct {
	Kind            string  `db:"kind" json:"kind"`
	Count           int     `db:"count" json:"count"`
	AvgResolutionMs float64 `db:"avg_resolution_ms" json:"avg_resolution_ms"`
}

// SessionSummary aggregates one session.
type SessionSummary struct {
	SessionID      string     `json:"session_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	TotalTokens    int64      `json:"total_tokens"`
	Phase          string     `json:"phase"`
	ExitStatus     string     `json:"exit_status"`
	EventCount     int        `json:"event_count"`
	AgentCount     int        `json:"agent_count"`
	ToolCount      int        `json:"tool_count"`
	ErrorCount     int        `json:"error_count"`
	TasksTotal     int        `json:"tasks_total"`
	TasksCompleted int        `json:"tasks_completed"`
}

// CostRow is token expenditure attributed to one agent.
type CostRow struct {
	Agent       string `json:"agent"`
	Invocations int    `json:"invocations"`
	Tokens      int64  `json:"tokens"`
}

// AgentPerformance returns per-agent success rate, average and p95
// duration, and average tokens over the window (zero means all time).
// The p95 is computed over the fetched durations rather than in SQL.
func (s *Store) AgentPerformance(ctx context.Context, window time.Duration) ([]AgentPerformance, error) {
	query := `SELECT name, duration_ms, success, tokens_used FROM agents WHERE finished_at IS NOT NULL`
	args := []any{}
	if window > 0 {
		query += ` AND started_at >= ?`
		args = append(args, time.Now().Add(-window))
	}
	query += ` ORDER BY name`

	rows, err := s.ro.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("agent performance: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type sample struct {
		durations []float64
		successes int
		tokens    int64
		count     int
	}
	byName := map[string]*sample{}
	var names []string
	for rows.Next() {
		var (
			name     string
			duration sql.NullInt64
			success  sql.NullBool
			tokens   int64
		)
		if err := rows.Scan(&name, &duration, &success, &tokens); err != nil {
			return nil, fmt.Errorf("agent performance: %w", err)
		}
		agg, ok := byName[name]
		if !ok {
			agg = &sample{}
			byName[name] = agg
			names = append(names, name)
		}
		agg.count++
		if duration.Valid {
			agg.durations = append(agg.durations, float64(duration.Int64))
		}
		if success.Valid && success.Bool {
			agg.successes++
		}
		agg.tokens += tokens
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent performance: %w", err)
	}

	sort.Strings(names)
	out := make([]AgentPerformance, 0, len(names))
	for _, name := range names {
		agg := byName[name]
		var avg float64
		for _, d := range agg.durations {
			avg += d
		}
		if len(agg.durations) > 0 {
			avg /= float64(len(agg.durations))
		}
		out = append(out, AgentPerformance{
			Name:          name,
			Invocations:   agg.count,
			SuccessRate:   float64(agg.successes) / float64(agg.count),
			AvgDurationMs: avg,
			P95DurationMs: percentile(agg.durations, 0.95),
			AvgTokens:     float64(agg.tokens) / float64(agg.count),
		})
	}
	return out, nil
}

// ToolEffectiveness returns usage count, success rate, average duration,
// and error count grouped by tool.
func (s *Store) ToolEffectiveness(ctx context.Context, window time.Duration) ([]ToolEffectiveness, error) {
	query := `
		SELECT t.tool,
		       COUNT(*) AS count,
		       AVG(CASE WHEN t.success THEN 1.0 ELSE 0.0 END) AS success_rate,
		       COALESCE(AVG(t.duration_ms), 0) AS avg_duration_ms,
		       SUM(CASE WHEN t.success THEN 0 ELSE 1 END) AS error_count
		FROM tools t
		JOIN events e ON e.session_id = t.session_id AND e.event_id = t.event_id`
	args := []any{}
	if window > 0 {
		query += ` WHERE e.timestamp >= ?`
		args = append(args, time.Now().Add(-window))
	}
	query += ` GROUP BY t.tool ORDER BY count DESC`

	var out []ToolEffectiveness
	if err := s.ro.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("tool effectiveness: %w", err)
	}
	return out, nil
}

// ErrorPatterns returns the top-N error kinds by frequency with their
// average resolution time.
func (s *Store) ErrorPatterns(ctx context.Context, window time.Duration, limit int) ([]ErrorPattern, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT er.kind,
		       COUNT(*) AS count,
		       COALESCE(AVG(er.resolution_ms), 0) AS avg_resolution_ms
		FROM errors er
		JOIN events e ON e.session_id = er.session_id AND e.event_id = er.event_id`
	args := []any{}
	if window > 0 {
		query += ` WHERE e.timestamp >= ?`
		args = append(args, time.Now().Add(-window))
	}
	query += ` GROUP BY er.kind ORDER BY count DESC LIMIT ?`
	args = append(args, limit)

	var out []ErrorPattern
	if err := s.ro.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("error patterns: %w", err)
	}
	return out, nil
}

// SessionSummary returns aggregate counts and token totals for one session.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var row struct {
		SessionID   string       `db:"session_id"`
		StartedAt   time.Time    `db:"started_at"`
		EndedAt     sql.NullTime `db:"ended_at"`
		TotalTokens int64        `db:"total_tokens"`
		Phase       string       `db:"phase"`
		ExitStatus  string       `db:"exit_status"`
	}
	if err := s.ro.GetContext(ctx, &row,
		`SELECT session_id, started_at, ended_at, total_tokens, phase, exit_status
		 FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("session summary: %w", err)
	}

	summary := &SessionSummary{
		SessionID:   row.SessionID,
		StartedAt:   row.StartedAt,
		TotalTokens: row.TotalTokens,
		Phase:       row.Phase,
		ExitStatus:  row.ExitStatus,
	}
	if row.EndedAt.Valid {
		t := row.EndedAt.Time
		summary.EndedAt = &t
	}

	counts := []struct {
		dest  *int
		query string
	}{
		{&summary.EventCount, `SELECT COUNT(*) FROM events WHERE session_id = ?`},
		{&summary.AgentCount, `SELECT COUNT(*) FROM agents WHERE session_id = ?`},
		{&summary.ToolCount, `SELECT COUNT(*) FROM tools WHERE session_id = ?`},
		{&summary.ErrorCount, `SELECT COUNT(*) FROM errors WHERE session_id = ?`},
		{&summary.TasksTotal, `SELECT COUNT(*) FROM tasks WHERE session_id = ?`},
		{&summary.TasksCompleted, `SELECT COUNT(*) FROM tasks WHERE session_id = ? AND status = 'completed'`},
	}
	for _, c := range counts {
		if err := s.ro.GetContext(ctx, c.dest, c.query, sessionID); err != nil {
			return nil, fmt.Errorf("session summary: %w", err)
		}
	}
	return summary, nil
}

// CostAnalysis returns token totals by agent, optionally restricted to
// sessions in a phase.
func (s *Store) CostAnalysis(ctx context.Context, phase string) ([]CostRow, error) {
	query := `
		SELECT a.name AS agent, COUNT(*) AS invocations, SUM(a.tokens_used) AS tokens
		FROM agents a
		JOIN sessions s ON s.session_id = a.session_id`
	args := []any{}
	if phase != "" {
		query += ` WHERE s.phase = ?`
		args = append(args, phase)
	}
	query += ` GROUP BY a.name ORDER BY tokens DESC`

	var out []CostRow
	if err := s.ro.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("cost analysis: %w", err)
	}
	return out, nil
}

// TaskRow is one task's state for a session report.
type TaskRow struct {
	TaskID      string  `db:"task_id" json:"task_id"`
	Title       string  `db:"title" json:"title"`
	Status      string  `db:"status" json:"status"`
	ProgressPct float64 `db:"progress_pct" json:"progress_pct"`
}

// SessionTasks returns the tasks touched during a session, oldest first.
func (s *Store) SessionTasks(ctx context.Context, sessionID string) ([]TaskRow, error) {
	var out []TaskRow
	if err := s.ro.SelectContext(ctx, &out,
		`SELECT task_id, title, status, progress_pct FROM tasks
		 WHERE session_id = ? ORDER BY started_at`, sessionID); err != nil {
		return nil, fmt.Errorf("session tasks: %w", err)
	}
	return out, nil
}

// ModifiedFiles returns the distinct paths a session created, wrote,
// edited, or deleted.
func (s *Store) ModifiedFiles(ctx context.Context, sessionID string) ([]string, error) {
	var out []string
	if err := s.ro.SelectContext(ctx, &out,
		`SELECT DISTINCT json_extract(payload_json, '$.path')
		 FROM events
		 WHERE session_id = ? AND event_type = 'file.op'
		   AND json_extract(payload_json, '$.op') != 'read'
		   AND json_extract(payload_json, '$.path') IS NOT NULL
		 ORDER BY 1`, sessionID); err != nil {
		return nil, fmt.Errorf("modified files: %w", err)
	}
	return out, nil
}

// percentile returns the pth percentile (0 < p <= 1) using the
// nearest-rank method over a copy of the samples.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
