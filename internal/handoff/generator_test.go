package handoff

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/subagent/subagent/internal/analytics"
	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
)

func newTestGenerator(t *testing.T) (*Generator, *analytics.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	store, err := analytics.Open(filepath.Join(t.TempDir(), "tracking.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewGenerator(store, log), store
}

func seedSession(t *testing.T, store *analytics.Store, sessionID string) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	ev := func(seq uint64, offset time.Duration, eventType string, payload map[string]any) *events.Event {
		return &events.Event{
			EventID:   events.FormatEventID(sessionID, seq),
			SessionID: sessionID,
			Timestamp: base.Add(offset),
			Type:      eventType,
			Payload:   payload,
		}
	}

	require.NoError(t, store.IngestBatch(ctx, []*events.Event{
		ev(1, 0, events.AgentInvoked, map[string]any{"agent": "planner"}),
		ev(2, time.Second, events.TaskStarted, map[string]any{
			"task_id": "task_1", "title": "implement parser",
		}),
		ev(3, 2*time.Second, events.FileOp, map[string]any{
			"op": "write", "path": "src/parser.py",
		}),
		ev(4, 3*time.Second, events.FileOp, map[string]any{
			"op": "read", "path": "README.md",
		}),
		ev(5, 4*time.Second, events.Error, map[string]any{
			"kind": "SyntaxError", "resolution_ms": 800,
		}),
		ev(6, 5*time.Second, events.TaskCompleted, map[string]any{"task_id": "task_1"}),
		ev(7, 6*time.Second, events.AgentCompleted, map[string]any{
			"agent": "planner", "success": true, "tokens_used": 4200,
		}),
	}))
	require.NoError(t, store.FinalizeSession(ctx, sessionID, base.Add(time.Hour), "clean"))
}

func TestGenerator_WritesFrontMatterAndBody(t *testing.T) {
	gen, store := newTestGenerator(t)
	seedSession(t, store, "s1")

	path := filepath.Join(t.TempDir(), "session_s1_handoff.md")
	require.NoError(t, gen.Write(context.Background(), "s1", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := string(data)

	require.True(t, strings.HasPrefix(doc, "---\n"), "document starts with front matter")
	end := strings.Index(doc[4:], "---\n")
	require.Greater(t, end, 0, "front matter is closed")

	var front struct {
		SessionID       string `yaml:"session_id"`
		DurationSeconds int64  `yaml:"duration_seconds"`
		TotalTokens     int64  `yaml:"total_tokens"`
		ExitStatus      string `yaml:"exit_status"`
		EventCount      int    `yaml:"event_count"`
		ErrorCount      int    `yaml:"error_count"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(doc[4:4+end]), &front))
	assert.Equal(t, "s1", front.SessionID)
	assert.Equal(t, int64(3600), front.DurationSeconds)
	assert.Equal(t, int64(4200), front.TotalTokens)
	assert.Equal(t, "clean", front.ExitStatus)
	assert.Equal(t, 7, front.EventCount)
	assert.Equal(t, 1, front.ErrorCount)

	body := doc[4+end:]
	assert.Contains(t, body, "implement parser")
	assert.Contains(t, body, "completed")
	assert.Contains(t, body, "SyntaxError")
	assert.Contains(t, body, "src/parser.py")
	assert.NotContains(t, body, "README.md", "read-only paths are not listed as modified")
}

func TestGenerator_EmptySession(t *testing.T) {
	gen, store := newTestGenerator(t)
	ctx := context.Background()

	require.NoError(t, store.IngestBatch(ctx, []*events.Event{{
		EventID:   events.FormatEventID("s2", 1),
		SessionID: "s2",
		Timestamp: time.Now().UTC(),
		Type:      events.AgentInvoked,
		Payload:   map[string]any{"agent": "planner"},
	}}))

	path := filepath.Join(t.TempDir(), "session_s2_handoff.md")
	require.NoError(t, gen.Write(ctx, "s2", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := string(data)
	assert.Contains(t, doc, "No tasks were tracked")
	assert.Contains(t, doc, "No errors recorded")
	assert.Contains(t, doc, "No files were modified")
}

func TestGenerator_UnknownSession(t *testing.T) {
	gen, _ := newTestGenerator(t)
	path := filepath.Join(t.TempDir(), "handoff.md")
	err := gen.Write(context.Background(), "missing", path)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no file written on failure")
}
