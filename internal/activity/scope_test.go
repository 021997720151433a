package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/subagent/subagent/internal/events"
)

func TestWithinAgent_NestedToolScope(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())
	l := newTestActivityLogger(t, dir, session, Config{})

	err := l.WithinAgent(context.Background(), "code-reviewer", "orchestrator", "review diff", func(ctx context.Context) error {
		return l.WithinTool(ctx, "read_file", "internal/server.go", func(ctx context.Context) error {
			_, err := l.Emit(ctx, events.FileOp, map[string]any{
				"op":   "read",
				"path": "internal/server.go",
			})
			return err
		})
	})
	if err != nil {
		t.Fatalf("WithinAgent failed: %v", err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	persisted := readLog(t, l.cfg.LogPath)
	if len(persisted) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(persisted))
	}

	byType := map[string][]*events.Event{}
	for _, ev := range persisted {
		byType[ev.Type] = append(byType[ev.Type], ev)
	}

	invoked := byType[events.AgentInvoked][0]
	if invoked.ParentEventID != "" {
		t.Errorf("agent.invoked should be top level, got parent %s", invoked.ParentEventID)
	}

	tools := byType[events.ToolUsage]
	if len(tools) != 2 {
		t.Fatalf("Expected start and end tool.usage events, got %d", len(tools))
	}
	start, end := tools[0], tools[1]
	if start.GetString("phase") != "start" {
		t.Errorf("Expected first tool.usage phase start, got %q", start.GetString("phase"))
	}
	if start.ParentEventID != invoked.EventID {
		t.Errorf("tool start parent = %s, expected agent invocation %s", start.ParentEventID, invoked.EventID)
	}

	fileOp := byType[events.FileOp][0]
	if fileOp.ParentEventID != start.EventID {
		t.Errorf("file.op parent = %s, expected tool start %s", fileOp.ParentEventID, start.EventID)
	}

	if end.ParentEventID != start.EventID {
		t.Errorf("tool end parent = %s, expected tool start %s", end.ParentEventID, start.EventID)
	}
	if success, ok := end.GetBool("success"); !ok || !success {
		t.Error("Expected tool end event to report success")
	}
	if _, ok := end.GetNumber("duration_ms"); !ok {
		t.Error("Expected tool end event to carry duration_ms")
	}

	completed := byType[events.AgentCompleted][0]
	if completed.ParentEventID != "" {
		t.Errorf("agent.completed should be top level, got parent %s", completed.ParentEventID)
	}
}

func TestWithinAgent_FailurePath(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())
	l := newTestActivityLogger(t, dir, session, Config{})

	boom := errors.New("compile failed")
	err := l.WithinAgent(context.Background(), "builder", "orchestrator", "build", func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected the scope to return the inner error, got %v", err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	persisted := readLog(t, l.cfg.LogPath)
	if len(persisted) != 2 {
		t.Fatalf("Expected invoked+failed, got %d events", len(persisted))
	}
	failed := persisted[1]
	if failed.Type != events.AgentFailed {
		t.Fatalf("Expected agent.failed, got %s", failed.Type)
	}
	if failed.GetString("error") != "compile failed" {
		t.Errorf("Expected error message in payload, got %q", failed.GetString("error"))
	}
}

func TestParentEventID_ScopeIsolation(t *testing.T) {
	base := context.Background()
	if got := ParentEventID(base); got != "" {
		t.Errorf("Expected empty parent at top level, got %q", got)
	}

	scoped := withParent(base, "evt_s_000001")
	if got := ParentEventID(scoped); got != "evt_s_000001" {
		t.Errorf("Expected scoped parent, got %q", got)
	}
	// A dropped open event must not establish a scope.
	if got := ParentEventID(withParent(base, DroppedEventID)); got != "" {
		t.Errorf("Dropped sentinel leaked into scope: %q", got)
	}
	// The original context is untouched.
	if got := ParentEventID(base); got != "" {
		t.Errorf("Base context mutated: %q", got)
	}
}
