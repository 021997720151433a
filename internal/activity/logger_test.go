package activity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/subagent/subagent/internal/common/fsatomic"
	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
)

func newTestLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// newTestActivityLogger wires a logger against a temp dir. Pass a zero
// Config for defaults; LogPath and StatePath are always filled in.
func newTestActivityLogger(t *testing.T, dir string, session *Session, cfg Config) *Logger {
	t.Helper()
	cfg.LogPath = filepath.Join(dir, "session_"+session.ID+".jsonl")
	cfg.StatePath = filepath.Join(dir, "session_"+session.ID+".state.json")
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	l, err := New(cfg, session, nil, newTestLog(t))
	if err != nil {
		t.Fatalf("Failed to create activity logger: %v", err)
	}
	return l
}

func readLog(t *testing.T, path string) []*events.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open log: %v", err)
	}
	defer func() { _ = f.Close() }()

	var out []*events.Event
	if _, err := events.ScanLog(f, func(ev *events.Event) error {
		out = append(out, ev)
		return nil
	}); err != nil {
		t.Fatalf("Failed to scan log: %v", err)
	}
	return out
}

func TestLogger_InjectedClock(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())
	fixed := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	l := newTestActivityLogger(t, dir, session, Config{Clock: func() time.Time { return fixed }})

	if _, err := l.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "planner"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	logged := readLog(t, l.cfg.LogPath)
	if len(logged) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(logged))
	}
	if !logged[0].Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want injected clock time %v", logged[0].Timestamp, fixed)
	}
}

func TestLogger_DenseSequentialIDs(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())
	l := newTestActivityLogger(t, dir, session, Config{})

	const n = 50
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := l.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "planner"})
		if err != nil {
			t.Fatalf("Emit %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for i, id := range ids {
		want := events.FormatEventID(session.ID, uint64(i+1))
		if id != want {
			t.Fatalf("Expected id %s at position %d, got %s", want, i, id)
		}
	}

	persisted := readLog(t, l.cfg.LogPath)
	if len(persisted) != n {
		t.Fatalf("Expected %d persisted events, got %d", n, len(persisted))
	}
	for i, ev := range persisted {
		if ev.EventID != ids[i] {
			t.Errorf("Log order mismatch at %d: expected %s, got %s", i, ids[i], ev.EventID)
		}
		if ev.SessionID != session.ID {
			t.Errorf("Wrong session id on %s: %s", ev.EventID, ev.SessionID)
		}
	}
}

func TestLogger_LenientDropsInvalid(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())
	l := newTestActivityLogger(t, dir, session, Config{})
	defer func() { _ = l.Shutdown(context.Background()) }()

	id, err := l.Emit(context.Background(), "made.up.kind", map[string]any{})
	if err != nil {
		t.Fatalf("Lenient emit returned error: %v", err)
	}
	if id != DroppedEventID {
		t.Errorf("Expected %s for invalid event, got %s", DroppedEventID, id)
	}
	if l.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", l.Dropped())
	}

	// The rejected event must not consume a sequence number.
	next, err := l.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "planner"})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if want := events.FormatEventID(session.ID, 1); next != want {
		t.Errorf("Expected %s after a drop, got %s", want, next)
	}
}

func TestLogger_StrictRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())
	l := newTestActivityLogger(t, dir, session, Config{Strict: true})
	defer func() { _ = l.Shutdown(context.Background()) }()

	if _, err := l.Emit(context.Background(), events.ToolUsage, map[string]any{}); err == nil {
		t.Fatal("Expected strict validation error for missing tool field")
	}
	var verr *events.ValidationError
	_, err := l.Emit(context.Background(), events.ToolUsage, map[string]any{})
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if verr.Field != "tool" {
		t.Errorf("Expected failing field tool, got %s", verr.Field)
	}
}

func TestLogger_EmitAfterShutdown(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())
	l := newTestActivityLogger(t, dir, session, Config{})
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	// Idempotent.
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Second shutdown failed: %v", err)
	}

	id, err := l.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "planner"})
	if err != nil {
		t.Fatalf("Lenient emit after shutdown returned error: %v", err)
	}
	if id != DroppedEventID {
		t.Errorf("Expected %s after shutdown, got %s", DroppedEventID, id)
	}
}

func TestLogger_CrashRecovery(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())

	l := newTestActivityLogger(t, dir, session, Config{})
	for i := 0; i < 5; i++ {
		if _, err := l.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "planner"}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Simulate a crash mid-write: a partial record with no newline.
	f, err := os.OpenFile(l.cfg.LogPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("Failed to open log for corruption: %v", err)
	}
	if _, err := f.WriteString(`{"event_id":"evt_` + session.ID + `_000006","session`); err != nil {
		t.Fatalf("Failed to write partial record: %v", err)
	}
	_ = f.Close()

	resumed := newTestActivityLogger(t, dir, session, Config{})
	id, err := resumed.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "reviewer"})
	if err != nil {
		t.Fatalf("Emit after recovery failed: %v", err)
	}
	if want := events.FormatEventID(session.ID, 6); id != want {
		t.Errorf("Expected recovery to resume at %s, got %s", want, id)
	}
	if err := resumed.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after recovery failed: %v", err)
	}

	persisted := readLog(t, resumed.cfg.LogPath)
	if len(persisted) != 6 {
		t.Fatalf("Expected 6 events after recovery, got %d", len(persisted))
	}
	for i, ev := range persisted {
		if want := events.FormatEventID(session.ID, uint64(i+1)); ev.EventID != want {
			t.Errorf("Expected %s at %d, got %s", want, i, ev.EventID)
		}
	}
}

func TestLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(time.Now())
	l := newTestActivityLogger(t, dir, session, Config{
		RotateBytes: 2 * 1024,
		BatchSize:   8,
	})

	const n = 200
	for i := 0; i < n; i++ {
		if _, err := l.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "planner"}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "session_"+session.ID+"_part*.jsonl.gz"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("Expected at least one rotated archive")
	}

	// Every event lands exactly once across the archives plus the
	// current segment.
	seen := map[string]bool{}
	for _, archive := range matches {
		data, err := fsatomic.ReadMaybeGzip(archive)
		if err != nil {
			t.Fatalf("Failed to read archive %s: %v", archive, err)
		}
		tmp := filepath.Join(dir, "inflated.jsonl")
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			t.Fatalf("Failed to stage archive contents: %v", err)
		}
		for _, ev := range readLog(t, tmp) {
			seen[ev.EventID] = true
		}
	}
	for _, ev := range readLog(t, l.cfg.LogPath) {
		if seen[ev.EventID] {
			t.Fatalf("Event %s appears in both archive and current segment", ev.EventID)
		}
		seen[ev.EventID] = true
	}
	if len(seen) != n {
		t.Fatalf("Expected %d distinct events across segments, got %d", n, len(seen))
	}
}

func TestLogger_QueueFullDropPolicy(t *testing.T) {
	// No writer goroutine: the queue stays full so the policy branch is
	// deterministic.
	session := NewSession(time.Now())
	l := &Logger{
		cfg:       Config{QueueSize: 2}.withDefaults(),
		session:   session,
		validator: events.NewValidator(false),
		log:       newTestLog(t),
		clock:     time.Now,
		queue:     make(chan *events.Event, 2),
		done:      make(chan struct{}),
	}

	for i := 0; i < 2; i++ {
		id, err := l.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "planner"})
		if err != nil {
			t.Fatalf("Emit %d failed: %v", i, err)
		}
		if want := events.FormatEventID(session.ID, uint64(i+1)); id != want {
			t.Errorf("Expected %s, got %s", want, id)
		}
	}

	id, err := l.Emit(context.Background(), events.AgentInvoked, map[string]any{"agent": "planner"})
	if err != nil {
		t.Fatalf("Emit on full queue returned error: %v", err)
	}
	if id != DroppedEventID {
		t.Errorf("Expected %s on full queue, got %s", DroppedEventID, id)
	}
	if l.Dropped() != 1 {
		t.Errorf("Expected 1 drop, got %d", l.Dropped())
	}
}
