package snapshot

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
	"github.com/subagent/subagent/internal/events/bus"
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

func newTestEngine(t *testing.T, dir string, cfg Config) *Engine {
	t.Helper()
	cfg.StateDir = dir
	if cfg.CounterPath == "" {
		cfg.CounterPath = filepath.Join(dir, "snapshot.json")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "20260101T000000Z_abcd1234"
	}
	e, err := NewEngine(cfg, nil, newTestLog(t))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func busEvent(eventType string, payload map[string]any) *events.Event {
	return &events.Event{
		EventID:   "evt_s_000001",
		SessionID: "s",
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}
}

func TestEngine_ManualSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, Config{})
	e.SetTranscript("reviewed the parser changes")

	id, err := e.TakeSnapshot(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if id != "snap_000001" {
		t.Errorf("Expected snap_000001, got %s", id)
	}

	snap, err := e.Restore(id)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if snap.SnapshotID != id {
		t.Errorf("Expected snapshot id %s, got %s", id, snap.SnapshotID)
	}
	if snap.Trigger != TriggerManual {
		t.Errorf("Expected trigger manual, got %s", snap.Trigger)
	}
	if snap.Transcript != "reviewed the parser changes" {
		t.Errorf("Transcript lost in round trip: %q", snap.Transcript)
	}
	if snap.SessionID != e.cfg.SessionID {
		t.Errorf("Session id mismatch: %s", snap.SessionID)
	}
}

func TestEngine_AgentCountTrigger(t *testing.T) {
	dir := t.TempDir()
	counterPath := filepath.Join(dir, "snapshot.json")
	// A previously persisted counter; the new snapshot must continue it.
	if err := fsatomic.WriteJSON(counterPath, counterState{Next: 5}, 0o644); err != nil {
		t.Fatalf("Failed to seed counter: %v", err)
	}

	e := newTestEngine(t, dir, Config{CounterPath: counterPath, AgentCountTrigger: 3})
	b := bus.NewMemoryEventBus(bus.Options{}, newTestLog(t))
	defer b.Close()
	if err := e.AttachBus(b); err != nil {
		t.Fatalf("AttachBus failed: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, busEvent(events.AgentInvoked, map[string]any{"agent": "planner"})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	want := e.snapshotPath("snap_000005")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(want); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Snapshot %s never appeared", want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, err := e.Restore("snap_000005")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if snap.Trigger != TriggerAgentCount {
		t.Errorf("Expected trigger %s, got %s", TriggerAgentCount, snap.Trigger)
	}

	// Exactly one snapshot for the three invocations.
	matches, _ := filepath.Glob(filepath.Join(dir, "session_*_snap_*.json"))
	if len(matches) != 1 {
		t.Errorf("Expected exactly one snapshot file, got %d", len(matches))
	}
}

func TestEngine_CounterMonotonicAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	e1 := newTestEngine(t, dir, Config{})
	first, err := e1.TakeSnapshot(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("First snapshot failed: %v", err)
	}

	e2 := newTestEngine(t, dir, Config{})
	second, err := e2.TakeSnapshot(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Second snapshot failed: %v", err)
	}
	if first != "snap_000001" || second != "snap_000002" {
		t.Errorf("Expected snap_000001 then snap_000002, got %s then %s", first, second)
	}
}

func TestEngine_CompressedSnapshot(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, Config{Compress: true})

	id, err := e.TakeSnapshot(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if _, err := os.Stat(e.snapshotPath(id)); err != nil {
		t.Fatalf("Expected gzipped snapshot file: %v", err)
	}
	if _, err := e.Restore(id); err != nil {
		t.Fatalf("Restore of compressed snapshot failed: %v", err)
	}
}

func TestEngine_RestoreValidatesSchema(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, Config{})

	path := e.snapshotPath("snap_000009")
	if err := os.WriteFile(path, []byte(`{"session_id":"s"}`), 0o644); err != nil {
		t.Fatalf("Failed to plant invalid snapshot: %v", err)
	}
	_, err := e.Restore("snap_000009")
	if err == nil {
		t.Fatal("Expected schema validation error")
	}
	var keyErr *KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("Expected KeyError, got %v", err)
	}
	if keyErr.Key != "snapshot_id" {
		t.Errorf("Expected missing snapshot_id, got %s", keyErr.Key)
	}
	if !errors.Is(err, ErrSnapshot) {
		t.Error("KeyError should unwrap to ErrSnapshot")
	}
}

func TestEngine_TracksModifiedFiles(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, Config{})

	ctx := context.Background()
	_ = e.onEvent(ctx, busEvent(events.FileOp, map[string]any{"op": "write", "path": "src/x.py", "hash": "abc123"}))
	_ = e.onEvent(ctx, busEvent(events.FileOp, map[string]any{"op": "read", "path": "README.md"}))

	id, err := e.TakeSnapshot(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	snap, err := e.Restore(id)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(snap.Files.Paths) != 1 {
		t.Fatalf("Expected only the written file, got %d entries", len(snap.Files.Paths))
	}
	if snap.Files.Paths[0].Path != "src/x.py" || snap.Files.Paths[0].Hash != "abc123" {
		t.Errorf("Unexpected file entry: %+v", snap.Files.Paths[0])
	}

	// The next snapshot starts from a clean modified set.
	id2, err := e.TakeSnapshot(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Second snapshot failed: %v", err)
	}
	snap2, err := e.Restore(id2)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(snap2.Files.Paths) != 0 {
		t.Errorf("Expected empty modified set after snapshot, got %d", len(snap2.Files.Paths))
	}
}
