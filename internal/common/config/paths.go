package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// legacyDataDir is the pre-rename data root some installations still expect.
const legacyDataDir = ".claude"

// Paths resolves the on-disk layout under the data root. Every durable
// component receives its directory from here; nothing else computes paths.
type Paths struct {
	Root string
}

// NewPaths returns the path layout rooted at the configured data dir.
func NewPaths(cfg *Config) Paths {
	return Paths{Root: cfg.DataDir}
}

// LogsDir holds the current and archived session event logs.
func (p Paths) LogsDir() string { return filepath.Join(p.Root, "logs") }

// StateDir holds snapshot files.
func (p Paths) StateDir() string { return filepath.Join(p.Root, "state") }

// AnalyticsDir holds the analytics store.
func (p Paths) AnalyticsDir() string { return filepath.Join(p.Root, "analytics") }

// AnalyticsDB is the analytics store file.
func (p Paths) AnalyticsDB() string { return filepath.Join(p.AnalyticsDir(), "tracking.db") }

// HandoffsDir holds generated handoff summaries.
func (p Paths) HandoffsDir() string { return filepath.Join(p.Root, "handoffs") }

// ApprovalsDir holds the approval queue.
func (p Paths) ApprovalsDir() string { return filepath.Join(p.Root, "approvals") }

// QueueFile is the authoritative approval queue file.
func (p Paths) QueueFile() string { return filepath.Join(p.ApprovalsDir(), "queue.json") }

// CountersDir holds persisted counters.
func (p Paths) CountersDir() string { return filepath.Join(p.Root, "counters") }

// SnapshotCounterFile persists the snapshot id counter across restarts.
func (p Paths) SnapshotCounterFile() string { return filepath.Join(p.CountersDir(), "snapshot.json") }

// SessionLog returns the current log file for a session.
func (p Paths) SessionLog(sessionID string) string {
	return filepath.Join(p.LogsDir(), fmt.Sprintf("session_%s.jsonl", sessionID))
}

// SessionLogState returns the sidecar state file for a session log.
func (p Paths) SessionLogState(sessionID string) string {
	return filepath.Join(p.LogsDir(), fmt.Sprintf("session_%s.state.json", sessionID))
}

// SnapshotFile returns the path for a snapshot, without compression suffix.
func (p Paths) SnapshotFile(sessionID, snapshotID string) string {
	return filepath.Join(p.StateDir(), fmt.Sprintf("session_%s_%s.json", sessionID, snapshotID))
}

// HandoffFile returns the handoff summary path for a session.
func (p Paths) HandoffFile(sessionID string) string {
	return filepath.Join(p.HandoffsDir(), fmt.Sprintf("session_%s_handoff.md", sessionID))
}

// EnsureLayout creates the directory layout, failing with a configuration
// error when the data root is not writable.
func (p Paths) EnsureLayout() error {
	dirs := []string{
		p.Root,
		p.LogsDir(),
		p.StateDir(),
		p.AnalyticsDir(),
		p.HandoffsDir(),
		p.ApprovalsDir(),
		p.CountersDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("configuration error: data root %q is not writable: %w", p.Root, err)
		}
	}
	return nil
}

// MigrateLegacyAlias creates a compatibility symlink from the legacy data
// root to the current one. An existing legacy path is left untouched.
func (p Paths) MigrateLegacyAlias() error {
	parent := filepath.Dir(p.Root)
	alias := filepath.Join(parent, legacyDataDir)
	if _, err := os.Lstat(alias); err == nil {
		return nil
	}
	target, err := filepath.Abs(p.Root)
	if err != nil {
		return err
	}
	return os.Symlink(target, alias)
}
