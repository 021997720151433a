// Package snapshot captures point-in-time workspace state so a session
// can be resumed after a crash or handed off. Snapshots are immutable
// JSON files; the engine owns them and the persisted id counter.
package snapshot

import (
	"errors"
	"time"
)

// Trigger reasons, in the priority order the engine evaluates them.
const (
	TriggerManual      = "manual"
	TriggerAgentCount  = "agent_count"
	TriggerTokenCount  = "token_count"
	TriggerBeforeRisky = "before_risky"
	TriggerTime        = "time"
)

// ErrSnapshot indicates a capture or restore failure.
var ErrSnapshot = errors.New("snapshot error")

// Snapshot is the on-disk capture format. Every field below is a
// required top-level key of the file.
type Snapshot struct {
	SnapshotID string                  `json:"snapshot_id"`
	SessionID  string                  `json:"session_id"`
	Timestamp  time.Time               `json:"timestamp"`
	Trigger    string                  `json:"trigger"`
	Transcript string                  `json:"transcript"`
	Files      FileSet                 `json:"files"`
	Agents     map[string]AgentContext `json:"agents"`
	Tasks      []TaskState             `json:"tasks"`
	Tokens     TokenUsage              `json:"tokens"`
}

// FileSet lists paths modified since the previous snapshot plus the
// workspace git fingerprint when one is available.
type FileSet struct {
	Git   *GitFingerprint `json:"git,omitempty"`
	Paths []FileState     `json:"paths"`
}

// FileState records one modified path.
type FileState struct {
	Path string `json:"path"`
	Op   string `json:"op"`
	Hash string `json:"hash,omitempty"`
}

// AgentContext summarizes one agent's context at capture time.
type AgentContext struct {
	TokensUsed      int64    `json:"tokens_used"`
	TokensRemaining int64    `json:"tokens_remaining"`
	Files           []string `json:"files,omitempty"`
}

// TaskState is the task-graph excerpt: active tasks and their progress.
type TaskState struct {
	TaskID      string  `json:"task_id"`
	Stage       string  `json:"stage,omitempty"`
	ProgressPct float64 `json:"progress_pct"`
}

// TokenUsage is the session token accounting at capture time.
type TokenUsage struct {
	Used          int64 `json:"used"`
	Budget        int64 `json:"budget,omitempty"`
	SinceSnapshot int64 `json:"since_snapshot"`
}

// validate checks the required keys of a parsed snapshot file.
func (s *Snapshot) validate() error {
	switch {
	case s.SnapshotID == "":
		return errorMissing("snapshot_id")
	case s.SessionID == "":
		return errorMissing("session_id")
	case s.Timestamp.IsZero():
		return errorMissing("timestamp")
	case s.Trigger == "":
		return errorMissing("trigger")
	}
	return nil
}

func errorMissing(key string) error {
	return &KeyError{Key: key}
}

// KeyError reports a missing required top-level key in a snapshot file.
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string {
	return "snapshot error: missing required key " + e.Key
}

func (e *KeyError) Unwrap() error { return ErrSnapshot }
