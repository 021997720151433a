// Package events defines the event schema for the activity stream: the
// closed catalog of event kinds, the wire envelope, and validation.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Agent lifecycle events
const (
	AgentInvoked   = "agent.invoked"
	AgentCompleted = "agent.completed"
	AgentFailed    = "agent.failed"
	AgentBlocked   = "agent.blocked"
)

// Tool lifecycle events
const (
	ToolUsage = "tool.usage"
)

// File operation events
const (
	FileOp = "file.op"
)

// Decision and error events
const (
	Decision = "decision"
	Error    = "error"
)

// Context and validation events
const (
	ContextSnapshot = "context.snapshot"
	Validation      = "validation"
)

// Task lifecycle events
const (
	TaskStarted      = "task.started"
	TaskStageChanged = "task.stage_changed"
	TaskCompleted    = "task.completed"
)

// Test telemetry events
const (
	TestRunStarted   = "test.run_started"
	TestRunCompleted = "test.run_completed"
)

// Approval events
const (
	ApprovalRequired = "approval.required"
	ApprovalGranted  = "approval.granted"
	ApprovalDenied   = "approval.denied"
)

// Workflow lifecycle events
const (
	WorkflowStarted   = "workflow.started"
	WorkflowCompleted = "workflow.completed"
)

// knownKinds is the closed catalog. Any kind outside it is a validation
// error, never silently accepted.
var knownKinds = map[string]bool{
	AgentInvoked:      true,
	AgentCompleted:    true,
	AgentFailed:       true,
	AgentBlocked:      true,
	ToolUsage:         true,
	FileOp:            true,
	Decision:          true,
	Error:             true,
	ContextSnapshot:   true,
	Validation:        true,
	TaskStarted:       true,
	TaskStageChanged:  true,
	TaskCompleted:     true,
	TestRunStarted:    true,
	TestRunCompleted:  true,
	ApprovalRequired:  true,
	ApprovalGranted:   true,
	ApprovalDenied:    true,
	WorkflowStarted:   true,
	WorkflowCompleted: true,
}

// KnownKind reports whether kind is part of the closed catalog.
func KnownKind(kind string) bool {
	return knownKinds[kind]
}

// Kinds returns the closed catalog of event kinds.
func Kinds() []string {
	out := make([]string, 0, len(knownKinds))
	for k := range knownKinds {
		out = append(out, k)
	}
	return out
}

// Event is the atomic record of something that happened. Events are
// immutable once assigned an id by the activity logger.
type Event struct {
	EventID       string            `json:"event_id"`
	ParentEventID string            `json:"parent_event_id,omitempty"`
	SessionID     string            `json:"session_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Type          string            `json:"event_type"`
	Payload       map[string]any    `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy. Subscribers receive copies so no consumer
// can mutate the durable record.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// FormatEventID renders a session-scoped event id: evt_<session>_<6-digit seq>.
func FormatEventID(sessionID string, seq uint64) string {
	return fmt.Sprintf("evt_%s_%06d", sessionID, seq)
}

// ParseEventSeq extracts the sequence number from an event id produced by
// FormatEventID. Returns false for foreign or malformed ids.
func ParseEventSeq(eventID string) (uint64, bool) {
	idx := strings.LastIndex(eventID, "_")
	if idx < 0 || !strings.HasPrefix(eventID, "evt_") {
		return 0, false
	}
	seq, err := strconv.ParseUint(eventID[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// CheckStatus is the canonical result of a single validation check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "PASS"
	CheckFail    CheckStatus = "FAIL"
	CheckSkip    CheckStatus = "SKIP"
	CheckWarn    CheckStatus = "WARN"
	CheckUnknown CheckStatus = "UNKNOWN"
)

// NormalizeCheckStatus maps the many spellings seen on the wire onto the
// canonical set. Unknown spellings normalize to UNKNOWN rather than
// failing the event.
func NormalizeCheckStatus(raw string) CheckStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass", "passed", "true", "1", "ok", "success":
		return CheckPass
	case "fail", "failed", "false", "0", "failure":
		return CheckFail
	case "skip", "skipped":
		return CheckSkip
	case "warn", "warning":
		return CheckWarn
	default:
		return CheckUnknown
	}
}

// GetString reads a string payload field, empty when absent or mistyped.
func (e *Event) GetString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// GetBool reads a bool payload field. The second return distinguishes
// an absent or mistyped field from an explicit false.
func (e *Event) GetBool(key string) (bool, bool) {
	if e.Payload == nil {
		return false, false
	}
	b, ok := e.Payload[key].(bool)
	return b, ok
}

// GetNumber reads a numeric payload field. JSON decoding produces
// float64; events built in-process may carry native ints.
func (e *Event) GetNumber(key string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
