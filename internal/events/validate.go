package events

import (
	"fmt"
	"time"
)

// ValidationError identifies the offending field of a rejected event.
type ValidationError struct {
	Kind   string // event type under validation, when known
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("validation error: %s: field %q: %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation error: field %q: %s", e.Field, e.Reason)
}

// requiredFields lists the payload fields each event kind must carry.
var requiredFields = map[string][]string{
	AgentInvoked:     {"agent"},
	AgentCompleted:   {"agent"},
	AgentFailed:      {"agent"},
	AgentBlocked:     {"agent"},
	ToolUsage:        {"tool"},
	FileOp:           {"op", "path"},
	Decision:         {"question", "selected"},
	Error:            {"kind"},
	ContextSnapshot:  {"tokens_after"},
	Validation:       {"target", "checks"},
	TaskStarted:      {"task_id"},
	TaskStageChanged: {"task_id", "stage"},
	TaskCompleted:    {"task_id"},
	TestRunStarted:   {},
	TestRunCompleted: {"passed", "failed"},
	ApprovalRequired: {"approval_id", "risk_score"},
	ApprovalGranted:  {"approval_id"},
	ApprovalDenied:   {"approval_id"},
	WorkflowStarted:  {"workflow"},
	WorkflowCompleted: {"workflow"},
}

// validFileOps is the closed set of file.op operations.
var validFileOps = map[string]bool{
	"create": true, "read": true, "write": true, "edit": true, "delete": true,
}

// Validator canonicalizes candidate events. In strict mode every defect
// is an error; in lenient mode callers drop the event with a warning.
type Validator struct {
	// Strict causes missing required fields to fail validation rather
	// than being dropped by the caller.
	Strict bool
	// TrustLocal fills missing timestamps with Now. Events arriving from
	// outside the process must carry their own timestamps.
	TrustLocal bool
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// NewValidator returns a validator for locally produced events.
func NewValidator(strict bool) *Validator {
	return &Validator{Strict: strict, TrustLocal: true, Now: time.Now}
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Canonicalize validates e in place and returns it with defaults filled,
// timestamps normalized to UTC millisecond precision, and kind-specific
// payload values normalized. An invalid event is never written: callers
// must discard e when an error is returned.
func (v *Validator) Canonicalize(e *Event) (*Event, error) {
	if e == nil {
		return nil, &ValidationError{Field: "event", Reason: "nil event"}
	}
	if e.SessionID == "" {
		return nil, &ValidationError{Kind: e.Type, Field: "session_id", Reason: "missing"}
	}
	if !KnownKind(e.Type) {
		return nil, &ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown kind %q", e.Type)}
	}

	if e.Timestamp.IsZero() {
		if !v.TrustLocal {
			return nil, &ValidationError{Kind: e.Type, Field: "timestamp", Reason: "missing timestamp from untrusted source"}
		}
		e.Timestamp = v.now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)

	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	for _, field := range requiredFields[e.Type] {
		if _, ok := e.Payload[field]; !ok {
			return nil, &ValidationError{Kind: e.Type, Field: field, Reason: "required field missing"}
		}
	}

	switch e.Type {
	case Validation:
		normalizeChecks(e)
	case TaskStageChanged, TaskCompleted:
		clampProgress(e)
	case FileOp:
		op := e.GetString("op")
		if !validFileOps[op] {
			return nil, &ValidationError{Kind: e.Type, Field: "op", Reason: fmt.Sprintf("unknown operation %q", op)}
		}
	case ApprovalRequired:
		if score, ok := e.GetNumber("risk_score"); ok {
			if score < 0 {
				e.Payload["risk_score"] = 0.0
			} else if score > 1 {
				e.Payload["risk_score"] = 1.0
			}
		}
	}

	return e, nil
}

// normalizeChecks rewrites every check value onto the canonical status
// set. Non-canonical labels never cause the event to be discarded.
func normalizeChecks(e *Event) {
	raw, ok := e.Payload["checks"].(map[string]any)
	if !ok {
		// Already-normalized typed maps pass through.
		if typed, ok := e.Payload["checks"].(map[string]string); ok {
			norm := make(map[string]any, len(typed))
			for name, val := range typed {
				norm[name] = string(NormalizeCheckStatus(val))
			}
			e.Payload["checks"] = norm
		}
		return
	}
	norm := make(map[string]any, len(raw))
	for name, val := range raw {
		switch tv := val.(type) {
		case string:
			norm[name] = string(NormalizeCheckStatus(tv))
		case bool:
			if tv {
				norm[name] = string(CheckPass)
			} else {
				norm[name] = string(CheckFail)
			}
		default:
			norm[name] = string(CheckUnknown)
		}
	}
	e.Payload["checks"] = norm
}

// clampProgress bounds progress_pct to [0, 100].
func clampProgress(e *Event) {
	pct, ok := e.GetNumber("progress_pct")
	if !ok {
		return
	}
	if pct < 0 {
		e.Payload["progress_pct"] = 0.0
	} else if pct > 100 {
		e.Payload["progress_pct"] = 100.0
	}
}
