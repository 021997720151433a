package events

import (
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2025, 3, 14, 15, 9, 26, 535_000_000, time.UTC)
}

func newTestValidator(strict bool) *Validator {
	v := NewValidator(strict)
	v.Now = fixedClock
	return v
}

func TestCanonicalize_FillsTimestampAndUTC(t *testing.T) {
	v := newTestValidator(false)
	e := &Event{
		SessionID: "20250314T150926Z_ab12cd34",
		Type:      AgentInvoked,
		Payload:   map[string]any{"agent": "planner"},
	}
	out, err := v.Canonicalize(e)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if out.Timestamp != fixedClock() {
		t.Errorf("Expected filled timestamp %v, got %v", fixedClock(), out.Timestamp)
	}
	if out.Timestamp.Location() != time.UTC {
		t.Errorf("Expected UTC timestamp, got %v", out.Timestamp.Location())
	}
}

func TestCanonicalize_RejectsUnknownKind(t *testing.T) {
	v := newTestValidator(true)
	e := &Event{SessionID: "s", Type: "agent.exploded", Payload: map[string]any{}}
	if _, err := v.Canonicalize(e); err == nil {
		t.Fatal("Expected error for unknown event kind")
	}
}

func TestCanonicalize_RejectsMissingRequiredField(t *testing.T) {
	v := newTestValidator(true)
	e := &Event{SessionID: "s", Type: ToolUsage, Payload: map[string]any{"target": "x"}}
	_, err := v.Canonicalize(e)
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("Expected *ValidationError, got %v", err)
	}
	if verr.Field != "tool" {
		t.Errorf("Expected offending field \"tool\", got %q", verr.Field)
	}
}

func TestCanonicalize_NormalizesChecks(t *testing.T) {
	v := newTestValidator(false)
	e := &Event{
		SessionID: "s",
		Type:      Validation,
		Payload: map[string]any{
			"target": "task_1",
			"checks": map[string]any{
				"tests":   "pass",
				"cov":     "warn",
				"secrets": "PASSED",
				"lint":    "1",
				"style":   "whatever",
			},
			"result": "mixed",
		},
	}
	out, err := v.Canonicalize(e)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	checks := out.Payload["checks"].(map[string]any)
	want := map[string]string{
		"tests":   "PASS",
		"cov":     "WARN",
		"secrets": "PASS",
		"lint":    "PASS",
		"style":   "UNKNOWN",
	}
	for name, expect := range want {
		if checks[name] != expect {
			t.Errorf("check %q: expected %s, got %v", name, expect, checks[name])
		}
	}
}

func TestCanonicalize_ClampsProgress(t *testing.T) {
	v := newTestValidator(false)
	for _, tc := range []struct {
		in   float64
		want float64
	}{
		{-10, 0}, {0, 0}, {55, 55}, {120, 100},
	} {
		e := &Event{
			SessionID: "s",
			Type:      TaskCompleted,
			Payload:   map[string]any{"task_id": "t1", "progress_pct": tc.in},
		}
		out, err := v.Canonicalize(e)
		if err != nil {
			t.Fatalf("Canonicalize failed for %v: %v", tc.in, err)
		}
		got, _ := out.GetNumber("progress_pct")
		if got != tc.want {
			t.Errorf("progress %v: expected %v, got %v", tc.in, tc.want, got)
		}
	}
}

func TestCanonicalize_RejectsUnknownFileOp(t *testing.T) {
	v := newTestValidator(true)
	e := &Event{
		SessionID: "s",
		Type:      FileOp,
		Payload:   map[string]any{"op": "truncate", "path": "x.go"},
	}
	if _, err := v.Canonicalize(e); err == nil {
		t.Fatal("Expected error for unknown file op")
	}
}

func TestNormalizeCheckStatus(t *testing.T) {
	cases := map[string]CheckStatus{
		"pass":    CheckPass,
		"Passed":  CheckPass,
		"PASSED":  CheckPass,
		"true":    CheckPass,
		"1":       CheckPass,
		"fail":    CheckFail,
		"0":       CheckFail,
		"skip":    CheckSkip,
		"skipped": CheckSkip,
		"warn":    CheckWarn,
		"warning": CheckWarn,
		"maybe":   CheckUnknown,
		"":        CheckUnknown,
	}
	for in, want := range cases {
		if got := NormalizeCheckStatus(in); got != want {
			t.Errorf("NormalizeCheckStatus(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestFormatEventID_RoundTrip(t *testing.T) {
	id := FormatEventID("20250314T150926Z_ab12cd34", 42)
	if id != "evt_20250314T150926Z_ab12cd34_000042" {
		t.Errorf("Unexpected event id %q", id)
	}
	seq, ok := ParseEventSeq(id)
	if !ok || seq != 42 {
		t.Errorf("ParseEventSeq(%q) = %d, %v", id, seq, ok)
	}
}
