package events

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeLine_RoundTrip(t *testing.T) {
	e := &Event{
		EventID:       "evt_s1_000007",
		ParentEventID: "evt_s1_000003",
		SessionID:     "s1",
		Timestamp:     time.Date(2025, 3, 14, 15, 9, 26, 535_000_000, time.UTC),
		Type:          ToolUsage,
		Payload:       map[string]any{"tool": "read", "target": "README.md", "success": true},
		Metadata:      map[string]string{"host": "ci-3"},
	}
	line, err := EncodeLine(e)
	if err != nil {
		t.Fatalf("EncodeLine failed: %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		t.Fatal("Encoded line must end with newline")
	}
	if bytes.Count(line, []byte("\n")) != 1 {
		t.Fatal("Encoded line must be a single line")
	}

	got, err := DecodeLine(line)
	if err != nil {
		t.Fatalf("DecodeLine failed: %v", err)
	}
	if got.EventID != e.EventID || got.ParentEventID != e.ParentEventID {
		t.Errorf("id fields did not survive round trip: %+v", got)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp did not survive round trip: %v != %v", got.Timestamp, e.Timestamp)
	}
	success, ok := got.GetBool("success")
	if got.GetString("tool") != "read" || !ok || !success {
		t.Errorf("payload did not survive round trip: %+v", got.Payload)
	}
	if got.Metadata["host"] != "ci-3" {
		t.Errorf("metadata did not survive round trip: %+v", got.Metadata)
	}
}

func TestDecodeLine_RejectsIncompleteEnvelope(t *testing.T) {
	if _, err := DecodeLine([]byte(`{"event_type":"tool.usage"}` + "\n")); err == nil {
		t.Fatal("Expected error for envelope without ids")
	}
}

func TestScanLog_DiscardsTruncatedTail(t *testing.T) {
	var buf bytes.Buffer
	for i := 1; i <= 3; i++ {
		line, err := EncodeLine(&Event{
			EventID:   FormatEventID("s1", uint64(i)),
			SessionID: "s1",
			Timestamp: time.Now().UTC(),
			Type:      AgentInvoked,
			Payload:   map[string]any{"agent": "planner"},
		})
		if err != nil {
			t.Fatalf("EncodeLine failed: %v", err)
		}
		buf.Write(line)
	}
	complete := int64(buf.Len())
	// Simulate a crash mid-write.
	buf.WriteString(`{"event_id":"evt_s1_0000`)

	var seen []string
	offset, err := ScanLog(strings.NewReader(buf.String()), func(e *Event) error {
		seen = append(seen, e.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanLog failed: %v", err)
	}
	if len(seen) != 3 {
		t.Errorf("Expected 3 complete records, got %d", len(seen))
	}
	if offset != complete {
		t.Errorf("Expected offset %d at last complete record, got %d", complete, offset)
	}
}
