// Package monitor defines the WebSocket frame types exchanged with
// dashboard clients. All frames are text JSON.
package monitor

import "encoding/json"

// Client-to-server frame types.
const (
	TypeSubscribe = "subscribe"
	TypeSetWindow = "set_window"
)

// Server-to-client frame types.
const (
	TypeEvent   = "event"
	TypeMetrics = "metrics"
	TypeError   = "error"
)

// WindowSizes lists the aggregation windows a client may select, in
// seconds.
var WindowSizes = []int{1, 10, 60, 300}

// ClientMessage is a control frame from a dashboard client.
type ClientMessage struct {
	Type string `json:"type"`
	// Filters restricts the event stream; an empty list subscribes to
	// everything.
	Filters []Filter `json:"filters,omitempty"`
	// WindowSize selects the aggregation window for metrics frames,
	// in seconds.
	WindowSize int `json:"window_size,omitempty"`
}

// Filter matches events by type and/or agent name. Empty fields match
// anything.
type Filter struct {
	EventType string `json:"event_type,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

// ServerMessage is a frame pushed to a dashboard client.
type ServerMessage struct {
	Type    string          `json:"type"`
	Event   json.RawMessage `json:"event,omitempty"`
	Metrics *Metrics        `json:"metrics,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Metrics is the periodic aggregate blob.
type Metrics struct {
	WindowSeconds   int              `json:"window_seconds"`
	EventsPerSecond float64          `json:"events_per_second"`
	ActiveAgents    int              `json:"active_agents"`
	ActiveWorkflows int              `json:"active_workflows"`
	ActiveTasks     int              `json:"active_tasks"`
	ToolCounts      map[string]int64 `json:"tool_counts"`
	ToolFailures    map[string]int64 `json:"tool_failures"`
	DurationP50Ms   float64          `json:"duration_p50_ms"`
	DurationP95Ms   float64          `json:"duration_p95_ms"`
	DurationP99Ms   float64          `json:"duration_p99_ms"`
	Tokens          int64            `json:"tokens"`
	TestsPassed     int64            `json:"tests_passed"`
	TestsFailed     int64            `json:"tests_failed"`
	LastTestStatus  string           `json:"last_test_status,omitempty"`
	LastTestTask    string           `json:"last_test_task,omitempty"`
	AvgTaskProgress float64          `json:"avg_task_progress"`
}
