// Package realtime maintains sliding-window aggregates over the event
// stream and serves them, plus the raw stream, to WebSocket clients.
package realtime

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/subagent/subagent/internal/events"
	"github.com/subagent/subagent/internal/events/bus"
	"github.com/subagent/subagent/pkg/monitor"
)

const (
	// ringSeconds covers the largest selectable window (5 min).
	ringSeconds = 300

	// reservoirCap bounds the duration sample set; ±5% accuracy at p95
	// needs far fewer samples than this.
	reservoirCap = 512
)

// second is one ring slot of per-second counters.
type second struct {
	unix         int64
	eventCount   int64
	tokens       int64
	toolCounts   map[string]int64
	toolFailures map[string]int64
}

// durSample is one agent-completion duration with its arrival time, so
// percentiles can be restricted to a window.
type durSample struct {
	at time.Time
	ms float64
}

// Aggregator folds bus events into sliding-window counters. All state is
// guarded by one mutex; reads take a consistent snapshot.
type Aggregator struct {
	clock func() time.Time

	mu      sync.Mutex
	ring    [ringSeconds]second
	samples []durSample
	seen    int64
	rng     *rand.Rand

	activeAgents    map[string]int
	activeWorkflows map[string]int
	taskProgress    map[string]float64

	testsPassed    int64
	testsFailed    int64
	lastTestStatus string
	lastTestTask   string

	sub bus.Subscription
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		clock:           time.Now,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		activeAgents:    map[string]int{},
		activeWorkflows: map[string]int{},
		taskProgress:    map[string]float64{},
	}
}

// AttachBus subscribes the aggregator to every event.
func (a *Aggregator) AttachBus(b bus.EventBus) error {
	sub, err := b.Subscribe("*", func(ctx context.Context, ev *events.Event) error {
		a.Observe(ev)
		return nil
	})
	if err != nil {
		return err
	}
	a.sub = sub
	return nil
}

// Close detaches from the bus.
func (a *Aggregator) Close() {
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}
}

// Observe folds one event into the aggregates.
func (a *Aggregator) Observe(ev *events.Event) {
	now := a.clock()

	a.mu.Lock()
	defer a.mu.Unlock()

	slot := a.slot(now)
	slot.eventCount++

	switch ev.Type {
	case events.AgentInvoked:
		a.activeAgents[ev.GetString("agent")]++
	case events.AgentCompleted, events.AgentFailed:
		name := ev.GetString("agent")
		if a.activeAgents[name] > 0 {
			a.activeAgents[name]--
			if a.activeAgents[name] == 0 {
				delete(a.activeAgents, name)
			}
		}
		if d, ok := ev.GetNumber("duration_ms"); ok {
			a.observeDuration(now, d)
		}
		if tokens, ok := ev.GetNumber("tokens_used"); ok {
			slot.tokens += int64(tokens)
		}
	case events.WorkflowStarted:
		a.activeWorkflows[ev.GetString("workflow")]++
	case events.WorkflowCompleted:
		name := ev.GetString("workflow")
		if a.activeWorkflows[name] > 0 {
			a.activeWorkflows[name]--
			if a.activeWorkflows[name] == 0 {
				delete(a.activeWorkflows, name)
			}
		}
	case events.ToolUsage:
		if ev.GetString("phase") == "start" {
			break
		}
		tool := ev.GetString("tool")
		if slot.toolCounts == nil {
			slot.toolCounts = map[string]int64{}
			slot.toolFailures = map[string]int64{}
		}
		slot.toolCounts[tool]++
		if ok, has := ev.GetBool("success"); has && !ok {
			slot.toolFailures[tool]++
		}
	case events.ContextSnapshot:
		after, okAfter := ev.GetNumber("tokens_after")
		before, _ := ev.GetNumber("tokens_before")
		if okAfter && after > before {
			slot.tokens += int64(after - before)
		}
	case events.TaskStarted:
		a.taskProgress[ev.GetString("task_id")] = 0
	case events.TaskStageChanged:
		if pct, ok := ev.GetNumber("progress_pct"); ok {
			a.taskProgress[ev.GetString("task_id")] = pct
		}
	case events.TaskCompleted:
		delete(a.taskProgress, ev.GetString("task_id"))
	case events.TestRunCompleted:
		passed, _ := ev.GetNumber("passed")
		failed, _ := ev.GetNumber("failed")
		a.testsPassed += int64(passed)
		a.testsFailed += int64(failed)
		if failed > 0 {
			a.lastTestStatus = "failed"
		} else {
			a.lastTestStatus = "passed"
		}
		if task := ev.GetString("task"); task != "" {
			a.lastTestTask = task
		}
	}
}

// slot returns the ring bucket for now, resetting it when it last held
// an older second.
func (a *Aggregator) slot(now time.Time) *second {
	unix := now.Unix()
	s := &a.ring[unix%ringSeconds]
	if s.unix != unix {
		*s = second{unix: unix}
	}
	return s
}

// observeDuration records a completion duration via reservoir sampling
// (algorithm R), so memory stays bounded under sustained load.
func (a *Aggregator) observeDuration(now time.Time, ms float64) {
	a.seen++
	sample := durSample{at: now, ms: ms}
	if len(a.samples) < reservoirCap {
		a.samples = append(a.samples, sample)
		return
	}
	if idx := a.rng.Int63n(a.seen); idx < int64(reservoirCap) {
		a.samples[idx] = sample
	}
}

// Metrics returns the aggregates over the given window. Windows outside
// the supported set are clamped to the ring size.
func (a *Aggregator) Metrics(window time.Duration) *monitor.Metrics {
	seconds := int(window / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	if seconds > ringSeconds {
		seconds = ringSeconds
	}
	now := a.clock()
	oldest := now.Unix() - int64(seconds) + 1

	a.mu.Lock()
	defer a.mu.Unlock()

	m := &monitor.Metrics{
		WindowSeconds:   seconds,
		ActiveAgents:    len(a.activeAgents),
		ActiveWorkflows: len(a.activeWorkflows),
		ActiveTasks:     len(a.taskProgress),
		ToolCounts:      map[string]int64{},
		ToolFailures:    map[string]int64{},
		TestsPassed:     a.testsPassed,
		TestsFailed:     a.testsFailed,
		LastTestStatus:  a.lastTestStatus,
		LastTestTask:    a.lastTestTask,
	}

	var eventTotal int64
	for i := range a.ring {
		s := &a.ring[i]
		if s.unix < oldest || s.unix > now.Unix() {
			continue
		}
		eventTotal += s.eventCount
		m.Tokens += s.tokens
		for tool, n := range s.toolCounts {
			m.ToolCounts[tool] += n
		}
		for tool, n := range s.toolFailures {
			m.ToolFailures[tool] += n
		}
	}
	m.EventsPerSecond = float64(eventTotal) / float64(seconds)

	cutoff := now.Add(-time.Duration(seconds) * time.Second)
	var durations []float64
	for _, s := range a.samples {
		if !s.at.Before(cutoff) {
			durations = append(durations, s.ms)
		}
	}
	sort.Float64s(durations)
	m.DurationP50Ms = percentileSorted(durations, 0.50)
	m.DurationP95Ms = percentileSorted(durations, 0.95)
	m.DurationP99Ms = percentileSorted(durations, 0.99)

	if len(a.taskProgress) > 0 {
		var sum float64
		for _, pct := range a.taskProgress {
			sum += pct
		}
		m.AvgTaskProgress = sum / float64(len(a.taskProgress))
	}
	return m
}

func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
