package activity

import (
	"context"

	"github.com/subagent/subagent/internal/events"
)

// The enclosing event id travels in the context of the logical producer,
// never in process-wide state, so scopes from unrelated producers cannot
// intermix even when they share goroutines.
type parentKey struct{}

// withParent returns a context carrying the given event id as the
// enclosing scope for emits made under it.
func withParent(ctx context.Context, eventID string) context.Context {
	if eventID == "" || eventID == DroppedEventID {
		return ctx
	}
	return context.WithValue(ctx, parentKey{}, eventID)
}

// ParentEventID reports the enclosing scope's event id, empty at top level.
func ParentEventID(ctx context.Context) string {
	id, _ := ctx.Value(parentKey{}).(string)
	return id
}

// WithinAgent runs fn inside an agent scope: an agent.invoked event opens
// the scope, events emitted by fn carry it as their parent, and an
// agent.completed (or agent.failed) event closes it with the measured
// duration.
func (l *Logger) WithinAgent(ctx context.Context, agent, invokedBy, reason string, fn func(ctx context.Context) error) error {
	start := l.clock()
	openID, emitErr := l.Emit(ctx, events.AgentInvoked, map[string]any{
		"agent":      agent,
		"invoked_by": invokedBy,
		"reason":     reason,
	})
	if emitErr != nil {
		return emitErr
	}

	err := fn(withParent(ctx, openID))

	durationMs := l.clock().Sub(start).Milliseconds()
	if err != nil {
		_, _ = l.Emit(ctx, events.AgentFailed, map[string]any{
			"agent":       agent,
			"error":       err.Error(),
			"duration_ms": durationMs,
		})
		return err
	}
	_, _ = l.Emit(ctx, events.AgentCompleted, map[string]any{
		"agent":       agent,
		"success":     true,
		"duration_ms": durationMs,
	})
	return nil
}

// WithinTool runs fn inside a tool scope. The opening tool.usage event
// (phase "start") becomes the parent of events emitted by fn; the
// closing tool.usage event carries success and duration and is the one
// the analytics store turns into a tools row.
func (l *Logger) WithinTool(ctx context.Context, tool, target string, fn func(ctx context.Context) error) error {
	start := l.clock()
	openID, emitErr := l.Emit(ctx, events.ToolUsage, map[string]any{
		"tool":   tool,
		"target": target,
		"phase":  "start",
	})
	if emitErr != nil {
		return emitErr
	}

	err := fn(withParent(ctx, openID))

	payload := map[string]any{
		"tool":        tool,
		"target":      target,
		"phase":       "end",
		"success":     err == nil,
		"duration_ms": l.clock().Sub(start).Milliseconds(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	_, _ = l.emitWithParent(ctx, openID, events.ToolUsage, payload, nil)
	return err
}
