package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
	"github.com/subagent/subagent/internal/events/bus"
)

func TestIngestor_BusIngestion(t *testing.T) {
	store := newTestStore(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b := bus.NewMemoryEventBus(bus.Options{}, log)
	defer b.Close()

	in := NewIngestor(store, IngestorConfig{FlushInterval: 10 * time.Millisecond}, log)
	require.NoError(t, in.AttachBus(b))

	ctx := context.Background()
	base := time.Now()
	require.NoError(t, b.Publish(ctx, mkEvent("s1", 1, base, events.AgentInvoked, map[string]any{"agent": "planner"})))
	require.NoError(t, b.Publish(ctx, mkEvent("s1", 2, base.Add(time.Second), events.AgentCompleted, map[string]any{
		"agent": "planner", "success": true, "tokens_used": 42,
	})))

	// Delivery and the commit are asynchronous; wait for convergence.
	var eventCount int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, store.ro.Get(&eventCount, `SELECT COUNT(*) FROM events`))
		if eventCount == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	in.Close()

	var agentCount int
	require.NoError(t, store.ro.Get(&eventCount, `SELECT COUNT(*) FROM events`))
	require.NoError(t, store.ro.Get(&agentCount, `SELECT COUNT(*) FROM agents`))
	assert.Equal(t, 2, eventCount)
	assert.Equal(t, 1, agentCount)
	assert.Equal(t, uint64(0), in.Dropped())
}
