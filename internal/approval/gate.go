package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
)

const defaultDecisionTimeout = 10 * time.Minute

// Emitter is the slice of the activity logger the gate records its audit
// trail through. Events reach the bus only after they are durable.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any) (string, error)
}

// Snapshotter captures workspace state before a risky operation runs.
type Snapshotter interface {
	BeforeRisky(ctx context.Context) (string, error)
}

// Config holds gate tuning.
type Config struct {
	QueuePath string
	Policy    Policy
	Timeout   time.Duration
	// Bypass auto-grants everything. Development only; every bypassed
	// decision is still written to the event log.
	Bypass bool
}

// Gate intercepts risky operations. It is the only mutator of the queue
// file; decisions from any entry point are serialized through it.
type Gate struct {
	cfg      Config
	emitter  Emitter
	snapshot Snapshotter
	log      *logger.Logger
	clock    func() time.Time

	mu      sync.Mutex
	queue   *queue
	waiters map[string]chan Status
}

// NewGate loads the persisted queue. Entries still pending from a
// previous run keep waiting; ExpireOverdue reaps the ones already past
// their deadline.
func NewGate(cfg Config, emitter Emitter, snapshot Snapshotter, log *logger.Logger) (*Gate, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDecisionTimeout
	}
	q, err := loadQueue(cfg.QueuePath)
	if err != nil {
		return nil, err
	}
	return &Gate{
		cfg:      cfg,
		emitter:  emitter,
		snapshot: snapshot,
		log:      log.WithComponent("approval"),
		clock:    time.Now,
		queue:    q,
		waiters:  map[string]chan Status{},
	}, nil
}

// Check gates one operation. Below the threshold it returns immediately;
// above it the caller blocks until a decision arrives or the timeout
// expires. This is the one place a producer may block for an externally
// unbounded (but timeout-capped) time.
func (g *Gate) Check(ctx context.Context, op Operation) (Assessment, error) {
	assessment := Assess(op, g.cfg.Policy)

	if g.cfg.Bypass {
		return assessment, g.bypassGrant(ctx, op, assessment)
	}
	if assessment.Score < g.cfg.Policy.Threshold {
		return assessment, nil
	}

	if g.snapshot != nil {
		if _, err := g.snapshot.BeforeRisky(ctx); err != nil {
			g.log.Warn("Pre-approval snapshot failed", zap.Error(err))
		}
	}

	req := &Request{
		ApprovalID:  "apr_" + uuid.New().String()[:8],
		CreatedAt:   g.clock().UTC().Truncate(time.Millisecond),
		Actor:       op.Actor,
		Tool:        op.Tool,
		Operation:   op.Kind,
		Target:      op.Target,
		RiskScore:   assessment.Score,
		RiskReasons: assessment.Reasons,
		RiskVersion: assessment.Version,
		Status:      StatusRequired,
	}

	wait := make(chan Status, 1)
	g.mu.Lock()
	if err := g.queue.put(req); err != nil {
		g.mu.Unlock()
		return assessment, err
	}
	g.waiters[req.ApprovalID] = wait
	g.mu.Unlock()

	_, _ = g.emitter.Emit(ctx, events.ApprovalRequired, map[string]any{
		"approval_id": req.ApprovalID,
		"actor":       op.Actor,
		"tool":        op.Tool,
		"operation":   op.Kind,
		"target":      op.Target,
		"risk_score":  assessment.Score,
		"reasons":     assessment.Reasons,
	})
	g.log.Info("Operation blocked pending approval",
		zap.String("approval_id", req.ApprovalID),
		zap.String("target", op.Target),
		zap.Float64("risk_score", assessment.Score))

	timer := time.NewTimer(g.cfg.Timeout)
	defer timer.Stop()

	select {
	case status := <-wait:
		if status == StatusGranted {
			return assessment, nil
		}
		return assessment, fmt.Errorf("%w: approval %s for %s", ErrDenied, req.ApprovalID, op.Target)
	case <-timer.C:
		g.expire(ctx, req.ApprovalID)
		return assessment, fmt.Errorf("%w: approval %s for %s", ErrExpired, req.ApprovalID, op.Target)
	case <-ctx.Done():
		g.expire(ctx, req.ApprovalID)
		return assessment, ctx.Err()
	}
}

// bypassGrant auto-grants while preserving the audit trail: a required
// and a granted event with the same approval id, decided by "bypass".
func (g *Gate) bypassGrant(ctx context.Context, op Operation, assessment Assessment) error {
	id := "apr_" + uuid.New().String()[:8]
	_, _ = g.emitter.Emit(ctx, events.ApprovalRequired, map[string]any{
		"approval_id": id,
		"actor":       op.Actor,
		"tool":        op.Tool,
		"operation":   op.Kind,
		"target":      op.Target,
		"risk_score":  assessment.Score,
		"reasons":     assessment.Reasons,
	})
	_, _ = g.emitter.Emit(ctx, events.ApprovalGranted, map[string]any{
		"approval_id": id,
		"decided_by":  "bypass",
		"reason":      "approvals bypass enabled",
	})
	g.log.Warn("Approval bypassed",
		zap.String("approval_id", id),
		zap.String("target", op.Target),
		zap.Float64("risk_score", assessment.Score))
	return nil
}

// Decide records an external decision. It is the single mutator for
// decisions regardless of entry point (HTTP or CLI).
func (g *Gate) Decide(ctx context.Context, approvalID string, status Status, actor, reason string) error {
	if status != StatusGranted && status != StatusDenied {
		return fmt.Errorf("invalid decision status %q", status)
	}

	g.mu.Lock()
	req, ok := g.queue.get(approvalID)
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownApproval, approvalID)
	}
	if req.Status != StatusRequired {
		g.mu.Unlock()
		return fmt.Errorf("approval %s already %s", approvalID, req.Status)
	}
	now := g.clock().UTC().Truncate(time.Millisecond)
	req.Status = status
	req.DecidedBy = actor
	req.DecisionReason = reason
	req.DecidedAt = &now
	if err := g.queue.put(req); err != nil {
		g.mu.Unlock()
		return err
	}
	wait := g.waiters[approvalID]
	delete(g.waiters, approvalID)
	g.mu.Unlock()

	eventType := events.ApprovalGranted
	if status == StatusDenied {
		eventType = events.ApprovalDenied
	}
	_, _ = g.emitter.Emit(ctx, eventType, map[string]any{
		"approval_id": approvalID,
		"decided_by":  actor,
		"reason":      reason,
	})

	if wait != nil {
		wait <- status
	}
	return nil
}

// expire transitions a pending request to expired and records a denial
// with reason "expired".
func (g *Gate) expire(ctx context.Context, approvalID string) {
	g.mu.Lock()
	req, ok := g.queue.get(approvalID)
	if !ok || req.Status != StatusRequired {
		g.mu.Unlock()
		return
	}
	now := g.clock().UTC().Truncate(time.Millisecond)
	req.Status = StatusExpired
	req.DecidedAt = &now
	if err := g.queue.put(req); err != nil {
		g.log.Error("Failed to persist expiry", zap.String("approval_id", approvalID), zap.Error(err))
	}
	delete(g.waiters, approvalID)
	g.mu.Unlock()

	_, _ = g.emitter.Emit(ctx, events.ApprovalDenied, map[string]any{
		"approval_id": approvalID,
		"decided_by":  "system",
		"reason":      "expired",
	})
}

// ExpireOverdue reaps loaded entries whose deadline passed while the
// process was down. Call once on start.
func (g *Gate) ExpireOverdue(ctx context.Context) int {
	g.mu.Lock()
	var overdue []string
	cutoff := g.clock().Add(-g.cfg.Timeout)
	for id, req := range g.queue.entries {
		if req.Status == StatusRequired && req.CreatedAt.Before(cutoff) {
			overdue = append(overdue, id)
		}
	}
	g.mu.Unlock()

	for _, id := range overdue {
		g.expire(ctx, id)
	}
	return len(overdue)
}

// List returns queue entries filtered by status; empty matches all.
func (g *Gate) List(status Status) []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.list(status)
}
