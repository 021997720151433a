// Package activity implements the durable activity logger: validated,
// non-blocking event submission from many producers, a single background
// writer owning the on-disk log, rotation, and crash recovery.
package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/subagent/subagent/internal/common/fsatomic"
	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
	"github.com/subagent/subagent/internal/events/bus"
)

const (
	defaultQueueSize     = 8192
	defaultBatchSize     = 256
	defaultFlushInterval = 100 * time.Millisecond
	defaultRotateBytes   = 64 * 1024 * 1024
	defaultShutdownGrace = 5 * time.Second

	writeRetries      = 3
	writeRetryBackoff = 100 * time.Millisecond
)

// Config holds activity logger tuning.
type Config struct {
	LogPath       string
	StatePath     string
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	RotateBytes   int64
	// Strict surfaces validation and back-pressure failures to the
	// caller; the default lenient mode drops with a counted warning.
	Strict bool
	// Block makes producers wait on a full queue instead of dropping.
	Block         bool
	ShutdownGrace time.Duration
	// Clock overrides time.Now, for tests. Fixed at construction so the
	// emit path and the writer read it without synchronization.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.RotateBytes <= 0 {
		c.RotateBytes = defaultRotateBytes
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// sidecarState persists the writer's counters so a restart within a live
// session never reuses sequence numbers.
type sidecarState struct {
	SessionID string `json:"session_id"`
	LastSeq   uint64 `json:"last_seq"`
	Part      int    `json:"part"`
}

// Logger accepts event submissions from any number of concurrent
// producers and makes them durable with minimal producer-visible
// latency. Exactly one background goroutine writes the log file.
type Logger struct {
	cfg       Config
	session   *Session
	validator *events.Validator
	bus       bus.EventBus // optional fan-out after durable append
	log       *logger.Logger
	clock     func() time.Time

	mu     sync.Mutex // serializes seq assignment with enqueue order
	seq    uint64
	closed bool
	queue  chan *events.Event

	dropped       atomic.Uint64
	degraded      atomic.Bool
	degradedDrops atomic.Uint64

	file *os.File
	size int64
	part int

	done         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New opens (or recovers) the session log and starts the writer. An
// existing log for the same session is resumed: a partial last record is
// truncated and sequence numbering continues past both the sidecar
// counter and the highest id found on disk.
func New(cfg Config, session *Session, eventBus bus.EventBus, log *logger.Logger) (*Logger, error) {
	cfg = cfg.withDefaults()
	l := &Logger{
		cfg:       cfg,
		session:   session,
		validator: events.NewValidator(cfg.Strict),
		bus:       eventBus,
		log:       log.WithComponent("activity").WithSessionID(session.ID),
		clock:     cfg.Clock,
		queue:     make(chan *events.Event, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	l.validator.Now = func() time.Time { return l.clock() }

	if err := l.recover(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %v", ErrLogWrite, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat log: %v", ErrLogWrite, err)
	}
	l.file = file
	l.size = info.Size()

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Session returns the session this logger writes for.
func (l *Logger) Session() *Session {
	return l.session
}

// Dropped reports events discarded by back-pressure or degraded mode.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load() + l.degradedDrops.Load()
}

// Emit validates the event in the caller's context, assigns the next
// session-scoped id, and enqueues it for the background writer. The
// returned id is final: the writer persists events in exactly this
// order. Under the lenient policy a rejected or dropped event yields
// DroppedEventID and a nil error.
func (l *Logger) Emit(ctx context.Context, eventType string, payload map[string]any) (string, error) {
	return l.emitWithParent(ctx, ParentEventID(ctx), eventType, payload, nil)
}

// EmitWithMetadata is Emit with free-form string metadata attached.
func (l *Logger) EmitWithMetadata(ctx context.Context, eventType string, payload map[string]any, metadata map[string]string) (string, error) {
	return l.emitWithParent(ctx, ParentEventID(ctx), eventType, payload, metadata)
}

func (l *Logger) emitWithParent(ctx context.Context, parent, eventType string, payload map[string]any, metadata map[string]string) (string, error) {
	ev := &events.Event{
		ParentEventID: parent,
		SessionID:     l.session.ID,
		Timestamp:     l.clock(),
		Type:          eventType,
		Payload:       payload,
		Metadata:      metadata,
	}
	if _, err := l.validator.Canonicalize(ev); err != nil {
		if l.cfg.Strict {
			return "", err
		}
		l.dropped.Add(1)
		l.log.Warn("Invalid event dropped", zap.String("event_type", eventType), zap.Error(err))
		return DroppedEventID, nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		if l.cfg.Strict {
			return "", ErrLoggerClosed
		}
		l.dropped.Add(1)
		return DroppedEventID, nil
	}

	ev.EventID = events.FormatEventID(l.session.ID, l.seq+1)
	select {
	case l.queue <- ev:
		l.seq++
		l.mu.Unlock()
		return ev.EventID, nil
	default:
	}

	if l.cfg.Block {
		// Producers explicitly opted into waiting; holding the lock keeps
		// id assignment aligned with queue order.
		select {
		case l.queue <- ev:
			l.seq++
			l.mu.Unlock()
			return ev.EventID, nil
		case <-ctx.Done():
			l.mu.Unlock()
			return "", ctx.Err()
		}
	}

	l.mu.Unlock()
	l.dropped.Add(1)
	if l.cfg.Strict {
		return "", fmt.Errorf("%w: queue full", ErrLogWrite)
	}
	l.log.Warn("Emit queue full, event dropped", zap.String("event_type", eventType))
	return DroppedEventID, nil
}

// run is the single writer loop: it owns the log file, batches queued
// events, and is the ordering authority for the on-disk log.
func (l *Logger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*events.Event, 0, l.cfg.BatchSize)
	for {
		select {
		case <-l.done:
			l.drain(batch)
			return
		case ev := <-l.queue:
			batch = append(batch, ev)
			for len(batch) < l.cfg.BatchSize {
				select {
				case more := <-l.queue:
					batch = append(batch, more)
				default:
					goto collected
				}
			}
		collected:
			if len(batch) >= l.cfg.BatchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// drain empties the queue on shutdown, flushing in batches.
func (l *Logger) drain(batch []*events.Event) {
	for {
		select {
		case ev := <-l.queue:
			batch = append(batch, ev)
			if len(batch) >= l.cfg.BatchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

// flush appends a batch to the log with bounded retries. After retry
// exhaustion the logger enters degraded mode: batches are counted and
// discarded until a write succeeds again, at which point a single
// synthetic error event describes the outage.
func (l *Logger) flush(batch []*events.Event) {
	var buf bytes.Buffer
	for _, ev := range batch {
		line, err := events.EncodeLine(ev)
		if err != nil {
			// Canonical events always encode; a failure here is a bug,
			// not an I/O condition. Skip the record rather than poisoning
			// the batch.
			l.log.Error("Failed to encode event", zap.String("event_id", ev.EventID), zap.Error(err))
			continue
		}
		buf.Write(line)
	}
	if buf.Len() == 0 {
		return
	}

	if err := l.writeWithRetry(buf.Bytes()); err != nil {
		if l.degraded.CompareAndSwap(false, true) {
			l.log.Error("Writer entering degraded mode", zap.Error(err))
		}
		l.degradedDrops.Add(uint64(len(batch)))
		return
	}

	wasDegraded := l.degraded.Swap(false)
	l.persistState()

	if l.bus != nil {
		for _, ev := range batch {
			_ = l.bus.Publish(context.Background(), ev.Clone())
		}
	}

	if wasDegraded {
		l.emitOutageReport()
	}
	if l.size >= l.cfg.RotateBytes {
		l.rotate()
	}
}

func (l *Logger) writeWithRetry(data []byte) error {
	var lastErr error
	backoff := writeRetryBackoff
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		n, err := l.file.Write(data)
		if err == nil {
			l.size += int64(n)
			return nil
		}
		lastErr = err
		if n > 0 {
			// A partial write is repaired on next open by the tail scan;
			// do not retry into the middle of a record.
			l.size += int64(n)
			break
		}
	}
	return fmt.Errorf("%w: %v", ErrLogWrite, lastErr)
}

// emitOutageReport appends a single error event describing the outage
// once the writer recovers. It goes through the normal id path so the
// sequence stays dense.
func (l *Logger) emitOutageReport() {
	drops := l.degradedDrops.Swap(0)
	l.mu.Lock()
	l.seq++
	ev := &events.Event{
		EventID:   events.FormatEventID(l.session.ID, l.seq),
		SessionID: l.session.ID,
		Timestamp: l.clock().UTC().Truncate(time.Millisecond),
		Type:      events.Error,
		Payload: map[string]any{
			"kind":           "LogWriteError",
			"context":        map[string]any{"dropped_events": drops},
			"attempted_fix":  "retry with back-off",
			"fix_successful": true,
		},
	}
	l.mu.Unlock()

	line, err := events.EncodeLine(ev)
	if err != nil {
		return
	}
	if err := l.writeWithRetry(line); err != nil {
		l.log.Error("Failed to record outage report", zap.Error(err))
		return
	}
	l.persistState()
	if l.bus != nil {
		_ = l.bus.Publish(context.Background(), ev)
	}
	l.log.Warn("Writer recovered from degraded mode", zap.Uint64("dropped_events", drops))
}

func (l *Logger) persistState() {
	l.mu.Lock()
	state := sidecarState{SessionID: l.session.ID, LastSeq: l.seq, Part: l.part}
	l.mu.Unlock()
	if err := fsatomic.WriteJSON(l.cfg.StatePath, state, 0o644); err != nil {
		l.log.Warn("Failed to persist log state", zap.Error(err))
	}
}

// Shutdown drains the queue up to the configured grace deadline, flushes
// to disk, and closes the file. Idempotent. A forced close is logged.
func (l *Logger) Shutdown(ctx context.Context) error {
	var err error
	l.shutdownOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)

		drained := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(drained)
		}()

		grace := time.NewTimer(l.cfg.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-drained:
		case <-grace.C:
			remaining := len(l.queue)
			l.dropped.Add(uint64(remaining))
			l.log.Error("Forced close with events still queued", zap.Int("remaining", remaining))
			err = fmt.Errorf("%w: forced close with %d events queued", ErrLogWrite, remaining)
		case <-ctx.Done():
			err = ctx.Err()
		}

		l.persistState()
		if syncErr := l.file.Sync(); syncErr != nil {
			l.log.Warn("Failed to sync log on close", zap.Error(syncErr))
		}
		if closeErr := l.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: close: %v", ErrLogWrite, closeErr)
		}
	})
	return err
}

// recover repairs a pre-existing log for this session: the tail scan
// finds the last complete record, anything beyond it is truncated, and
// the sequence counter resumes past both the sidecar and the log.
func (l *Logger) recover() error {
	var sidecar sidecarState
	if data, err := os.ReadFile(l.cfg.StatePath); err == nil {
		if err := json.Unmarshal(data, &sidecar); err == nil && sidecar.SessionID == l.session.ID {
			l.seq = sidecar.LastSeq
			l.part = sidecar.Part
		}
	}

	f, err := os.Open(l.cfg.LogPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: open for recovery: %v", ErrLogWrite, err)
	}

	var maxSeq uint64
	offset, scanErr := events.ScanLog(f, func(ev *events.Event) error {
		if seq, ok := events.ParseEventSeq(ev.EventID); ok && seq > maxSeq {
			maxSeq = seq
		}
		return nil
	})
	_ = f.Close()
	if scanErr != nil {
		return fmt.Errorf("%w: scan for recovery: %v", ErrLogWrite, scanErr)
	}

	info, err := os.Stat(l.cfg.LogPath)
	if err == nil && info.Size() > offset {
		l.log.Warn("Truncating partial record from previous run",
			zap.Int64("discarded_bytes", info.Size()-offset))
		if err := os.Truncate(l.cfg.LogPath, offset); err != nil {
			return fmt.Errorf("%w: truncate partial record: %v", ErrLogWrite, err)
		}
	}
	if maxSeq > l.seq {
		l.seq = maxSeq
	}
	return nil
}
