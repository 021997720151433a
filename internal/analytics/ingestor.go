package analytics

import (
	"bytes"
	"context"
	"fmt"
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
	defaultBatchRows     = 100
	defaultIngestFlush   = 250 * time.Millisecond
	defaultIngestQueue   = 4096
	ingestCommitRetries  = 3
	ingestCommitBackoff  = 100 * time.Millisecond
	defaultDrainDeadline = 5 * time.Second
)

// IngestorConfig holds batching parameters for live ingestion.
type IngestorConfig struct {
	BatchRows     int
	FlushInterval time.Duration
	QueueSize     int
}

func (c IngestorConfig) withDefaults() IngestorConfig {
	if c.BatchRows <= 0 {
		c.BatchRows = defaultBatchRows
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultIngestFlush
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultIngestQueue
	}
	return c
}

// Ingestor feeds the store from a bus subscription, batching events so
// each commit covers up to BatchRows rows or FlushInterval of arrivals,
// whichever comes first. The same rows are produced when replaying a log
// file instead.
type Ingestor struct {
	store *Store
	cfg   IngestorConfig
	log   *logger.Logger

	queue   chan *events.Event
	sub     bus.Subscription
	dropped atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewIngestor starts the batching consumer.
func NewIngestor(store *Store, cfg IngestorConfig, log *logger.Logger) *Ingestor {
	in := &Ingestor{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log.WithComponent("analytics.ingest"),
		done:  make(chan struct{}),
	}
	in.queue = make(chan *events.Event, in.cfg.QueueSize)
	in.wg.Add(1)
	go in.run()
	return in
}

// AttachBus subscribes the ingestor to every event on the bus.
func (in *Ingestor) AttachBus(b bus.EventBus) error {
	sub, err := b.Subscribe("*", func(ctx context.Context, ev *events.Event) error {
		select {
		case in.queue <- ev:
		default:
			in.dropped.Add(1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	in.sub = sub
	return nil
}

// Dropped reports events discarded because the ingest queue was full.
// The store converges anyway once the log is replayed.
func (in *Ingestor) Dropped() uint64 {
	return in.dropped.Load()
}

// Close detaches from the bus, drains the queue, and commits the final
// batch.
func (in *Ingestor) Close() {
	in.closeOnce.Do(func() {
		if in.sub != nil {
			_ = in.sub.Unsubscribe()
		}
		close(in.done)
		in.wg.Wait()
	})
}

func (in *Ingestor) run() {
	defer in.wg.Done()
	ticker := time.NewTicker(in.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*events.Event, 0, in.cfg.BatchRows)
	for {
		select {
		case <-in.done:
			for {
				select {
				case ev := <-in.queue:
					batch = append(batch, ev)
					if len(batch) >= in.cfg.BatchRows {
						in.commit(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						in.commit(batch)
					}
					return
				}
			}
		case ev := <-in.queue:
			batch = append(batch, ev)
			if len(batch) >= in.cfg.BatchRows {
				in.commit(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				in.commit(batch)
				batch = batch[:0]
			}
		}
	}
}

// commit writes a batch with bounded retries. A batch that cannot be
// committed is dropped and counted; ingestion is idempotent, so a later
// log replay restores the missing rows.
func (in *Ingestor) commit(batch []*events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDrainDeadline)
	defer cancel()

	var lastErr error
	backoff := ingestCommitBackoff
	for attempt := 0; attempt <= ingestCommitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if lastErr = in.store.IngestBatch(ctx, batch); lastErr == nil {
			return
		}
	}
	in.dropped.Add(uint64(len(batch)))
	in.log.Error("Dropping batch after retry exhaustion",
		zap.Int("batch_size", len(batch)), zap.Error(lastErr))
}

// ReplayLog rebuilds derived rows from an on-disk event log, current or
// gzip-archived. Rows are identical to those the bus path produces.
func (s *Store) ReplayLog(ctx context.Context, path string) (int, error) {
	data, err := fsatomic.ReadMaybeGzip(path)
	if err != nil {
		return 0, fmt.Errorf("%w: read log: %v", ErrIngest, err)
	}

	total := 0
	batch := make([]*events.Event, 0, defaultBatchRows)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.IngestBatch(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	if _, err := events.ScanLog(bytes.NewReader(data), func(ev *events.Event) error {
		batch = append(batch, ev)
		if len(batch) >= defaultBatchRows {
			return flush()
		}
		return nil
	}); err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}
