package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subagent/subagent/internal/common/fsatomic"
	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
	"github.com/subagent/subagent/internal/events/bus"
)

const (
	defaultAgentCountTrigger = 10
	defaultTokenTrigger      = 20000
	defaultWriteTimeout      = 5 * time.Second

	writeAttempts     = 3
	writeRetryBackoff = 250 * time.Millisecond
)

// Emitter is the slice of the activity logger the engine needs to report
// capture failures into the event stream.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any) (string, error)
}

// Config holds snapshot engine tuning.
type Config struct {
	StateDir    string
	CounterPath string
	SessionID   string
	// WorkDir is the workspace fingerprinted via git. Empty disables the
	// fingerprint.
	WorkDir           string
	AgentCountTrigger int
	TokenTrigger      int64
	// Periodic enables time-based captures; zero disables them.
	Periodic     time.Duration
	Compress     bool
	GitTimeout   time.Duration
	WriteTimeout time.Duration
	TokenBudget  int64
}

func (c Config) withDefaults() Config {
	if c.AgentCountTrigger <= 0 {
		c.AgentCountTrigger = defaultAgentCountTrigger
	}
	if c.TokenTrigger <= 0 {
		c.TokenTrigger = defaultTokenTrigger
	}
	if c.GitTimeout <= 0 {
		c.GitTimeout = defaultGitTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Engine tracks live session state from the bus and captures it when a
// trigger fires. It is the only writer of snapshot files and the counter.
type Engine struct {
	cfg     Config
	log     *logger.Logger
	emitter Emitter
	clock   func() time.Time

	mu          sync.Mutex
	counter     *counter
	transcript  string
	files       map[string]FileState
	agents      map[string]AgentContext
	tasks       map[string]TaskState
	tokensUsed  int64
	tokensSince int64
	agentsSince int

	sub       bus.Subscription
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine loads the persisted counter and returns an idle engine.
// AttachBus starts trigger evaluation.
func NewEngine(cfg Config, emitter Emitter, log *logger.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	ctr, err := loadCounter(cfg.CounterPath)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		log:     log.WithComponent("snapshot").WithSessionID(cfg.SessionID),
		emitter: emitter,
		clock:   time.Now,
		counter: ctr,
		files:   map[string]FileState{},
		agents:  map[string]AgentContext{},
		tasks:   map[string]TaskState{},
		done:    make(chan struct{}),
	}, nil
}

// AttachBus subscribes the engine to the event stream and, when
// configured, starts the periodic trigger.
func (e *Engine) AttachBus(b bus.EventBus) error {
	sub, err := b.Subscribe("*", e.onEvent)
	if err != nil {
		return err
	}
	e.sub = sub

	if e.cfg.Periodic > 0 {
		e.wg.Add(1)
		go e.periodicLoop()
	}
	return nil
}

// Close detaches from the bus and stops the periodic trigger.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if e.sub != nil {
			_ = e.sub.Unsubscribe()
		}
		e.wg.Wait()
	})
}

// SetTranscript updates the running transcript summary captured into the
// next snapshot.
func (e *Engine) SetTranscript(text string) {
	e.mu.Lock()
	e.transcript = text
	e.mu.Unlock()
}

func (e *Engine) periodicLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Periodic)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if _, err := e.TakeSnapshot(context.Background(), TriggerTime); err != nil {
				e.log.Warn("Periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

// onEvent folds one event into the live trackers and fires a snapshot
// when a counting trigger crosses its threshold.
func (e *Engine) onEvent(ctx context.Context, ev *events.Event) error {
	trigger := ""

	e.mu.Lock()
	switch ev.Type {
	case events.AgentInvoked:
		name := ev.GetString("agent")
		if _, ok := e.agents[name]; !ok {
			e.agents[name] = AgentContext{}
		}
		e.agentsSince++
	case events.AgentCompleted, events.AgentFailed:
		name := ev.GetString("agent")
		if tokens, ok := ev.GetNumber("tokens_used"); ok {
			agent := e.agents[name]
			agent.TokensUsed += int64(tokens)
			if e.cfg.TokenBudget > 0 {
				agent.TokensRemaining = e.cfg.TokenBudget - agent.TokensUsed
			}
			e.agents[name] = agent
		}
	case events.ContextSnapshot:
		after, okAfter := ev.GetNumber("tokens_after")
		before, _ := ev.GetNumber("tokens_before")
		if okAfter {
			e.tokensUsed = int64(after)
			if delta := int64(after - before); delta > 0 {
				e.tokensSince += delta
			}
		}
	case events.FileOp:
		op := ev.GetString("op")
		if op != "read" {
			path := ev.GetString("path")
			e.files[path] = FileState{Path: path, Op: op, Hash: ev.GetString("hash")}
		}
	case events.TaskStarted:
		id := ev.GetString("task_id")
		e.tasks[id] = TaskState{TaskID: id}
	case events.TaskStageChanged:
		id := ev.GetString("task_id")
		task := e.tasks[id]
		task.TaskID = id
		task.Stage = ev.GetString("stage")
		if pct, ok := ev.GetNumber("progress_pct"); ok {
			task.ProgressPct = pct
		}
		e.tasks[id] = task
	case events.TaskCompleted:
		delete(e.tasks, ev.GetString("task_id"))
	}

	switch {
	case e.agentsSince >= e.cfg.AgentCountTrigger:
		trigger = TriggerAgentCount
	case e.tokensSince >= e.cfg.TokenTrigger:
		trigger = TriggerTokenCount
	}
	e.mu.Unlock()

	if trigger != "" {
		if _, err := e.TakeSnapshot(ctx, trigger); err != nil {
			e.log.Warn("Triggered snapshot failed", zap.String("trigger", trigger), zap.Error(err))
		}
	}
	return nil
}

// BeforeRisky captures state ahead of an operation that needs approval.
func (e *Engine) BeforeRisky(ctx context.Context) (string, error) {
	return e.TakeSnapshot(ctx, TriggerBeforeRisky)
}

// TakeSnapshot captures the current trackers into an immutable snapshot
// file. The id counter is persisted before the file is written, so ids
// never repeat even when the write fails. On terminal write failure the
// id is empty, the error is returned, and a SnapshotError event is
// emitted; a success identifier is never returned for a failed write.
func (e *Engine) TakeSnapshot(ctx context.Context, trigger string) (string, error) {
	git := (*GitFingerprint)(nil)
	if e.cfg.WorkDir != "" {
		git = gitFingerprint(ctx, e.cfg.WorkDir, e.cfg.GitTimeout)
	}

	e.mu.Lock()
	id, err := e.counter.allocate()
	if err != nil {
		e.mu.Unlock()
		e.reportFailure(ctx, trigger, err)
		return "", err
	}
	snap := e.buildLocked(id, trigger, git)
	e.mu.Unlock()

	if err := e.write(ctx, snap); err != nil {
		e.reportFailure(ctx, trigger, err)
		return "", err
	}

	e.mu.Lock()
	e.files = map[string]FileState{}
	e.agentsSince = 0
	e.tokensSince = 0
	e.mu.Unlock()

	e.log.Info("Snapshot written",
		zap.String("snapshot_id", id),
		zap.String("trigger", trigger))
	return id, nil
}

func (e *Engine) buildLocked(id, trigger string, git *GitFingerprint) *Snapshot {
	paths := make([]FileState, 0, len(e.files))
	for _, f := range e.files {
		paths = append(paths, f)
	}
	agents := make(map[string]AgentContext, len(e.agents))
	for name, agent := range e.agents {
		agents[name] = agent
	}
	tasks := make([]TaskState, 0, len(e.tasks))
	for _, task := range e.tasks {
		tasks = append(tasks, task)
	}
	return &Snapshot{
		SnapshotID: id,
		SessionID:  e.cfg.SessionID,
		Timestamp:  e.clock().UTC().Truncate(time.Millisecond),
		Trigger:    trigger,
		Transcript: e.transcript,
		Files:      FileSet{Git: git, Paths: paths},
		Agents:     agents,
		Tasks:      tasks,
		Tokens: TokenUsage{
			Used:          e.tokensUsed,
			Budget:        e.cfg.TokenBudget,
			SinceSnapshot: e.tokensSince,
		},
	}
}

// write persists the snapshot atomically with bounded retries.
func (e *Engine) write(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrSnapshot, err)
	}

	path := e.snapshotPath(snap.SnapshotID)
	var lastErr error
	backoff := writeRetryBackoff
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrSnapshot, ctx.Err())
			}
			backoff *= 2
		}
		if e.cfg.Compress {
			lastErr = fsatomic.WriteFileGzip(path, data, 0o644)
		} else {
			lastErr = fsatomic.WriteFile(path, data, 0o644)
		}
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: write %s: %v", ErrSnapshot, filepath.Base(path), lastErr)
}

func (e *Engine) reportFailure(ctx context.Context, trigger string, err error) {
	e.log.Error("Snapshot capture failed", zap.String("trigger", trigger), zap.Error(err))
	if e.emitter == nil {
		return
	}
	_, _ = e.emitter.Emit(ctx, events.Error, map[string]any{
		"kind":    "SnapshotError",
		"context": map[string]any{"trigger": trigger, "error": err.Error()},
	})
}

func (e *Engine) snapshotPath(snapshotID string) string {
	name := fmt.Sprintf("session_%s_%s.json", e.cfg.SessionID, snapshotID)
	if e.cfg.Compress {
		name += ".gz"
	}
	return filepath.Join(e.cfg.StateDir, name)
}

// Restore parses and validates a snapshot by id. It is a pure read: the
// workspace is never mutated.
func (e *Engine) Restore(snapshotID string) (*Snapshot, error) {
	base := filepath.Join(e.cfg.StateDir, fmt.Sprintf("session_%s_%s.json", e.cfg.SessionID, snapshotID))
	path := base
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = base + ".gz"
	}

	data, err := fsatomic.ReadMaybeGzip(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrSnapshot, snapshotID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrSnapshot, snapshotID, err)
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}
