package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/metrics"
	"github.com/teranos/postpulse/logger"
)

// DefaultTickInterval is how often the dispatcher looks for due jobs
const DefaultTickInterval = 60 * time.Second

// Executor runs a single job. *Engine is the production implementation.
// ExecuteDue returns a nil entry and nil error for a job it skipped.
type Executor interface {
	Execute(ctx context.Context, job *Job) (*ExecutionLogEntry, error)
	ExecuteDue(ctx context.Context, job *Job, now time.Time) (*ExecutionLogEntry, error)
}

// TickerConfig contains configuration for the dispatcher
type TickerConfig struct {
	Interval time.Duration // How often to check for due jobs (default: 60 seconds)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: DefaultTickInterval,
	}
}

// TickerStats is a snapshot of dispatcher activity
type TickerStats struct {
	Running         bool          `json:"running"`
	Interval        time.Duration `json:"interval"`
	LastTickAt      time.Time     `json:"last_tick_at"`
	TicksSinceStart int64         `json:"ticks_since_start"`
	JobsExecuted    int64         `json:"jobs_executed"`
	LastDueCount    int           `json:"last_due_count"`
}

// Ticker wakes on a fixed interval and feeds due jobs, one at a time and
// in next_run_at order, to the executor.
type Ticker struct {
	store    *Store
	executor Executor
	clock    Clock
	interval time.Duration
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu              sync.Mutex
	running         bool
	lastTickAt      time.Time
	ticksSinceStart int64
	jobsExecuted    int64
	lastDueCount    int
}

// NewTicker creates a new dispatcher
func NewTicker(store *Store, executor Executor, clock Clock, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickInterval
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.Logger
	}
	return &Ticker{
		store:    store,
		executor: executor,
		clock:    clock,
		interval: cfg.Interval,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}
}

// Start begins the ticker loop. The first tick runs immediately.
// Calling Start on a running ticker does nothing.
func (t *Ticker) Start(ctx context.Context) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.cancel != nil {
		return
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(tickerCtx)
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker. An execution in progress finishes first.
func (t *Ticker) Stop() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.cancel = nil

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.pulseLog.Infow("Pulse ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	err := t.Tick(ctx)
	switch {
	case err == nil || ctx.Err() != nil:
	case db.IsDatabaseClosed(err):
		// Only happens when the database is closed under a running ticker
		t.pulseLog.Debugw("Pulse tick skipped, database closed", logger.FieldTick, t.ticks())
	default:
		t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, logger.FieldTick, t.ticks())
	}
}

// Tick runs one dispatch pass: query due jobs and execute them sequentially.
// A failed query skips the pass. A failed job does not stop the others.
// ctx is checked between jobs; a publish already under way is not cancelled.
func (t *Ticker) Tick(ctx context.Context) error {
	now := t.clock.Now()

	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	t.mu.Unlock()
	metrics.TicksTotal.Inc()

	jobs, err := t.store.ListJobsDue(ctx, now)
	if err != nil {
		metrics.TickErrorsTotal.Inc()
		return errors.Wrap(err, "failed to list scheduled jobs")
	}

	t.mu.Lock()
	t.lastDueCount = len(jobs)
	t.mu.Unlock()
	metrics.DueJobs.Set(float64(len(jobs)))

	if len(jobs) == 0 {
		t.logNextJobInfo(ctx, now)
		return nil
	}
	t.pulseLog.Infow("Pulse found due jobs", logger.FieldCount, len(jobs))

	for _, job := range jobs {
		// Check for context cancellation before processing next job
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entry, err := t.executor.ExecuteDue(ctx, job, now)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.pulseLog.Errorw("Failed to execute scheduled job",
				logger.FieldJobID, job.ID,
				logger.FieldPostID, job.PostID,
				logger.FieldError, err)
			// Continue with other jobs even if one fails
		} else if entry == nil {
			continue
		}

		t.mu.Lock()
		t.jobsExecuted++
		t.mu.Unlock()
	}
	return nil
}

// logNextJobInfo logs time until the next scheduled job
func (t *Ticker) logNextJobInfo(ctx context.Context, now time.Time) {
	next, err := t.store.GetNextScheduledJob(ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}
	if next == nil {
		t.pulseLog.Debugw("Pulse - no scheduled executions")
		return
	}

	timeUntil := next.NextRunAt.Sub(now)
	if timeUntil < 0 {
		timeUntil = 0
	}
	t.pulseLog.Debugw("Pulse - next scheduled execution",
		logger.FieldJobID, next.ID,
		logger.FieldPostID, next.PostID,
		"in", timeUntil.Round(time.Second).String())
}

func (t *Ticker) ticks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticksSinceStart
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() TickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TickerStats{
		Running:         t.running,
		Interval:        t.interval,
		LastTickAt:      t.lastTickAt,
		TicksSinceStart: t.ticksSinceStart,
		JobsExecuted:    t.jobsExecuted,
		LastDueCount:    t.lastDueCount,
	}
}

// Running reports whether the loop is active
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
