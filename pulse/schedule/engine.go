package schedule

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/metrics"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/vanity-id"
)

// DefaultPublishTimeout bounds a single publisher call
const DefaultPublishTimeout = 300 * time.Second

// ExecutionBroadcaster defines interface for broadcasting execution events
// This avoids circular dependency between schedule and server packages
type ExecutionBroadcaster interface {
	BroadcastExecutionStarted(job *Job, executionID string)
	BroadcastExecutionFinished(job *Job, entry *ExecutionLogEntry)
}

// EngineConfig contains configuration for the execution engine
type EngineConfig struct {
	PublishTimeout time.Duration // Per-publish deadline; 0 disables it
	Platform       string        // Recorded on publish history rows
}

// DefaultEngineConfig returns sensible defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PublishTimeout: DefaultPublishTimeout,
		Platform:       DefaultPlatform,
	}
}

// EngineDeps are the collaborators an Engine drives. History, Throttle and
// Broadcaster are optional.
type EngineDeps struct {
	Jobs        *Store
	Logs        *ExecutionStore
	History     *HistoryStore
	Posts       PayloadRepository
	Publisher   Publisher
	Throttle    Throttle
	Calculator  *Calculator
	Retry       *RetryPolicy
	Clock       Clock
	Broadcaster ExecutionBroadcaster
}

// errNotDue marks a dispatcher pick whose job was rescheduled past the tick
var errNotDue = errors.New("scheduled job is not due")

// Engine runs one job at a time through load, publish, log and reschedule
type Engine struct {
	jobs        *Store
	logs        *ExecutionStore
	history     *HistoryStore
	posts       PayloadRepository
	publisher   Publisher
	throttle    Throttle
	calc        *Calculator
	retry       *RetryPolicy
	clock       Clock
	broadcaster ExecutionBroadcaster
	cfg         EngineConfig
	tracer      trace.Tracer
	logger      *zap.SugaredLogger
	pulseLog    *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewEngine creates an execution engine
func NewEngine(deps EngineDeps, cfg EngineConfig, log *zap.SugaredLogger) *Engine {
	if deps.Calculator == nil {
		deps.Calculator = NewCalculator(time.UTC)
	}
	if deps.Retry == nil {
		deps.Retry = NewRetryPolicy(nil)
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if cfg.Platform == "" {
		cfg.Platform = DefaultPlatform
	}
	if log == nil {
		log = logger.Logger
	}

	return &Engine{
		jobs:        deps.Jobs,
		logs:        deps.Logs,
		history:     deps.History,
		posts:       deps.Posts,
		publisher:   deps.Publisher,
		throttle:    deps.Throttle,
		calc:        deps.Calculator,
		retry:       deps.Retry,
		clock:       deps.Clock,
		broadcaster: deps.Broadcaster,
		cfg:         cfg,
		tracer:      otel.Tracer("github.com/teranos/postpulse/pulse/schedule"),
		logger:      log,
		pulseLog:    logger.AddPulseSymbol(log),
		inflight:    make(map[string]struct{}),
	}
}

// SetBroadcaster attaches an event sink after construction
func (e *Engine) SetBroadcaster(b ExecutionBroadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcaster = b
}

// Execute performs one attempt for job, bypassing its due time. The job is
// re-read under the per-job lock and must still be pending.
//
// Publish failures are not returned as errors: they are logged, counted and
// handed to the retry policy. The returned error reports bookkeeping
// failures (store writes), ErrConflict when the job is already running or no
// longer pending, and a throttle wait cut short by ctx. Once the publish
// starts, cancelling ctx no longer aborts it; PublishTimeout bounds it.
func (e *Engine) Execute(ctx context.Context, job *Job) (*ExecutionLogEntry, error) {
	return e.execute(ctx, job.ID, time.Time{})
}

// ExecuteDue runs job for the dispatcher. A job that was deleted, is no
// longer pending, is already running or was rescheduled past now is skipped:
// the entry and error are both nil.
func (e *Engine) ExecuteDue(ctx context.Context, job *Job, now time.Time) (*ExecutionLogEntry, error) {
	entry, err := e.execute(ctx, job.ID, now)
	if entry == nil && err != nil &&
		(errors.IsConflictError(err) || errors.IsNotFoundError(err) || errors.Is(err, errNotDue)) {
		e.pulseLog.Debugw("Skipping scheduled job picked by an earlier query",
			logger.FieldJobID, job.ID,
			logger.FieldReason, err.Error())
		return nil, nil
	}
	return entry, err
}

func (e *Engine) execute(ctx context.Context, jobID string, dueBy time.Time) (*ExecutionLogEntry, error) {
	job, err := e.claim(ctx, jobID, dueBy)
	if err != nil {
		return nil, err
	}
	defer e.release(jobID)

	if e.throttle != nil {
		if err := e.throttle.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "publish throttle wait for job %s", jobID)
		}
	}

	return e.run(context.WithoutCancel(ctx), job)
}

// claim takes the per-job lock and returns the stored job. The caller's copy
// may be stale: a dispatcher pass holds the due list for the whole tick.
func (e *Engine) claim(ctx context.Context, jobID string, dueBy time.Time) (*Job, error) {
	if !e.acquire(jobID) {
		return nil, errors.WithHint(
			errors.NewConflictError("scheduled job %s is already executing", jobID),
			"wait for the current attempt to finish",
		)
	}

	job, err := e.jobs.GetJob(ctx, jobID)
	switch {
	case err != nil:
		e.release(jobID)
		return nil, err
	case job.Status != StatusPending:
		e.release(jobID)
		return nil, errors.WithHint(
			errors.NewConflictError("scheduled job %s is %s", jobID, job.Status),
			"update the schedule to reset it to pending before running it",
		)
	case !dueBy.IsZero() && job.NextRunAt.After(dueBy):
		e.release(jobID)
		return nil, errors.Wrapf(errNotDue, "job %s next runs at %s", jobID, job.NextRunAt.Format(time.RFC3339))
	}
	return job, nil
}

// run performs the attempt. ctx carries no cancellation.
func (e *Engine) run(ctx context.Context, job *Job) (*ExecutionLogEntry, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int64("post.id", job.PostID),
		attribute.String("job.recurrence_type", string(job.RecurrenceType())),
		attribute.Int("job.retry_count", job.RetryCount),
	))
	defer span.End()

	started := e.clock.Now()
	entry := &ExecutionLogEntry{
		ID:         id.GenerateExecutionID(),
		JobID:      job.ID,
		ExecutedAt: started,
	}
	log := e.pulseLog.With(
		logger.FieldJobID, job.ID,
		logger.FieldPostID, job.PostID,
		logger.FieldExecutionID, entry.ID,
	)
	log.Infow("Publishing scheduled post",
		logger.FieldRecurrenceType, job.RecurrenceType(),
		logger.FieldRetryCount, job.RetryCount)

	broadcaster := e.currentBroadcaster()
	if broadcaster != nil {
		broadcaster.BroadcastExecutionStarted(job, entry.ID)
	}

	payload, outcome, runErr := e.attempt(ctx, job)

	finished := e.clock.Now()
	duration := finished.Sub(started)
	entry.DurationMs = duration.Milliseconds()
	entry.PublishResponse = outcome.JSON()
	entry.CreatedAt = finished
	if runErr == nil {
		entry.Status = ExecutionSuccess
	} else {
		entry.Status = ExecutionFailed
		entry.ErrorMessage = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, entry.ErrorMessage)
	}

	metrics.JobExecutionsTotal.WithLabelValues(string(job.RecurrenceType()), string(entry.Status)).Inc()
	metrics.PublishDuration.WithLabelValues(string(entry.Status)).Observe(duration.Seconds())

	var bookErr error

	if err := e.logs.Append(ctx, entry); err != nil {
		log.Errorw("Failed to append execution log", logger.FieldError, err)
		bookErr = err
	}

	var updated *Job
	if runErr == nil {
		if err := e.posts.MarkPublished(ctx, job.PostID, outcome.NoteID, outcome.NoteURL); err != nil {
			log.Warnw("Failed to mark post published", logger.FieldError, err)
		}
		var err error
		if updated, err = e.onSuccess(job, finished); err != nil {
			log.Errorw("Failed to compute next run", logger.FieldError, err)
			bookErr = err
		}
	} else {
		updated = e.retry.OnFailure(job, entry.ErrorMessage, finished)
	}

	applied, err := e.jobs.UpdateJobAfterExecution(ctx, updated)
	switch {
	case err != nil:
		log.Errorw("Failed to persist job state", logger.FieldError, err)
		if bookErr == nil {
			bookErr = err
		}
	case !applied:
		log.Infow("Job changed during execution, keeping its current state")
	case updated.Status == StatusFailed:
		metrics.JobTerminalFailuresTotal.Inc()
	}

	e.recordHistory(ctx, job, payload, outcome, entry)

	if broadcaster != nil {
		broadcaster.BroadcastExecutionFinished(updated, entry)
	}

	if runErr == nil {
		log.Infow("Published",
			logger.FieldNoteID, outcome.NoteID,
			logger.FieldStatus, updated.Status,
			logger.FieldNextRunAt, updated.NextRunAt.Format(time.RFC3339),
			logger.FieldDurationMS, entry.DurationMs)
	} else {
		log.Warnw("Publish failed",
			logger.FieldError, entry.ErrorMessage,
			logger.FieldStatus, updated.Status,
			logger.FieldRetryCount, updated.RetryCount,
			logger.FieldMaxRetries, updated.MaxRetries,
			logger.FieldNextRunAt, updated.NextRunAt.Format(time.RFC3339),
			logger.FieldDurationMS, entry.DurationMs)
	}

	return entry, bookErr
}

// attempt loads the payload and publishes it. Any failure is returned as an error.
func (e *Engine) attempt(ctx context.Context, job *Job) (*Payload, *PublishOutcome, error) {
	payload, err := e.posts.GetPayload(ctx, job.PostID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, nil, errors.Wrapf(errors.ErrPayloadMissing, "post %d", job.PostID)
		}
		return nil, nil, errors.Wrapf(err, "failed to load post %d", job.PostID)
	}
	if len(payload.Images) == 0 {
		return payload, nil, errors.Wrapf(errors.ErrPayloadInvalid, "post %d has no images", job.PostID)
	}

	outcome, err := e.publish(ctx, job, payload)
	if err != nil {
		return payload, outcome, err
	}
	if !outcome.Published() {
		return payload, outcome, errors.New(outcome.FailureReason())
	}
	return payload, outcome, nil
}

func (e *Engine) publish(ctx context.Context, job *Job, payload *Payload) (outcome *PublishOutcome, err error) {
	if e.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.PublishTimeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "publisher.Publish", trace.WithAttributes(
		attribute.Int("post.images", len(payload.Images)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = errors.Newf("publisher panicked: %v", r)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	outcome, err = e.publisher.Publish(ctx, PublishRequest{
		Title:     payload.Title,
		Content:   payload.Content,
		Images:    payload.Images,
		Tags:      payload.Tags,
		AccountID: job.AccountID,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcome, errors.Mark(
				errors.Wrapf(err, "publish timed out after %s", e.cfg.PublishTimeout),
				errors.ErrTimeout,
			)
		}
		return outcome, errors.Wrap(err, "publish failed")
	}
	if outcome == nil {
		return nil, errors.New("publisher returned no outcome")
	}
	return outcome, nil
}

// onSuccess resets retry state. once jobs complete; recurring jobs move to
// their next occurrence, never earlier than the run they were already due for.
func (e *Engine) onSuccess(job *Job, now time.Time) (*Job, error) {
	updated := *job
	updated.RetryCount = 0
	updated.LastError = ""
	updated.LastRunAt = &now

	if !job.RecurrenceType().IsRecurring() {
		updated.Status = StatusCompleted
		return &updated, nil
	}

	next, err := e.calc.NextRun(job.Recurrence, now)
	if err != nil {
		return &updated, errors.Wrapf(err, "job %s", job.ID)
	}
	if next.Before(job.NextRunAt) {
		next = job.NextRunAt
	}
	updated.Status = StatusPending
	updated.NextRunAt = next
	return &updated, nil
}

func (e *Engine) recordHistory(ctx context.Context, job *Job, payload *Payload, outcome *PublishOutcome, entry *ExecutionLogEntry) {
	if e.history == nil {
		return
	}

	rec := &HistoryRecord{
		PostID:       job.PostID,
		JobID:        job.ID,
		Platform:     e.cfg.Platform,
		Status:       entry.Status,
		DurationMs:   entry.DurationMs,
		ErrorMessage: entry.ErrorMessage,
		Response:     entry.PublishResponse,
		RetryCount:   job.RetryCount,
		IsRetry:      job.IsRetry(),
		CreatedAt:    entry.CreatedAt,
	}
	if outcome != nil && entry.Succeeded() {
		rec.NoteID = outcome.NoteID
		rec.NoteURL = outcome.NoteURL
	}
	if payload != nil {
		rec.ImagesCount = len(payload.Images)
		rec.ContentLength = utf8.RuneCountInString(payload.Content)
	}

	if err := e.history.RecordAttempt(ctx, rec); err != nil {
		e.pulseLog.Warnw("Failed to record publish history",
			logger.FieldJobID, job.ID,
			logger.FieldError, err)
	}
}

func (e *Engine) acquire(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[jobID]; busy {
		return false
	}
	e.inflight[jobID] = struct{}{}
	return true
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, jobID)
}

func (e *Engine) currentBroadcaster() ExecutionBroadcaster {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broadcaster
}
