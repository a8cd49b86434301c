package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/metrics"
)

func TestEngineSuccessOnceJobCompletes(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T00:01:00Z"))
	ctx := context.Background()

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(utc("2024-01-01T00:00:00Z"))})

	entry, err := h.engine.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSuccess, entry.Status)

	got := h.reload(t, job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Zero(t, got.RetryCount)
	require.NotNil(t, got.LastRunAt)

	mark, ok := h.posts.mark(1)
	require.True(t, ok)
	assert.Equal(t, "note-1", mark.NoteID)

	require.Len(t, h.publisher.requests, 1)
	assert.Equal(t, []string{"/data/images/tea-1.jpg"}, h.publisher.requests[0].Images)
}

func TestEngineSuccessResetsRetryState(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily", RecurrenceConfig: &RecurrenceConfig{Time: "09:00"}})

	h.publisher.outcome = &PublishOutcome{Success: false, ErrorMessage: "net error"}
	_, err := h.engine.Execute(ctx, job)
	require.NoError(t, err)

	failed := h.reload(t, job.ID)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "net error", failed.LastError)

	h.clock.Advance(time.Hour)
	h.publisher.outcome = &PublishOutcome{Success: true, NoteID: "n2"}
	_, err = h.engine.Execute(ctx, failed)
	require.NoError(t, err)

	got := h.reload(t, job.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.True(t, got.NextRunAt.Equal(utc("2024-01-02T09:00:00Z")), "next run %s", got.NextRunAt)
}

func TestEngineRecurringNextRunNeverMovesBackward(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T08:30:00Z"))
	ctx := context.Background()

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily", RecurrenceConfig: &RecurrenceConfig{Time: "09:00"}})
	// A retry pushed the job past today's slot
	job.NextRunAt = utc("2024-01-01T09:30:00Z")
	require.NoError(t, h.jobs.SaveJob(ctx, job))

	_, err := h.engine.Execute(ctx, job)
	require.NoError(t, err)

	got := h.reload(t, job.ID)
	assert.False(t, got.NextRunAt.Before(job.NextRunAt))
}

func TestEngineMissingPostGoesThroughRetry(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()

	job := h.create(t, CreateScheduleRequest{PostID: 42, RecurrenceType: "daily"})

	entry, err := h.engine.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "payload missing")
	assert.Zero(t, h.publisher.calls())

	got := h.reload(t, job.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextRunAt.Equal(utc("2024-01-01T11:00:00Z")))
}

func TestEnginePostWithoutImagesGoesThroughRetry(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	h.posts.payloads[5] = &Payload{PostID: 5, Title: "text only"}

	job := h.create(t, CreateScheduleRequest{PostID: 5, RecurrenceType: "daily"})
	entry, err := h.engine.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, entry.ErrorMessage, "has no images")
	assert.Equal(t, 1, h.reload(t, job.ID).RetryCount)
}

func TestEngineTransportErrorIsFailure(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	h.publisher.outcome = nil
	h.publisher.err = errors.New("connection refused")

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})
	entry, err := h.engine.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "connection refused")
	assert.Empty(t, entry.PublishResponse)
}

func TestEngineUnconfirmedPublishIsFailure(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	h.publisher.outcome = &PublishOutcome{Success: true, Status: "reviewing"}

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})
	entry, err := h.engine.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, entry.Status)
	assert.Contains(t, entry.PublishResponse, "reviewing")

	_, published := h.posts.mark(1)
	assert.False(t, published)
}

func TestEngineRecoversPublisherPanic(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	h.publisher.panicMsg = "nil map write"

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})
	entry, err := h.engine.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "publisher panicked: nil map write")
	assert.Equal(t, 1, h.reload(t, job.ID).RetryCount)
}

func TestEnginePublishTimeout(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	h.publisher.delay = time.Second
	h.engine.cfg.PublishTimeout = 20 * time.Millisecond

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})
	entry, err := h.engine.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "timed out")
}

func TestEngineBookkeepingSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})

	ctx, cancel := context.WithCancel(context.Background())
	h.publisher.onPublish = func(PublishRequest) { cancel() }

	_, err := h.engine.Execute(ctx, job)
	require.NoError(t, err)

	logs, err := h.logs.ListByJob(context.Background(), job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestEngineCallerCancelDoesNotAbortPublish(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})

	ctx, cancel := context.WithCancel(context.Background())
	h.publisher.delay = 50 * time.Millisecond
	h.publisher.onPublish = func(PublishRequest) { cancel() }

	entry, err := h.engine.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSuccess, entry.Status)
	assert.Zero(t, h.reload(t, job.ID).RetryCount)
}

func TestEngineRereadsStoredJob(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()
	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})
	require.NoError(t, h.service.CancelSchedule(ctx, job.ID))

	// job still says pending
	_, err := h.engine.Execute(ctx, job)
	assert.True(t, errors.IsConflictError(err))
	assert.Zero(t, h.publisher.calls())
}

func TestEngineExecuteDueSkips(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()
	now := h.clock.Now()

	// Not due until tomorrow 09:00
	notDue := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})
	entry, err := h.engine.ExecuteDue(ctx, notDue, now)
	require.NoError(t, err)
	assert.Nil(t, entry)

	deleted := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(now)})
	require.NoError(t, h.service.DeleteSchedule(ctx, deleted.ID))
	entry, err = h.engine.ExecuteDue(ctx, deleted, now)
	require.NoError(t, err)
	assert.Nil(t, entry)

	due := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(now)})
	entry, err = h.engine.ExecuteDue(ctx, due, now)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ExecutionSuccess, entry.Status)
	assert.Equal(t, 1, h.publisher.calls())
}

// slowThrottle holds every attempt for wait
type slowThrottle struct {
	wait  time.Duration
	err   error
	calls atomic.Int32
}

func (s *slowThrottle) Wait(ctx context.Context) error {
	s.calls.Add(1)
	if s.err != nil {
		return s.err
	}
	select {
	case <-time.After(s.wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestEngineThrottleWaitIsOutsidePublishDeadline(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	throttle := &slowThrottle{wait: 80 * time.Millisecond}
	h.engine.throttle = throttle
	h.engine.cfg.PublishTimeout = 20 * time.Millisecond

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})
	entry, err := h.engine.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSuccess, entry.Status)
	assert.Equal(t, int32(1), throttle.calls.Load())
}

func TestEngineThrottleFailureUsesNoRetry(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()
	h.engine.throttle = &slowThrottle{err: context.DeadlineExceeded}

	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})
	entry, err := h.engine.Execute(ctx, job)
	require.Error(t, err)
	assert.Nil(t, entry)
	assert.Contains(t, err.Error(), "throttle")
	assert.Zero(t, h.publisher.calls())

	got := h.reload(t, job.ID)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
	n, err := h.logs.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The lock is released
	h.engine.throttle = nil
	_, err = h.engine.Execute(ctx, job)
	require.NoError(t, err)
}

func TestEngineCancelDuringExecutionSticks(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()
	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})

	h.publisher.onPublish = func(PublishRequest) {
		require.NoError(t, h.service.CancelSchedule(ctx, job.ID))
	}

	entry, err := h.engine.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSuccess, entry.Status)

	got := h.reload(t, job.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	logs, err := h.logs.ListByJob(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestEngineRefusesConcurrentExecutionOfSameJob(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()
	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})

	entered := make(chan struct{})
	release := make(chan struct{})
	h.publisher.onPublish = func(PublishRequest) {
		close(entered)
		<-release
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.engine.Execute(ctx, job)
	}()

	<-entered
	_, err := h.engine.Execute(ctx, job)
	assert.True(t, errors.IsConflictError(err))

	close(release)
	wg.Wait()
	assert.Equal(t, 1, h.publisher.calls())
}

func TestEngineRecordsHistoryAndEvents(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()
	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily"})

	entry, err := h.engine.Execute(ctx, job)
	require.NoError(t, err)

	records, total, err := h.history.ListHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	rec := records[0]
	assert.Equal(t, job.ID, rec.JobID)
	assert.Equal(t, "note-1", rec.NoteID)
	assert.Equal(t, 1, rec.ImagesCount)
	assert.Equal(t, len([]rune(imagePost(1).Content)), rec.ContentLength)
	assert.False(t, rec.IsRetry)

	require.Len(t, h.events.started, 1)
	assert.Equal(t, entry.ID, h.events.started[0])
	require.Len(t, h.events.finished, 1)
	assert.Equal(t, ExecutionSuccess, h.events.finished[0].Status)
}

func TestEngineCountsExecutions(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "weekly"})

	counter := metrics.JobExecutionsTotal.WithLabelValues("weekly", "success")
	before := testutil.ToFloat64(counter)

	_, err := h.engine.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(EngineDeps{}, EngineConfig{}, zaptest.NewLogger(t).Sugar())
	assert.NotNil(t, e.calc)
	assert.NotNil(t, e.retry)
	assert.NotNil(t, e.clock)
	assert.Equal(t, DefaultPlatform, e.cfg.Platform)
}
