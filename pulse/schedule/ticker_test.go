package schedule

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// sequenceExecutor records execution order and detects overlap
type sequenceExecutor struct {
	mu       sync.Mutex
	active   int
	overlap  bool
	order    []string
	hold     time.Duration
	failWith error
}

func (e *sequenceExecutor) Execute(ctx context.Context, job *Job) (*ExecutionLogEntry, error) {
	e.mu.Lock()
	e.active++
	if e.active > 1 {
		e.overlap = true
	}
	e.order = append(e.order, job.ID)
	e.mu.Unlock()

	time.Sleep(e.hold)

	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	return &ExecutionLogEntry{JobID: job.ID}, e.failWith
}

func (e *sequenceExecutor) ExecuteDue(ctx context.Context, job *Job, _ time.Time) (*ExecutionLogEntry, error) {
	return e.Execute(ctx, job)
}

func (e *sequenceExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func TestTickExecutesDueJobsSequentiallyInOrder(t *testing.T) {
	db := createTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	now := utc("2024-01-01T12:00:00Z")

	require.NoError(t, store.CreateJob(ctx, dailyJob("JB_b", 1, now.Add(-time.Minute))))
	require.NoError(t, store.CreateJob(ctx, dailyJob("JB_a", 1, now.Add(-time.Hour))))
	require.NoError(t, store.CreateJob(ctx, dailyJob("JB_c", 1, now)))
	require.NoError(t, store.CreateJob(ctx, dailyJob("JB_later", 1, now.Add(time.Hour))))

	exec := &sequenceExecutor{hold: 20 * time.Millisecond}
	ticker := NewTicker(store, exec, newFakeClock(now), DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())

	require.NoError(t, ticker.Tick(ctx))
	assert.Equal(t, []string{"JB_a", "JB_b", "JB_c"}, exec.executed())
	assert.False(t, exec.overlap)

	stats := ticker.GetStats()
	assert.Equal(t, int64(1), stats.TicksSinceStart)
	assert.Equal(t, int64(3), stats.JobsExecuted)
	assert.Equal(t, 3, stats.LastDueCount)
	assert.True(t, stats.LastTickAt.Equal(now))
}

func TestTickContinuesAfterJobError(t *testing.T) {
	db := createTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	now := utc("2024-01-01T12:00:00Z")

	require.NoError(t, store.CreateJob(ctx, dailyJob("JB_1", 1, now.Add(-2*time.Minute))))
	require.NoError(t, store.CreateJob(ctx, dailyJob("JB_2", 1, now.Add(-time.Minute))))

	exec := &sequenceExecutor{failWith: sql.ErrConnDone}
	ticker := NewTicker(store, exec, newFakeClock(now), DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())

	require.NoError(t, ticker.Tick(ctx))
	assert.Equal(t, []string{"JB_1", "JB_2"}, exec.executed())
}

func TestTickStopsOnCancelledContext(t *testing.T) {
	db := createTestDB(t)
	store := NewStore(db)
	now := utc("2024-01-01T12:00:00Z")

	require.NoError(t, store.CreateJob(context.Background(), dailyJob("JB_1", 1, now.Add(-time.Minute))))
	exec := &sequenceExecutor{}
	ticker := NewTicker(store, exec, newFakeClock(now), DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ticker.Tick(ctx)
	require.Error(t, err)
	assert.Empty(t, exec.executed())
}

func TestTickSurvivesQueryFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("FROM scheduled_posts j").WillReturnError(sql.ErrConnDone)
	mock.ExpectQuery("FROM scheduled_posts j").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM scheduled_posts j").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	exec := &sequenceExecutor{}
	ticker := NewTicker(NewStore(mockDB), exec, newFakeClock(utc("2024-01-01T12:00:00Z")), DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())

	ctx := context.Background()
	err = ticker.Tick(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list scheduled jobs")

	// Next tick proceeds normally
	require.NoError(t, ticker.Tick(ctx))
	assert.Equal(t, int64(2), ticker.GetStats().TicksSinceStart)
	assert.Empty(t, exec.executed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTickerStartTicksImmediately(t *testing.T) {
	db := createTestDB(t)
	store := NewStore(db)
	now := time.Now()
	require.NoError(t, store.CreateJob(context.Background(), dailyJob("JB_due", 1, now.Add(-time.Minute))))

	exec := &sequenceExecutor{}
	ticker := NewTicker(store, exec, SystemClock{}, TickerConfig{Interval: time.Hour}, zaptest.NewLogger(t).Sugar())

	ticker.Start(context.Background())
	defer ticker.Stop()

	assert.Eventually(t, func() bool {
		return len(exec.executed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ticker.Running())
}

func TestTickerStartStop(t *testing.T) {
	db := createTestDB(t)
	ticker := NewTicker(NewStore(db), &sequenceExecutor{}, nil, TickerConfig{Interval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())

	ticker.Start(context.Background())
	ticker.Start(context.Background()) // no-op while running

	assert.Eventually(t, func() bool {
		return ticker.GetStats().TicksSinceStart >= 3
	}, 2*time.Second, 5*time.Millisecond)

	ticker.Stop()
	assert.False(t, ticker.Running())
	ticks := ticker.GetStats().TicksSinceStart

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticks, ticker.GetStats().TicksSinceStart)

	ticker.Stop() // idempotent
}

func TestDefaultTickerConfig(t *testing.T) {
	assert.Equal(t, 60*time.Second, DefaultTickerConfig().Interval)

	ticker := NewTicker(nil, nil, nil, TickerConfig{}, nil)
	assert.Equal(t, DefaultTickInterval, ticker.GetStats().Interval)
}

func TestTickSkipsJobFinishedByExecuteNow(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()
	a := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(utc("2024-01-01T09:00:00Z"))})
	b := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(utc("2024-01-01T09:30:00Z"))})

	// While a publishes, b is run by hand
	var fired atomic.Bool
	h.publisher.onPublish = func(PublishRequest) {
		if fired.CompareAndSwap(false, true) {
			_, err := h.service.ExecuteNow(ctx, b.ID)
			assert.NoError(t, err)
		}
	}

	require.NoError(t, h.ticker.Tick(ctx))

	assert.Equal(t, 2, h.publisher.calls())
	n, err := h.logs.CountByJob(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusCompleted, h.reload(t, a.ID).Status)
	assert.Equal(t, StatusCompleted, h.reload(t, b.ID).Status)
	assert.Equal(t, int64(1), h.ticker.GetStats().JobsExecuted)
}

func TestTickSkipsJobCancelledDuringEarlierPublish(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	ctx := context.Background()
	h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(utc("2024-01-01T09:00:00Z"))})
	b := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(utc("2024-01-01T09:30:00Z"))})

	var fired atomic.Bool
	h.publisher.onPublish = func(PublishRequest) {
		if fired.CompareAndSwap(false, true) {
			assert.NoError(t, h.service.CancelSchedule(ctx, b.ID))
		}
	}

	require.NoError(t, h.ticker.Tick(ctx))

	assert.Equal(t, 1, h.publisher.calls())
	assert.Equal(t, StatusCancelled, h.reload(t, b.ID).Status)
	n, err := h.logs.CountByJob(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickSkipsRecurringJobRescheduledDuringTick(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T08:00:00Z"))
	ctx := context.Background()
	h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(utc("2024-01-01T08:30:00Z"))})
	b := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "daily", RecurrenceConfig: &RecurrenceConfig{Time: "09:00"}})
	h.clock.Set(utc("2024-01-01T10:00:00Z"))

	var fired atomic.Bool
	h.publisher.onPublish = func(PublishRequest) {
		if fired.CompareAndSwap(false, true) {
			_, err := h.service.ExecuteNow(ctx, b.ID)
			assert.NoError(t, err)
		}
	}

	require.NoError(t, h.ticker.Tick(ctx))

	assert.Equal(t, 2, h.publisher.calls())
	got := h.reload(t, b.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.NextRunAt.Equal(utc("2024-01-02T09:00:00Z")), "next run %s", got.NextRunAt)
	n, err := h.logs.CountByJob(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTickerStopLetsRunningPublishFinish(t *testing.T) {
	h := newHarness(t, utc("2024-01-01T10:00:00Z"))
	job := h.create(t, CreateScheduleRequest{PostID: 1, RecurrenceType: "once", ScheduledTime: timePtr(utc("2024-01-01T09:00:00Z"))})

	entered := make(chan struct{})
	var once sync.Once
	h.publisher.delay = 300 * time.Millisecond
	h.publisher.onPublish = func(PublishRequest) { once.Do(func() { close(entered) }) }

	h.ticker.Start(context.Background())
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not start")
	}
	h.ticker.Stop()

	got := h.reload(t, job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)

	logs, err := h.logs.ListByJob(context.Background(), job.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ExecutionSuccess, logs[0].Status)
}

func TestTickOnClosedDatabaseLogsAtDebug(t *testing.T) {
	closed, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	core, logs := observer.New(zapcore.DebugLevel)
	ticker := NewTicker(NewStore(closed), &sequenceExecutor{}, newFakeClock(utc("2024-01-01T12:00:00Z")), DefaultTickerConfig(), zap.New(core).Sugar())

	ticker.tick(context.Background())

	assert.Zero(t, logs.FilterMessage("Pulse tick error").Len())
	assert.Equal(t, 1, logs.FilterMessage("Pulse tick skipped, database closed").Len())
}
