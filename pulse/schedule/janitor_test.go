package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/postpulse/errors"
)

func TestJanitorRunOnceDeletesExpiredRows(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	now := utc("2024-06-01T00:00:00Z")

	require.NoError(t, NewStore(db).CreateJob(ctx, dailyJob("JB_j", 1, now)))
	logs := NewExecutionStore(db)
	history := NewHistoryStore(db)

	require.NoError(t, logs.Append(ctx, &ExecutionLogEntry{ID: "PX_old", JobID: "JB_j", ExecutedAt: now.AddDate(0, 0, -40), Status: ExecutionFailed}))
	require.NoError(t, logs.Append(ctx, &ExecutionLogEntry{ID: "PX_new", JobID: "JB_j", ExecutedAt: now.AddDate(0, 0, -5), Status: ExecutionSuccess}))
	require.NoError(t, history.RecordAttempt(ctx, &HistoryRecord{PostID: 1, JobID: "JB_j", Status: ExecutionFailed, CreatedAt: now.AddDate(0, 0, -40)}))
	require.NoError(t, history.RecordAttempt(ctx, &HistoryRecord{PostID: 1, JobID: "JB_j", Status: ExecutionSuccess, CreatedAt: now.AddDate(0, 0, -5)}))

	j, err := NewJanitor(logs, history, newFakeClock(now), JanitorConfig{Days: 30}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	logsDeleted, historyDeleted, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), logsDeleted)
	assert.Equal(t, int64(1), historyDeleted)

	n, err := logs.CountByJob(ctx, "JB_j")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second pass has nothing left to do
	logsDeleted, historyDeleted, err = j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, logsDeleted)
	assert.Zero(t, historyDeleted)
}

func TestJanitorWithoutHistory(t *testing.T) {
	db := createTestDB(t)
	j, err := NewJanitor(NewExecutionStore(db), nil, nil, JanitorConfig{Days: DefaultRetentionDays}, nil)
	require.NoError(t, err)

	_, historyDeleted, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, historyDeleted)
}

func TestNewJanitorRejectsBadConfig(t *testing.T) {
	db := createTestDB(t)

	_, err := NewJanitor(NewExecutionStore(db), nil, nil, JanitorConfig{Days: 0}, nil)
	assert.True(t, errors.IsInvalidArgumentError(err))

	_, err = NewJanitor(NewExecutionStore(db), nil, nil, JanitorConfig{Days: 7, Schedule: "every night"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidArgumentError(err))
	assert.Contains(t, err.Error(), "every night")
}

func TestJanitorStartSchedulesNextRun(t *testing.T) {
	db := createTestDB(t)
	j, err := NewJanitor(NewExecutionStore(db), nil, nil, JanitorConfig{Days: 7, Schedule: "@daily"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	j.Start()
	defer j.Stop()

	assert.Eventually(t, func() bool {
		next := j.NextRun()
		return !next.IsZero() && next.After(time.Now())
	}, time.Second, 10*time.Millisecond)
	assert.True(t, j.NextRun().Before(time.Now().Add(25*time.Hour)))
}
