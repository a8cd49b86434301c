package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/postpulse/errors"
)

// DefaultLogLimit caps the number of entries returned for one job
const DefaultLogLimit = 50

// ExecutionStore handles persistence of execution log entries
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution log store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Append writes one execution attempt
func (s *ExecutionStore) Append(ctx context.Context, entry *ExecutionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Status != ExecutionSuccess && entry.Status != ExecutionFailed {
		return errors.NewInvalidArgumentError("unknown execution status %q", entry.Status)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_execution_logs (
			id, scheduled_post_id, executed_at, status, duration_ms,
			error_message, publish_response, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.JobID,
		formatTime(entry.ExecutedAt),
		string(entry.Status),
		entry.DurationMs,
		nullString(entry.ErrorMessage),
		nullString(entry.PublishResponse),
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to append execution log for job %s", entry.JobID)
	}
	return nil
}

// ListByJob returns the most recent entries for a job, newest first.
// limit <= 0 uses DefaultLogLimit.
func (s *ExecutionStore) ListByJob(ctx context.Context, jobID string, limit int) ([]*ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scheduled_post_id, executed_at, status, duration_ms,
		       error_message, publish_response, created_at
		FROM scheduled_execution_logs
		WHERE scheduled_post_id = ?
		ORDER BY executed_at DESC, rowid DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list execution logs for job %s", jobID)
	}
	defer rows.Close()

	var entries []*ExecutionLogEntry
	for rows.Next() {
		var (
			entry                 ExecutionLogEntry
			status                string
			executedAt, createdAt string
			errMsg, response      sql.NullString
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.JobID,
			&executedAt,
			&status,
			&entry.DurationMs,
			&errMsg,
			&response,
			&createdAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution log")
		}

		entry.Status = ExecutionStatus(status)
		entry.ErrorMessage = errMsg.String
		entry.PublishResponse = response.String
		if entry.ExecutedAt, err = parseTime(executedAt); err != nil {
			return nil, errors.Wrapf(err, "failed to parse executed_at for log %s", entry.ID)
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, errors.Wrapf(err, "failed to parse created_at for log %s", entry.ID)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate execution logs")
	}
	return entries, nil
}

// CountByJob returns the total number of attempts logged for a job
func (s *ExecutionStore) CountByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_execution_logs WHERE scheduled_post_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count execution logs for job %s", jobID)
	}
	return n, nil
}

// CleanupOlderThan deletes entries executed before cutoff and returns how many were removed
func (s *ExecutionStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_execution_logs WHERE executed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up execution logs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}
