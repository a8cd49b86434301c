package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/postpulse/errors"
)

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for stores that share it
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = `
	j.id, j.post_id, j.account_id, j.recurrence_type, j.recurrence_config,
	j.scheduled_time, j.status, j.retry_count, j.max_retries, j.last_error,
	j.next_run_at, j.last_run_at, j.created_at, j.updated_at`

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status         Status
	PostID         int64
	RecurrenceType RecurrenceType
	Limit          int
}

// CreateJob inserts a new scheduled job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.Recurrence == nil {
		return errors.NewInvalidArgumentError("job %s has no recurrence rule", job.ID)
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_posts (
			id, post_id, account_id, recurrence_type, recurrence_config,
			scheduled_time, status, retry_count, max_retries, last_error,
			next_run_at, last_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.PostID,
		nullString(job.AccountID),
		string(job.RecurrenceType()),
		job.Recurrence.Config().JSON(),
		nullTime(job.ScheduledTime),
		string(job.Status),
		job.RetryCount,
		job.MaxRetries,
		nullString(job.LastError),
		formatTime(job.NextRunAt),
		nullTime(job.LastRunAt),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create scheduled job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a scheduled job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`, p.title, p.status
		FROM scheduled_posts j
		LEFT JOIN posts p ON p.id = j.post_id
		WHERE j.id = ?`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("scheduled job %s not found", id)
		}
		return nil, errors.Wrapf(err, "failed to get scheduled job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs matching filter with the post title and status joined in.
// Results are ordered by next_run_at ASC.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		conds = append(conds, "j.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PostID != 0 {
		conds = append(conds, "j.post_id = ?")
		args = append(args, filter.PostID)
	}
	if filter.RecurrenceType != "" {
		conds = append(conds, "j.recurrence_type = ?")
		args = append(args, string(filter.RecurrenceType))
	}

	query := `
		SELECT ` + jobColumns + `, p.title, p.status
		FROM scheduled_posts j
		LEFT JOIN posts p ON p.id = j.post_id`
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += "\n\t\tORDER BY j.next_run_at ASC, j.created_at ASC"
	if filter.Limit > 0 {
		query += "\n\t\tLIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryJobs(ctx, query, args...)
}

// ListJobsDue returns pending jobs whose next_run_at is at or before now.
// Results are ordered by next_run_at ASC (oldest due jobs first) for deterministic execution.
func (s *Store) ListJobsDue(ctx context.Context, now time.Time) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `, NULL, NULL
		FROM scheduled_posts j
		WHERE j.status = ? AND j.next_run_at <= ?
		ORDER BY j.next_run_at ASC, j.created_at ASC`

	jobs, err := s.queryJobs(ctx, query, string(StatusPending), formatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	return jobs, nil
}

// GetNextScheduledJob returns the pending job that runs soonest, or nil when none is pending
func (s *Store) GetNextScheduledJob(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`, NULL, NULL
		FROM scheduled_posts j
		WHERE j.status = ?
		ORDER BY j.next_run_at ASC
		LIMIT 1`, string(StatusPending))

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}
	return job, nil
}

// SaveJob writes every mutable field of job. Used by explicit updates.
func (s *Store) SaveJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET recurrence_config = ?, scheduled_time = ?, status = ?,
		    retry_count = ?, max_retries = ?, last_error = ?,
		    next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		job.Recurrence.Config().JSON(),
		nullTime(job.ScheduledTime),
		string(job.Status),
		job.RetryCount,
		job.MaxRetries,
		nullString(job.LastError),
		formatTime(job.NextRunAt),
		nullTime(job.LastRunAt),
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save scheduled job %s", job.ID)
	}
	return requireAffected(res, "scheduled job %s not found", job.ID)
}

// UpdateJobAfterExecution records the engine's verdict for a job.
// The write only applies while the job is still pending, so a cancel or
// delete that lands mid-execution is not undone. Returns false when skipped.
func (s *Store) UpdateJobAfterExecution(ctx context.Context, job *Job) (bool, error) {
	job.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, retry_count = ?, last_error = ?,
		    next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(job.Status),
		job.RetryCount,
		nullString(job.LastError),
		formatTime(job.NextRunAt),
		nullTime(job.LastRunAt),
		formatTime(job.UpdatedAt),
		job.ID,
		string(StatusPending),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update scheduled job %s after execution", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

// UpdateJobStatus sets the status of a job
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return errors.NewInvalidArgumentError("unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of scheduled job %s", id)
	}
	return requireAffected(res, "scheduled job %s not found", id)
}

// DeleteJob removes a job; its execution logs go with it
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_posts WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete scheduled job %s", id)
	}
	return requireAffected(res, "scheduled job %s not found", id)
}

// CountByStatus returns the number of jobs in each status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_posts GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[Status(status)] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate status counts")
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scheduled jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate scheduled jobs")
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                              Job
		recurrenceType, recurrenceConfig string
		status, nextRunAt                string
		createdAt, updatedAt             string
		accountID, lastError             sql.NullString
		scheduledTime, lastRunAt         sql.NullString
		postTitle, postStatus            sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.PostID,
		&accountID,
		&recurrenceType,
		&recurrenceConfig,
		&scheduledTime,
		&status,
		&job.RetryCount,
		&job.MaxRetries,
		&lastError,
		&nextRunAt,
		&lastRunAt,
		&createdAt,
		&updatedAt,
		&postTitle,
		&postStatus,
	)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	job.AccountID = accountID.String
	job.LastError = lastError.String
	job.PostTitle = postTitle.String
	job.PostStatus = postStatus.String

	// Parse timestamps (return error if parsing fails - indicates data corruption or schema mismatch)
	if job.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at for job %s", job.ID)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if job.ScheduledTime, err = parseNullTime(scheduledTime); err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_time for job %s", job.ID)
	}
	if job.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_run_at for job %s", job.ID)
	}

	rt, err := ParseRecurrenceType(recurrenceType)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", job.ID)
	}
	cfg, err := ParseRecurrenceConfig(recurrenceConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", job.ID)
	}
	if job.Recurrence, err = NewRecurrence(rt, cfg, job.ScheduledTime); err != nil {
		return nil, errors.Wrapf(err, "job %s", job.ID)
	}

	return &job, nil
}

func requireAffected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError(format, args...)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
