package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/postpulse/errors"
)

// DefaultPlatform is recorded on history rows when the publisher does not name one
const DefaultPlatform = "xiaohongshu"

// HistoryRecord is one publish attempt in the audit trail. Unlike execution
// logs, history survives deletion of the job that produced it.
type HistoryRecord struct {
	ID            string          `json:"id"`
	PostID        int64           `json:"post_id"`
	JobID         string          `json:"job_id,omitempty"`
	Platform      string          `json:"platform"`
	Status        ExecutionStatus `json:"status"`
	NoteID        string          `json:"note_id,omitempty"`
	NoteURL       string          `json:"note_url,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Response      string          `json:"response,omitempty"`
	RetryCount    int             `json:"retry_count"`
	IsRetry       bool            `json:"is_retry"`
	ImagesCount   int             `json:"images_count"`
	ContentLength int             `json:"content_length"`
	CreatedAt     time.Time       `json:"created_at"`
}

// HistoryFilter narrows ListHistory
type HistoryFilter struct {
	Status ExecutionStatus
	PostID int64
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// DailyStats is the per-day rollup of publish attempts
type DailyStats struct {
	Date                string `json:"date"` // YYYY-MM-DD, UTC
	TotalAttempts       int    `json:"total_attempts"`
	SuccessfulPublishes int    `json:"successful_publishes"`
	FailedPublishes     int    `json:"failed_publishes"`
	TotalRetries        int    `json:"total_retries"`
	AvgDurationMs       int64  `json:"avg_duration_ms"`
}

// SuccessRate returns the fraction of attempts that published, 0 when there were none
func (d *DailyStats) SuccessRate() float64 {
	if d.TotalAttempts == 0 {
		return 0
	}
	return float64(d.SuccessfulPublishes) / float64(d.TotalAttempts)
}

// HistoryStore persists publish_history and publish_stats_daily
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore creates a new history store
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// RecordAttempt inserts a history row and folds it into the daily rollup
func (s *HistoryStore) RecordAttempt(ctx context.Context, rec *HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Platform == "" {
		rec.Platform = DefaultPlatform
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin history transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO publish_history (
			id, post_id, job_id, platform, status, note_id, note_url,
			duration_ms, error_message, response, retry_count, is_retry,
			images_count, content_length, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.PostID,
		nullString(rec.JobID),
		rec.Platform,
		string(rec.Status),
		nullString(rec.NoteID),
		nullString(rec.NoteURL),
		rec.DurationMs,
		nullString(rec.ErrorMessage),
		nullString(rec.Response),
		rec.RetryCount,
		boolToInt(rec.IsRetry),
		rec.ImagesCount,
		rec.ContentLength,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert publish history for post %d", rec.PostID)
	}

	success, failed := 0, 0
	if rec.Status == ExecutionSuccess {
		success = 1
	} else {
		failed = 1
	}

	// SET expressions see the pre-update row, so the average uses the old total
	_, err = tx.ExecContext(ctx, `
		INSERT INTO publish_stats_daily (
			stat_date, total_attempts, successful_publishes, failed_publishes,
			total_retries, avg_duration_ms
		) VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(stat_date) DO UPDATE SET
			avg_duration_ms = (avg_duration_ms * total_attempts + excluded.avg_duration_ms) / (total_attempts + 1),
			total_attempts = total_attempts + 1,
			successful_publishes = successful_publishes + excluded.successful_publishes,
			failed_publishes = failed_publishes + excluded.failed_publishes,
			total_retries = total_retries + excluded.total_retries`,
		statDate(rec.CreatedAt),
		success,
		failed,
		boolToInt(rec.IsRetry),
		rec.DurationMs,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update daily publish stats")
	}

	return errors.Wrap(tx.Commit(), "failed to commit publish history")
}

// ListHistory returns matching records newest first, plus the total match count
func (s *HistoryStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]*HistoryRecord, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PostID != 0 {
		conds = append(conds, "post_id = ?")
		args = append(args, filter.PostID)
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM publish_history"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count publish history")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	pageArgs := append(append([]interface{}{}, args...), limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, job_id, platform, status, note_id, note_url,
		       duration_ms, error_message, response, retry_count, is_retry,
		       images_count, content_length, created_at
		FROM publish_history`+where+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list publish history")
	}
	defer rows.Close()

	var records []*HistoryRecord
	for rows.Next() {
		var (
			rec                    HistoryRecord
			status, createdAt      string
			jobID, noteID, noteURL sql.NullString
			errMsg, response       sql.NullString
			isRetry                int
		)
		if err := rows.Scan(
			&rec.ID, &rec.PostID, &jobID, &rec.Platform, &status, &noteID, &noteURL,
			&rec.DurationMs, &errMsg, &response, &rec.RetryCount, &isRetry,
			&rec.ImagesCount, &rec.ContentLength, &createdAt,
		); err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan publish history")
		}
		rec.Status = ExecutionStatus(status)
		rec.JobID = jobID.String
		rec.NoteID = noteID.String
		rec.NoteURL = noteURL.String
		rec.ErrorMessage = errMsg.String
		rec.Response = response.String
		rec.IsRetry = isRetry != 0
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse created_at for history %s", rec.ID)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to iterate publish history")
	}
	return records, total, nil
}

// GetDailyStats returns rollups for dates in [from, to] (YYYY-MM-DD), oldest first.
// Empty bounds are open.
func (s *HistoryStore) GetDailyStats(ctx context.Context, from, to string) ([]*DailyStats, error) {
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, errors.NewInvalidArgumentError("date %q must be YYYY-MM-DD", d)
		}
	}

	var (
		conds []string
		args  []interface{}
	)
	if from != "" {
		conds = append(conds, "stat_date >= ?")
		args = append(args, from)
	}
	if to != "" {
		conds = append(conds, "stat_date <= ?")
		args = append(args, to)
	}
	query := `SELECT stat_date, total_attempts, successful_publishes, failed_publishes,
		total_retries, avg_duration_ms FROM publish_stats_daily`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY stat_date ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query daily stats")
	}
	defer rows.Close()

	var stats []*DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Date, &d.TotalAttempts, &d.SuccessfulPublishes,
			&d.FailedPublishes, &d.TotalRetries, &d.AvgDurationMs); err != nil {
			return nil, errors.Wrap(err, "failed to scan daily stats")
		}
		stats = append(stats, &d)
	}
	return stats, errors.Wrap(rows.Err(), "failed to iterate daily stats")
}

// CleanupOlderThan deletes history rows created before cutoff. Daily rollups are kept.
func (s *HistoryStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM publish_history WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up publish history")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}

func statDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
