package schedule

import "time"

// Status is the lifecycle state of a scheduled job
type Status string

// Job states. completed and cancelled are terminal; failed is terminal until
// the schedule is updated, which resets it to pending.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultMaxRetries is used when a create request omits max_retries
const DefaultMaxRetries = 3

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is a scheduled publish of one post
type Job struct {
	ID            string
	PostID        int64
	AccountID     string
	Recurrence    Recurrence
	ScheduledTime *time.Time
	Status        Status
	RetryCount    int
	MaxRetries    int
	LastError     string
	NextRunAt     time.Time
	LastRunAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Joined from posts by ListJobs; empty when the post is gone
	PostTitle  string
	PostStatus string
}

// RecurrenceType returns the type of the job's rule
func (j *Job) RecurrenceType() RecurrenceType {
	if j.Recurrence == nil {
		return ""
	}
	return j.Recurrence.Type()
}

// IsRetry reports whether the next attempt follows an earlier failure
func (j *Job) IsRetry() bool {
	return j.RetryCount > 0
}
