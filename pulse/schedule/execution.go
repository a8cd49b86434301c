package schedule

import "time"

// ExecutionStatus is the result of one execution attempt
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionLogEntry records a single attempt to publish a scheduled job.
// Entries are append-only and are removed together with their job.
type ExecutionLogEntry struct {
	ID              string          `json:"id"`     // PX... vanity id
	JobID           string          `json:"job_id"` // FK to scheduled_posts
	ExecutedAt      time.Time       `json:"executed_at"`
	Status          ExecutionStatus `json:"status"`
	DurationMs      int64           `json:"duration_ms"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	PublishResponse string          `json:"publish_response,omitempty"` // JSON of the PublishOutcome
	CreatedAt       time.Time       `json:"created_at"`
}

// Succeeded reports whether the attempt published the post
func (e *ExecutionLogEntry) Succeeded() bool {
	return e.Status == ExecutionSuccess
}
