package schedule

import "time"

// DefaultRetryDelay is the wait between a failed attempt and the next one
const DefaultRetryDelay = time.Hour

// RetryDelay decides how long to wait before retry number attempt (1-based)
type RetryDelay interface {
	RetryDelay(attempt int) time.Duration
}

// FixedDelay waits the same duration before every retry
type FixedDelay time.Duration

func (d FixedDelay) RetryDelay(int) time.Duration { return time.Duration(d) }

// RetryPolicy turns a failed attempt into the job's next state
type RetryPolicy struct {
	delay RetryDelay
}

// NewRetryPolicy creates a policy. A nil delay uses DefaultRetryDelay.
func NewRetryPolicy(delay RetryDelay) *RetryPolicy {
	if delay == nil {
		delay = FixedDelay(DefaultRetryDelay)
	}
	return &RetryPolicy{delay: delay}
}

// OnFailure returns a copy of job updated for a failed attempt at now.
// Once the attempt count reaches MaxRetries the job becomes failed;
// otherwise it stays pending and is due again after the retry delay.
func (p *RetryPolicy) OnFailure(job *Job, errMsg string, now time.Time) *Job {
	updated := *job
	updated.RetryCount = job.RetryCount + 1
	updated.LastError = errMsg
	updated.LastRunAt = &now

	if updated.RetryCount >= job.MaxRetries {
		updated.Status = StatusFailed
		return &updated
	}

	updated.Status = StatusPending
	updated.NextRunAt = now.Add(p.delay.RetryDelay(updated.RetryCount))
	return &updated
}
