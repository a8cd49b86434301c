package server

import (
	"time"

	"github.com/teranos/postpulse/pulse/schedule"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 64
	// ShutdownTimeout bounds graceful shutdown of the HTTP and gRPC listeners
	ShutdownTimeout = 15 * time.Second
	// DefaultHistoryLimit is used when /api/history omits limit
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps /api/history page size
	MaxHistoryLimit = 500
)

// =======================
// API Request/Response Types
// =======================

// ScheduleResponse represents a scheduled job in API responses
type ScheduleResponse struct {
	ID               string                    `json:"id"`
	PostID           int64                     `json:"post_id"`
	PostTitle        string                    `json:"post_title,omitempty"`
	PostStatus       string                    `json:"post_status,omitempty"`
	AccountID        string                    `json:"account_id,omitempty"`
	RecurrenceType   string                    `json:"recurrence_type"`
	RecurrenceConfig schedule.RecurrenceConfig `json:"recurrence_config"`
	ScheduledTime    *string                   `json:"scheduled_time,omitempty"` // RFC3339 timestamp
	Status           string                    `json:"status"`
	RetryCount       int                       `json:"retry_count"`
	MaxRetries       int                       `json:"max_retries"`
	LastError        string                    `json:"last_error,omitempty"`
	NextRunAt        string                    `json:"next_run_at"`           // RFC3339 timestamp
	LastRunAt        *string                   `json:"last_run_at,omitempty"` // RFC3339 timestamp
	CreatedAt        string                    `json:"created_at"`
	UpdatedAt        string                    `json:"updated_at"`
}

// ListSchedulesResponse represents the response for listing scheduled jobs
type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
	Count     int                `json:"count"`
}

// ExecutionLogsResponse represents the response for GET /api/schedules/{id}/logs
type ExecutionLogsResponse struct {
	JobID string                        `json:"job_id"`
	Logs  []*schedule.ExecutionLogEntry `json:"logs"`
	Total int                           `json:"total"` // all logged attempts; Logs is capped
}

// HistoryResponse represents a page of publish history
type HistoryResponse struct {
	Records []*schedule.HistoryRecord `json:"records"`
	Total   int                       `json:"total"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
}

// DailyStatsResponse is one day of the stats rollup
type DailyStatsResponse struct {
	*schedule.DailyStats
	SuccessRate float64 `json:"success_rate"`
}

// StatsResponse represents the response for GET /api/history/stats
type StatsResponse struct {
	Days []DailyStatsResponse `json:"days"`
}

// ExecutionEventMessage is pushed to websocket clients when a job starts or finishes
type ExecutionEventMessage struct {
	Type         string `json:"type"` // execution_started | execution_finished
	JobID        string `json:"job_id"`
	PostID       int64  `json:"post_id"`
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// NewScheduleResponse renders job in its API shape
func NewScheduleResponse(job *schedule.Job) ScheduleResponse {
	resp := ScheduleResponse{
		ID:             job.ID,
		PostID:         job.PostID,
		PostTitle:      job.PostTitle,
		PostStatus:     job.PostStatus,
		AccountID:      job.AccountID,
		RecurrenceType: string(job.RecurrenceType()),
		ScheduledTime:  formatTimePtr(job.ScheduledTime),
		Status:         string(job.Status),
		RetryCount:     job.RetryCount,
		MaxRetries:     job.MaxRetries,
		LastError:      job.LastError,
		NextRunAt:      formatTime(job.NextRunAt),
		LastRunAt:      formatTimePtr(job.LastRunAt),
		CreatedAt:      formatTime(job.CreatedAt),
		UpdatedAt:      formatTime(job.UpdatedAt),
	}
	if job.Recurrence != nil {
		resp.RecurrenceConfig = job.Recurrence.Config()
	}
	return resp
}
