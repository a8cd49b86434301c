package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/vanity-id"
)

// CreateScheduleRequest is the input to CreateSchedule
type CreateScheduleRequest struct {
	PostID           int64             `json:"post_id" validate:"required,gt=0"`
	RecurrenceType   string            `json:"recurrence_type" validate:"required"`
	RecurrenceConfig *RecurrenceConfig `json:"recurrence_config,omitempty" validate:"omitempty"`
	ScheduledTime    *time.Time        `json:"scheduled_time,omitempty"`
	MaxRetries       *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=100"`
	AccountID        string            `json:"account_id,omitempty" validate:"omitempty,max=128"`
}

// UpdateScheduleRequest is the input to UpdateSchedule. Nil fields keep their current value.
type UpdateScheduleRequest struct {
	ScheduledTime    *time.Time        `json:"scheduled_time,omitempty"`
	RecurrenceConfig *RecurrenceConfig `json:"recurrence_config,omitempty" validate:"omitempty"`
	MaxRetries       *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Service is the external surface over the scheduler: the HTTP handlers and
// the CLI both go through it.
type Service struct {
	jobs     *Store
	logs     *ExecutionStore
	engine   Executor
	calc     *Calculator
	clock    Clock
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

// NewService creates the schedule service
func NewService(jobs *Store, logs *ExecutionStore, engine Executor, calc *Calculator, clock Clock, log *zap.SugaredLogger) *Service {
	if calc == nil {
		calc = NewCalculator(time.UTC)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.Logger
	}
	return &Service{
		jobs:     jobs,
		logs:     logs,
		engine:   engine,
		calc:     calc,
		clock:    clock,
		validate: validator.New(),
		logger:   logger.AddPulseSymbol(log),
	}
}

// CreateSchedule validates req, computes the first run and stores a pending job
func (s *Service) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*Job, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	rt, err := ParseRecurrenceType(req.RecurrenceType)
	if err != nil {
		return nil, err
	}
	var cfg RecurrenceConfig
	if req.RecurrenceConfig != nil {
		cfg = *req.RecurrenceConfig
	}
	rule, err := NewRecurrence(rt, cfg, req.ScheduledTime)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	nextRun, err := s.calc.NextRun(rule, now)
	if err != nil {
		return nil, err
	}

	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	jobID, err := id.GenerateJobASID("scheduled-post", fmt.Sprintf("post%d", req.PostID), "postpulse")
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job id")
	}

	// scheduledTime is the caller's instant for once jobs, otherwise the first computed run
	scheduled := nextRun
	job := &Job{
		ID:            jobID,
		PostID:        req.PostID,
		AccountID:     strings.TrimSpace(req.AccountID),
		Recurrence:    rule,
		ScheduledTime: &scheduled,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		NextRunAt:     nextRun,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Infow("Schedule created",
		logger.FieldJobID, job.ID,
		logger.FieldPostID, job.PostID,
		logger.FieldRecurrenceType, rt,
		logger.FieldNextRunAt, nextRun.Format(time.RFC3339))

	return s.jobs.GetJob(ctx, job.ID)
}

// ListSchedules returns jobs matching filter, soonest first
func (s *Service) ListSchedules(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, errors.NewInvalidArgumentError("unknown status %q", filter.Status)
	}
	if filter.RecurrenceType != "" {
		rt, err := ParseRecurrenceType(string(filter.RecurrenceType))
		if err != nil {
			return nil, err
		}
		filter.RecurrenceType = rt
	}
	return s.jobs.ListJobs(ctx, filter)
}

// GetSchedule returns one job
func (s *Service) GetSchedule(ctx context.Context, jobID string) (*Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// CountByStatus returns the number of jobs in each status
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.jobs.CountByStatus(ctx)
}

// GetExecutionLogs returns up to DefaultLogLimit attempts for a job, newest first
func (s *Service) GetExecutionLogs(ctx context.Context, jobID string) ([]*ExecutionLogEntry, error) {
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.logs.ListByJob(ctx, jobID, DefaultLogLimit)
}

// CountExecutions returns how many attempts are logged for a job, including
// those beyond the GetExecutionLogs cap
func (s *Service) CountExecutions(ctx context.Context, jobID string) (int, error) {
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return 0, err
	}
	return s.logs.CountByJob(ctx, jobID)
}

// UpdateSchedule applies req, recomputes the next run and resets the job to
// pending with a clean retry count. This is how a failed job is revived.
func (s *Service) UpdateSchedule(ctx context.Context, jobID string, req UpdateScheduleRequest) (*Job, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	rt := job.RecurrenceType()
	cfg := job.Recurrence.Config()
	if req.RecurrenceConfig != nil {
		cfg = *req.RecurrenceConfig
	}
	scheduledTime := job.ScheduledTime
	if req.ScheduledTime != nil {
		scheduledTime = req.ScheduledTime
	}

	rule, err := NewRecurrence(rt, cfg, scheduledTime)
	if err != nil {
		return nil, err
	}
	nextRun, err := s.calc.NextRun(rule, s.clock.Now())
	if err != nil {
		return nil, err
	}

	job.Recurrence = rule
	job.NextRunAt = nextRun
	job.Status = StatusPending
	job.RetryCount = 0
	if rt == RecurrenceOnce {
		job.ScheduledTime = scheduledTime
	} else {
		first := nextRun
		job.ScheduledTime = &first
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}

	if err := s.jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Infow("Schedule updated",
		logger.FieldJobID, job.ID,
		logger.FieldNextRunAt, nextRun.Format(time.RFC3339))

	return s.jobs.GetJob(ctx, job.ID)
}

// CancelSchedule stops future pickup of a job. An attempt already in
// progress finishes and is logged.
func (s *Service) CancelSchedule(ctx context.Context, jobID string) error {
	if err := s.jobs.UpdateJobStatus(ctx, jobID, StatusCancelled); err != nil {
		return err
	}
	s.logger.Infow("Schedule cancelled", logger.FieldJobID, jobID)
	return nil
}

// DeleteSchedule removes a job together with its execution logs
func (s *Service) DeleteSchedule(ctx context.Context, jobID string) error {
	if err := s.jobs.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.Infow("Schedule deleted", logger.FieldJobID, jobID)
	return nil
}

// ExecuteNow runs a pending job immediately, bypassing its due time.
// Jobs in any other status are refused with ErrConflict.
func (s *Service) ExecuteNow(ctx context.Context, jobID string) (*ExecutionLogEntry, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPending {
		return nil, errors.WithHint(
			errors.NewConflictError("scheduled job %s is %s", jobID, job.Status),
			"update the schedule to reset it to pending before running it",
		)
	}

	s.logger.Infow("Manual execution requested", logger.FieldJobID, jobID)
	return s.engine.Execute(ctx, job)
}

func (s *Service) check(req interface{}) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.WithDetail(
				errors.NewInvalidArgumentError("invalid request: %s", strings.Join(msgs, "; ")),
				err.Error(),
			)
		}
		return errors.Mark(errors.Wrap(err, "invalid request"), errors.ErrInvalidArgument)
	}
	return nil
}
