package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
)

// Retention defaults
const (
	DefaultRetentionDays = 90
	DefaultRetentionCron = "0 3 * * *"
)

// JanitorConfig contains configuration for the retention janitor
type JanitorConfig struct {
	Schedule string // Standard 5-field cron expression
	Days     int    // Keep this many days of logs and history
	Location *time.Location
}

// Janitor periodically deletes execution logs and publish history past retention
type Janitor struct {
	logs      *ExecutionStore
	history   *HistoryStore
	clock     Clock
	retention time.Duration
	spec      string
	c         *cron.Cron
	logger    *zap.SugaredLogger
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewJanitor validates cfg and prepares the cron entry. history may be nil.
func NewJanitor(logs *ExecutionStore, history *HistoryStore, clock Clock, cfg JanitorConfig, log *zap.SugaredLogger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRetentionCron
	}
	if cfg.Days <= 0 {
		return nil, errors.NewInvalidArgumentError("retention days must be positive, got %d", cfg.Days)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.Logger
	}

	j := &Janitor{
		logs:      logs,
		history:   history,
		clock:     clock,
		retention: time.Duration(cfg.Days) * 24 * time.Hour,
		spec:      cfg.Schedule,
		c:         cron.New(cron.WithParser(cronParser), cron.WithLocation(cfg.Location)),
		logger:    logger.AddDBSymbol(log),
	}
	if _, err := j.c.AddFunc(cfg.Schedule, j.runScheduled); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid retention cron %q", cfg.Schedule), errors.ErrInvalidArgument)
	}
	return j, nil
}

// Start begins the cron scheduler in its own goroutine
func (j *Janitor) Start() {
	j.c.Start()
	j.logger.Infow("Retention janitor started", "cron", j.spec, "retention", j.retention.String())
}

// Stop halts the scheduler and waits for a running cleanup to finish
func (j *Janitor) Stop() {
	<-j.c.Stop().Done()
}

// NextRun returns when the next cleanup is scheduled (zero before Start)
func (j *Janitor) NextRun() time.Time {
	entries := j.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce deletes everything older than the retention window
func (j *Janitor) RunOnce(ctx context.Context) (logsDeleted, historyDeleted int64, err error) {
	cutoff := j.clock.Now().Add(-j.retention)

	logsDeleted, err = j.logs.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	if j.history != nil {
		historyDeleted, err = j.history.CleanupOlderThan(ctx, cutoff)
		if err != nil {
			return logsDeleted, 0, err
		}
	}
	return logsDeleted, historyDeleted, nil
}

func (j *Janitor) runScheduled() {
	logs, history, err := j.RunOnce(context.Background())
	if err != nil {
		j.logger.Warnw("Retention cleanup failed", logger.FieldError, err)
		return
	}
	j.logger.Infow("Retention cleanup finished",
		"execution_logs_deleted", logs,
		"history_deleted", history)
}
