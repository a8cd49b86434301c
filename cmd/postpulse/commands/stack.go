package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/version"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/post"
	"github.com/teranos/postpulse/publisher"
	"github.com/teranos/postpulse/pulse/schedule"
)

// ConfigFile is set by the root --config flag. Empty means the usual cascade.
var ConfigFile string

// loadConfig reads and validates the active configuration
func loadConfig() (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if ConfigFile != "" {
		cfg, err = am.LoadFromFile(ConfigFile)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "invalid configuration"),
			"run 'postpulse am validate' for details")
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// stack is the scheduler assembled from configuration. serve runs it as a
// daemon; the schedule and post commands use it for one-off operations.
type stack struct {
	cfg     *am.Config
	db      *sql.DB
	jobs    *schedule.Store
	logs    *schedule.ExecutionStore
	history *schedule.HistoryStore
	posts   *post.Store
	calc    *schedule.Calculator
	mcp     *publisher.MCPPublisher
	limiter *publisher.RateLimiter
	engine  *schedule.Engine
	service *schedule.Service
	clock   schedule.Clock
	logger  *zap.SugaredLogger
	closed  bool
}

func newStack(cfg *am.Config, log *zap.SugaredLogger) (*stack, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.Wrapf(err, "unknown scheduler.timezone %q", cfg.Scheduler.Timezone)
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	s := &stack{
		cfg:     cfg,
		db:      database,
		jobs:    schedule.NewStore(database),
		logs:    schedule.NewExecutionStore(database),
		history: schedule.NewHistoryStore(database),
		posts:   post.NewStore(database),
		calc:    schedule.NewCalculator(loc),
		clock:   schedule.SystemClock{},
		logger:  log,
	}

	s.mcp = publisher.NewMCPPublisher(publisher.MCPConfig{
		URL:               cfg.Publisher.URL,
		Tool:              cfg.Publisher.Tool,
		VersionConstraint: cfg.Publisher.VersionConstraint,
		ClientVersion:     version.Get().Version,
		DefaultAccountID:  cfg.Publisher.AccountID,
	}, log)
	s.limiter = publisher.NewRateLimiter(cfg.Publisher.RateLimitPerMin, cfg.Publisher.RateLimitBurst)

	s.engine = schedule.NewEngine(schedule.EngineDeps{
		Jobs:       s.jobs,
		Logs:       s.logs,
		History:    s.history,
		Posts:      s.posts,
		Publisher:  s.mcp,
		Throttle:   s.limiter,
		Calculator: s.calc,
		Retry:      schedule.NewRetryPolicy(schedule.FixedDelay(cfg.RetryDelay())),
		Clock:      s.clock,
	}, schedule.EngineConfig{
		PublishTimeout: cfg.PublishTimeout(),
		Platform:       cfg.Scheduler.Platform,
	}, log)

	s.service = schedule.NewService(s.jobs, s.logs, s.engine, s.calc, s.clock, log)
	return s, nil
}

// Close ends the MCP session and closes the database
func (s *stack) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.mcp.Close(); err != nil {
		s.logger.Debugw("MCP session close failed", logger.FieldError, err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warnw("Database close failed", logger.FieldError, err)
	}
}
