package am

// Config represents the postpulse configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry" toml:"retry"`
	Publisher PublisherConfig `mapstructure:"publisher" toml:"publisher"`
	Retention RetentionConfig `mapstructure:"retention" toml:"retention"`
	Tracing   TracingConfig   `mapstructure:"tracing" toml:"tracing"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP and gRPC listeners
type ServerConfig struct {
	Host           string   `mapstructure:"host" toml:"host"`
	Port           int      `mapstructure:"port" toml:"port"`
	GRPCPort       int      `mapstructure:"grpc_port" toml:"grpc_port"` // 0 disables the gRPC health service
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// LogConfig configures log output
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"` // debug, info, warn, error
}

// SchedulerConfig configures the dispatcher and execution engine
type SchedulerConfig struct {
	// IANA zone used for recurrence wall-clock times (e.g. "Asia/Shanghai")
	Timezone              string `mapstructure:"timezone" toml:"timezone"`
	TickIntervalSeconds   int    `mapstructure:"tick_interval_seconds" toml:"tick_interval_seconds"`
	PublishTimeoutSeconds int    `mapstructure:"publish_timeout_seconds" toml:"publish_timeout_seconds"`
	Platform              string `mapstructure:"platform" toml:"platform"`
}

// RetryConfig configures failure handling
type RetryConfig struct {
	DelaySeconds int `mapstructure:"delay_seconds" toml:"delay_seconds"`
}

// PublisherConfig configures the MCP publisher
type PublisherConfig struct {
	URL               string `mapstructure:"url" toml:"url"`
	Tool              string `mapstructure:"tool" toml:"tool"`
	VersionConstraint string `mapstructure:"version_constraint" toml:"version_constraint"`

	// AccountID is used when a job names no account
	AccountID string `mapstructure:"account_id" toml:"account_id"`

	// RateLimitPerMin spaces publishes out; 0 = unlimited
	RateLimitPerMin float64 `mapstructure:"rate_limit_per_minute" toml:"rate_limit_per_minute"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst" toml:"rate_limit_burst"`
}

// RetentionConfig configures the cleanup of execution logs and history
type RetentionConfig struct {
	Days int    `mapstructure:"days" toml:"days"`
	Cron string `mapstructure:"cron" toml:"cron"`
}

// TracingConfig configures OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" toml:"enabled"`
	ServiceName string `mapstructure:"service_name" toml:"service_name"`
}

// Server port constants
const (
	DefaultServerPort = 8787
	DefaultGRPCPort   = 8788
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
