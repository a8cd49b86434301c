package am

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "postpulse.db")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.grpc_port", DefaultGRPCPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.tick_interval_seconds", 60)
	v.SetDefault("scheduler.publish_timeout_seconds", 300)
	v.SetDefault("scheduler.platform", "xiaohongshu")

	v.SetDefault("retry.delay_seconds", 3600) // one hour between attempts

	v.SetDefault("publisher.url", "http://localhost:18060/mcp")
	v.SetDefault("publisher.tool", "publish_content")
	v.SetDefault("publisher.version_constraint", "")
	v.SetDefault("publisher.rate_limit_per_minute", 0)
	v.SetDefault("publisher.rate_limit_burst", 1)

	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.cron", "0 3 * * *")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "postpulse")
}

// BindSensitiveEnvVars explicitly binds deployment-specific settings to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "POSTPULSE_DATABASE_PATH")
	v.BindEnv("publisher.url", "POSTPULSE_PUBLISHER_URL")
	v.BindEnv("publisher.account_id", "POSTPULSE_PUBLISHER_ACCOUNT_ID")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "postpulse.db"
	}
	return c.Database.Path
}

// Location returns the scheduler time zone
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// TickInterval returns the dispatcher interval
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

// PublishTimeout bounds a single Publisher call
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Scheduler.PublishTimeoutSeconds) * time.Second
}

// RetryDelay is the wait between a failure and the next attempt
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelaySeconds) * time.Second
}
