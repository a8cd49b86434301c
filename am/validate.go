package am

import (
	"net/url"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"

	"github.com/teranos/postpulse/errors"
)

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	// grpc_port: 0 disables the gRPC health service
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return errors.Newf("server.grpc_port must be 0-65535, got %d", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		return errors.Newf("server.grpc_port must differ from server.port (%d)", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	if _, err := c.Location(); err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "scheduler.timezone %q", c.Scheduler.Timezone),
			"use an IANA zone name such as UTC or Asia/Shanghai",
		)
	}
	if c.Scheduler.TickIntervalSeconds <= 0 {
		return errors.Newf("scheduler.tick_interval_seconds must be > 0, got %d", c.Scheduler.TickIntervalSeconds)
	}
	if c.Scheduler.PublishTimeoutSeconds <= 0 {
		return errors.Newf("scheduler.publish_timeout_seconds must be > 0, got %d", c.Scheduler.PublishTimeoutSeconds)
	}

	if c.Retry.DelaySeconds <= 0 {
		return errors.Newf("retry.delay_seconds must be > 0, got %d", c.Retry.DelaySeconds)
	}

	u, err := url.Parse(c.Publisher.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Newf("publisher.url must be an http(s) URL, got %q", c.Publisher.URL)
	}
	if c.Publisher.VersionConstraint != "" {
		if _, err := semver.NewConstraint(c.Publisher.VersionConstraint); err != nil {
			return errors.Wrapf(err, "publisher.version_constraint %q", c.Publisher.VersionConstraint)
		}
	}
	if c.Publisher.RateLimitPerMin < 0 {
		return errors.Newf("publisher.rate_limit_per_minute must be >= 0, got %g", c.Publisher.RateLimitPerMin)
	}
	if c.Publisher.RateLimitBurst < 0 {
		return errors.Newf("publisher.rate_limit_burst must be >= 0, got %d", c.Publisher.RateLimitBurst)
	}

	if c.Retention.Days <= 0 {
		return errors.Newf("retention.days must be > 0, got %d", c.Retention.Days)
	}
	if _, err := cron.ParseStandard(c.Retention.Cron); err != nil {
		return errors.Wrapf(err, "retention.cron %q", c.Retention.Cron)
	}

	return nil
}

// UnknownKeys decodes path strictly and returns keys that match no
// setting, usually typos such as scheduler.tick_interval
func UnknownKeys(path string) ([]string, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}

	var keys []string
	for _, k := range md.Undecoded() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys, nil
}
