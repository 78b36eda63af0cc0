package settings

import (
	"net/url"

	"github.com/driftline/metasync/errors"
)

// Validate checks required fields and ranges. The host surfaces the message
// verbatim, so every violation names the setting and the accepted range.
func (c *Config) Validate() error {
	if c.TargetURL == "" {
		return errors.New("target_url is required")
	}
	u, err := url.Parse(c.TargetURL)
	if err != nil {
		return errors.Wrapf(err, "target_url %q is not a valid URL", c.TargetURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Newf("target_url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.Newf("target_url %q has no host", c.TargetURL)
	}

	if len(c.TargetToken) < 10 {
		return errors.New("target_token is required and must be at least 10 characters")
	}

	if c.MaxRetries < 1 || c.MaxRetries > 20 {
		return errors.Newf("max_retries must be in [1, 20], got %d", c.MaxRetries)
	}
	if c.PollIntervalSeconds < 0.1 || c.PollIntervalSeconds > 60 {
		return errors.Newf("poll_interval must be in [0.1, 60] seconds, got %g", c.PollIntervalSeconds)
	}
	if c.ConnectTimeoutSecs <= 0 {
		return errors.Newf("connect_timeout must be > 0, got %d", c.ConnectTimeoutSecs)
	}
	if c.ReadTimeoutSecs <= 0 {
		return errors.Newf("read_timeout must be > 0, got %d", c.ReadTimeoutSecs)
	}
	if c.DLQRetentionDays < 1 || c.DLQRetentionDays > 365 {
		return errors.Newf("dlq_retention_days must be in [1, 365], got %d", c.DLQRetentionDays)
	}

	switch c.ReconcileInterval {
	case "never", "hourly", "daily", "weekly":
	default:
		return errors.Newf("reconcile_interval must be one of never, hourly, daily, weekly; got %q", c.ReconcileInterval)
	}
	switch c.ReconcileScope {
	case "all", "24h", "7days":
	default:
		return errors.Newf("reconcile_scope must be one of all, 24h, 7days; got %q", c.ReconcileScope)
	}

	return nil
}
