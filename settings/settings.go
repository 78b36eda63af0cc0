// Package settings loads plugin configuration. Precedence, lowest first:
// built-in defaults, METASYNC_ environment variables, then the per-plugin
// settings blob the source server stores in its own configuration.
package settings

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full plugin configuration.
type Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	TargetURL   string `mapstructure:"target_url"`
	TargetToken string `mapstructure:"target_token"`
	DataDir     string `mapstructure:"data_dir"`

	MaxRetries          int     `mapstructure:"max_retries"`        // short-ladder budget; not_found keeps its own
	PollIntervalSeconds float64 `mapstructure:"poll_interval"`      // worker idle sleep
	ConnectTimeoutSecs  int     `mapstructure:"connect_timeout"`    // outbound HTTP connect
	ReadTimeoutSecs     int     `mapstructure:"read_timeout"`       // outbound HTTP read
	DLQRetentionDays    int     `mapstructure:"dlq_retention_days"` // dead letters pruned past this
	MaxTags             int     `mapstructure:"max_tags"`           // per-scene tag cap

	Libraries           []string `mapstructure:"library_list"`
	StrictMatching      bool     `mapstructure:"strict_matching"`
	PreserveTargetEdits bool     `mapstructure:"preserve_target_edits"`
	AutoScanTrigger     bool     `mapstructure:"auto_scan_trigger"`

	SyncMetadata   bool `mapstructure:"sync_metadata"` // master switch
	SyncStudio     bool `mapstructure:"sync_studio"`
	SyncSummary    bool `mapstructure:"sync_summary"`
	SyncTagline    bool `mapstructure:"sync_tagline"`
	SyncDate       bool `mapstructure:"sync_date"`
	SyncPerformers bool `mapstructure:"sync_performers"`
	SyncTags       bool `mapstructure:"sync_tags"`
	SyncPoster     bool `mapstructure:"sync_poster"`
	SyncBackground bool `mapstructure:"sync_background"`
	SyncCollection bool `mapstructure:"sync_collection"`

	ReconcileInterval string `mapstructure:"reconcile_interval"` // never, hourly, daily, weekly
	ReconcileScope    string `mapstructure:"reconcile_scope"`    // all, 24h, 7days
	ReconcileMissing  bool   `mapstructure:"reconcile_missing"`

	DebugLogging    bool `mapstructure:"debug_logging"`
	PathObfuscation bool `mapstructure:"path_obfuscation"`
}

// SetDefaults configures default values for all options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)
	v.SetDefault("data_dir", ".")

	v.SetDefault("max_retries", 5)
	v.SetDefault("poll_interval", 2.0)
	v.SetDefault("connect_timeout", 5)
	v.SetDefault("read_timeout", 30)
	v.SetDefault("dlq_retention_days", 30)
	v.SetDefault("max_tags", 100)

	v.SetDefault("strict_matching", true)
	v.SetDefault("preserve_target_edits", false)
	v.SetDefault("auto_scan_trigger", false)

	v.SetDefault("sync_metadata", true)
	v.SetDefault("sync_studio", true)
	v.SetDefault("sync_summary", true)
	v.SetDefault("sync_tagline", true)
	v.SetDefault("sync_date", true)
	v.SetDefault("sync_performers", true)
	v.SetDefault("sync_tags", true)
	v.SetDefault("sync_poster", true)
	v.SetDefault("sync_background", true)
	v.SetDefault("sync_collection", true)

	v.SetDefault("reconcile_interval", "never")
	v.SetDefault("reconcile_scope", "24h")
	v.SetDefault("reconcile_missing", true)

	v.SetDefault("debug_logging", false)
	v.SetDefault("path_obfuscation", false)
}

// NewViper builds a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("METASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load builds the configuration from defaults, environment, and the source
// server's plugin-settings blob. Blob values win.
func Load(blob map[string]interface{}) (*Config, error) {
	v := NewViper()
	ApplyOverrides(v, blob)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyOverrides sets blob values on the viper instance. The blob arrives
// from a settings UI, so booleans may come as strings in a handful of
// spellings; those are coerced before they reach Unmarshal.
func ApplyOverrides(v *viper.Viper, blob map[string]interface{}) {
	for key, value := range blob {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" || value == nil {
			continue
		}
		if s, ok := value.(string); ok {
			if b, ok := CoerceBool(s); ok {
				v.Set(key, b)
				continue
			}
		}
		v.Set(key, value)
	}
}

// CoerceBool parses the boolean spellings settings UIs produce.
func CoerceBool(s string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}

// ConnectTimeout returns the outbound connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecs) * time.Second
}

// ReadTimeout returns the outbound read timeout as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSecs) * time.Second
}

// PollInterval returns the worker idle sleep as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// DLQRetention returns the dead-letter retention window.
func (c *Config) DLQRetention() time.Duration {
	return time.Duration(c.DLQRetentionDays) * 24 * time.Hour
}
