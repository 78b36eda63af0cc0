package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBlob() map[string]interface{} {
	return map[string]interface{}{
		"target_url":   "http://target.local:32400",
		"target_token": "0123456789abcdef",
	}
}

func TestLoad_DefaultsApply(t *testing.T) {
	cfg, err := Load(validBlob())
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2.0, cfg.PollIntervalSeconds)
	assert.Equal(t, 5, cfg.ConnectTimeoutSecs)
	assert.Equal(t, 30, cfg.ReadTimeoutSecs)
	assert.Equal(t, 30, cfg.DLQRetentionDays)
	assert.Equal(t, 100, cfg.MaxTags)
	assert.True(t, cfg.StrictMatching)
	assert.False(t, cfg.PreserveTargetEdits)
	assert.True(t, cfg.SyncMetadata)
	assert.True(t, cfg.SyncPoster)
	assert.Equal(t, "never", cfg.ReconcileInterval)
	assert.Equal(t, "24h", cfg.ReconcileScope)
	assert.True(t, cfg.ReconcileMissing)
	assert.False(t, cfg.DebugLogging)
	assert.False(t, cfg.PathObfuscation)
}

func TestLoad_BlobOverridesDefaults(t *testing.T) {
	blob := validBlob()
	blob["max_retries"] = 10
	blob["strict_matching"] = false
	blob["library_list"] = []string{"Movies", "Shows"}

	cfg, err := Load(blob)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.False(t, cfg.StrictMatching)
	assert.Equal(t, []string{"Movies", "Shows"}, cfg.Libraries)
}

func TestLoad_StringBooleansCoerced(t *testing.T) {
	blob := validBlob()
	blob["sync_poster"] = "false"
	blob["preserve_target_edits"] = "Yes"
	blob["debug_logging"] = "ON"
	blob["path_obfuscation"] = "0"

	cfg, err := Load(blob)
	require.NoError(t, err)
	assert.False(t, cfg.SyncPoster)
	assert.True(t, cfg.PreserveTargetEdits)
	assert.True(t, cfg.DebugLogging)
	assert.False(t, cfg.PathObfuscation)
}

func TestLoad_KeysNormalised(t *testing.T) {
	blob := validBlob()
	blob["  Max_Retries "] = 7
	blob["ignored_nil"] = nil

	cfg, err := Load(blob)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRetries)
}

func TestCoerceBool(t *testing.T) {
	for _, s := range []string{"true", "1", "yes", "on", "TRUE", " Yes "} {
		v, ok := CoerceBool(s)
		assert.True(t, ok, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"false", "0", "no", "off", "False", " OFF "} {
		v, ok := CoerceBool(s)
		assert.True(t, ok, s)
		assert.False(t, v, s)
	}
	for _, s := range []string{"", "maybe", "2", "enabled"} {
		_, ok := CoerceBool(s)
		assert.False(t, ok, s)
	}
}

func TestValidate_TargetURL(t *testing.T) {
	cases := []struct {
		url    string
		reason string
	}{
		{"", "missing"},
		{"ftp://host", "bad scheme"},
		{"http://", "no host"},
	}
	for _, tc := range cases {
		blob := validBlob()
		blob["target_url"] = tc.url
		_, err := Load(blob)
		assert.Error(t, err, tc.reason)
	}

	blob := validBlob()
	blob["target_url"] = "https://target.example:32400"
	_, err := Load(blob)
	assert.NoError(t, err)
}

func TestValidate_TokenLength(t *testing.T) {
	blob := validBlob()
	blob["target_token"] = "short"
	_, err := Load(blob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_token")
}

func TestValidate_Ranges(t *testing.T) {
	cases := []struct {
		key   string
		value interface{}
	}{
		{"max_retries", 0},
		{"max_retries", 21},
		{"poll_interval", 0.05},
		{"poll_interval", 61.0},
		{"connect_timeout", 0},
		{"read_timeout", -1},
		{"dlq_retention_days", 0},
		{"dlq_retention_days", 366},
		{"reconcile_interval", "sometimes"},
		{"reconcile_scope", "48h"},
	}
	for _, tc := range cases {
		blob := validBlob()
		blob[tc.key] = tc.value
		_, err := Load(blob)
		assert.Error(t, err, "%s=%v", tc.key, tc.value)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load(validBlob())
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout())
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 30*24*time.Hour, cfg.DLQRetention())
}

func TestLoad_EmptyBlobFailsValidation(t *testing.T) {
	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_url")
}
