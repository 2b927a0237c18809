package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XJOG_SELF_ID", "inst-a")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "inst-a", cfg.Instance.SelfID)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 1000, cfg.Instance.CacheSize)
}

func TestLoadParsesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xjog.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[instance]
self_id = "inst-b"
cache_size = 42

[store]
driver = "postgres"
dsn = "postgres://localhost/xjog"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "inst-b", cfg.Instance.SelfID)
	assert.Equal(t, 42, cfg.Instance.CacheSize)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/xjog", cfg.Store.DSN)
}

func TestEnvOverridesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xjog.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[instance]
self_id = "from-file"
`), 0o644))

	t.Setenv("XJOG_SELF_ID", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Instance.SelfID)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	t.Setenv("XJOG_SELF_ID", "inst-a")
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
}

func TestValidateRejectsUnknownStoreDriver(t *testing.T) {
	cfg := defaults()
	cfg.Instance.SelfID = "inst-a"
	cfg.Store.Driver = "mongodb"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateRequiresSelfID(t *testing.T) {
	cfg := defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self_id")
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := defaults()
	cfg.Instance.SelfID = "inst-a"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsCacheSizeTooSmall(t *testing.T) {
	cfg := defaults()
	cfg.Instance.SelfID = "inst-a"
	cfg.Instance.CacheSize = 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_size")
}

func TestValidateRejectsGracePeriodBelowAdoptionFrequencyFloor(t *testing.T) {
	cfg := defaults()
	cfg.Instance.SelfID = "inst-a"
	cfg.Startup.AdoptionFrequency = 1000 * time.Millisecond
	cfg.Startup.GracePeriod = 1000 * time.Millisecond
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grace_period")
}

func TestValidateRejectsLookAheadShorterThanInterval(t *testing.T) {
	cfg := defaults()
	cfg.Instance.SelfID = "inst-a"
	cfg.Deferred.Interval = 1000 * time.Millisecond
	cfg.Deferred.LookAhead = 500 * time.Millisecond
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "look_ahead")
}

func TestValidateRejectsZeroBatchSize(t *testing.T) {
	cfg := defaults()
	cfg.Instance.SelfID = "inst-a"
	cfg.Deferred.BatchSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}
