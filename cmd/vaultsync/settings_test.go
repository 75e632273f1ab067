package main

import (
	"testing"
	"time"

	"github.com/openmined/vaultsync/internal/crawler"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorConfig_Defaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("repository", "Engineering")
	v.Set("server_url", "https://vault.example.com")
	v.Set("mirror_dir", "/tmp/vault")

	cfg := mirrorConfig(v)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, crawler.DefaultRetryPolicy, cfg.Retry)
	assert.Equal(t, 7*24*time.Hour, cfg.CacheExpireAfter)
	assert.Equal(t, 60*24*time.Hour, cfg.CacheStaleAfter)
	assert.Equal(t, 3, cfg.OlderVersions)
	assert.Equal(t, 4, cfg.DownloadWorkers)
	assert.Empty(t, cfg.Ignore)
	assert.Nil(t, cfg.OverwriteLocal, "the config document decides unless set")
	assert.Equal(t, "engineering@https://vault.example.com", cfg.RepositoryID())
}

func TestMirrorConfig_Overrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("retry_count", 2)
	v.Set("retry_delay", "500ms")
	v.Set("cache_expiry_days", 1)
	v.Set("ignore", []string{"*.tmp", "**/~$*"})
	v.Set("overwrite_local", false)

	cfg := mirrorConfig(v)
	assert.Equal(t, crawler.RetryPolicy{Count: 2, Delay: 500 * time.Millisecond}, cfg.Retry)
	assert.Equal(t, 24*time.Hour, cfg.CacheExpireAfter)
	assert.Equal(t, []string{"*.tmp", "**/~$*"}, cfg.Ignore)
	require.NotNil(t, cfg.OverwriteLocal)
	assert.False(t, *cfg.OverwriteLocal)
}

func TestNewService_RejectsBadURL(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("server_url", "not a url")

	_, err := newService(mirrorConfig(v), v)
	assert.Error(t, err)
}
