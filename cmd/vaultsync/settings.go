package main

import (
	"context"
	"time"

	"github.com/openmined/vaultsync/internal/crawler"
	"github.com/openmined/vaultsync/internal/filestatus"
	"github.com/openmined/vaultsync/internal/mirror"
	"github.com/openmined/vaultsync/internal/resultcache"
	"github.com/openmined/vaultsync/internal/vaultapi"
	"github.com/spf13/viper"
)

const day = 24 * time.Hour

func setDefaults(v *viper.Viper) {
	v.SetDefault("retry_count", crawler.DefaultRetryPolicy.Count)
	v.SetDefault("retry_delay", crawler.DefaultRetryPolicy.Delay)
	v.SetDefault("cache_expiry_days", int(resultcache.DefaultExpireAfter/day))
	v.SetDefault("cache_stale_days", int(resultcache.DefaultStaleAfter/day))
	v.SetDefault("older_versions", filestatus.DefaultOlderVersions)
	v.SetDefault("download_workers", 4)
	v.SetDefault("ignore", []string{})
	v.SetDefault("http_timeout", 30*time.Second)
}

// settingsPath is the settings file in use, or where one would be read from.
func settingsPath() string {
	if p := viper.ConfigFileUsed(); p != "" {
		return p
	}
	return defaultSettingsPath
}

// mirrorConfig builds the session config from the merged settings.
func mirrorConfig(v *viper.Viper) *mirror.Config {
	cfg := &mirror.Config{
		RepositoryName: v.GetString("repository"),
		ServerURL:      v.GetString("server_url"),
		MirrorDir:      v.GetString("mirror_dir"),
		StateDir:       v.GetString("state_dir"),
		Retry: crawler.RetryPolicy{
			Count: v.GetInt("retry_count"),
			Delay: v.GetDuration("retry_delay"),
		},
		CacheExpireAfter: time.Duration(v.GetInt("cache_expiry_days")) * day,
		CacheStaleAfter:  time.Duration(v.GetInt("cache_stale_days")) * day,
		OlderVersions:    v.GetInt("older_versions"),
		DownloadWorkers:  v.GetInt("download_workers"),
		Ignore:           v.GetStringSlice("ignore"),
	}
	if v.IsSet("overwrite_local") {
		overwrite := v.GetBool("overwrite_local")
		cfg.OverwriteLocal = &overwrite
	}
	return cfg
}

func newService(cfg *mirror.Config, v *viper.Viper) (*vaultapi.Client, error) {
	return vaultapi.New(cfg.ServerURL, vaultapi.Options{
		Repository: cfg.RepositoryName,
		Token:      v.GetString("token"),
		Timeout:    v.GetDuration("http_timeout"),
	})
}

// openSession opens a mirror session from the global settings.
func openSession(ctx context.Context) (*mirror.Session, error) {
	v := viper.GetViper()
	cfg := mirrorConfig(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	svc, err := newService(cfg, v)
	if err != nil {
		return nil, err
	}
	return mirror.Open(ctx, cfg, svc)
}
