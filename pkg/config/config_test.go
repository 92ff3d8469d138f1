package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/provenplay/matchproof/pkg/config"
)

// A zero-env boot must come up on safe defaults: in-memory storage, no
// archive, no throttling surprises.
func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "STORAGE_DRIVER", "STORAGE_DSN",
		"ARCHIVE_PROVIDER", "MASTER_SEED", "PROFILES_DIR", "PROFILE",
		"REDIS_URL", "OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.StorageDriver)
	assert.Equal(t, "none", cfg.ArchiveProvider)
	assert.Equal(t, "profiles", cfg.ProfilesDir)
	assert.Empty(t, cfg.Profile)
	assert.Empty(t, cfg.MasterSeed)
}

// Ops control every value through standard 12-factor env vars.
func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("STORAGE_DSN", "postgres://matchproof:5432/records")
	t.Setenv("ARCHIVE_PROVIDER", "s3")
	t.Setenv("ARCHIVE_BUCKET", "match-records")
	t.Setenv("ARCHIVE_ENDPOINT", "https://r2.example.net")
	t.Setenv("PROFILE", "production")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.StorageDriver)
	assert.Equal(t, "postgres://matchproof:5432/records", cfg.StorageDSN)
	assert.Equal(t, "s3", cfg.ArchiveProvider)
	assert.Equal(t, "match-records", cfg.ArchiveBucket)
	assert.Equal(t, "https://r2.example.net", cfg.ArchiveEndpoint)
	assert.Equal(t, "production", cfg.Profile)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}
