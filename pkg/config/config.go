// Package config loads server configuration: environment variables for
// deployment concerns, optional YAML profiles for tuning.
package config

import "os"

// Config holds server configuration sourced from the environment.
type Config struct {
	Port     string
	LogLevel string

	// StorageDriver selects the durable KV backend: memory, sqlite, bolt,
	// or postgres. StorageDSN semantics depend on the driver.
	StorageDriver string
	StorageDSN    string

	// ArchiveProvider selects the full-record archive: none, fs, s3, gcs.
	ArchiveProvider string
	ArchiveBucket   string
	ArchiveEndpoint string
	ArchiveDir      string

	// MasterSeed is the hex-encoded 32-byte keyring seed. Empty generates
	// an ephemeral keyring at startup, for development only: records
	// signed under an ephemeral key cannot be re-derived after a restart.
	MasterSeed string

	// ProfilesDir and Profile pick the tuning profile. An empty Profile
	// runs on built-in defaults.
	ProfilesDir string
	Profile     string

	// RedisURL enables the redis fan-out bridge when set.
	RedisURL string

	// OTLPEndpoint enables OTLP metric export when set.
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	storageDriver := os.Getenv("STORAGE_DRIVER")
	if storageDriver == "" {
		// In-memory keeps a zero-env boot side-effect free.
		storageDriver = "memory"
	}

	archiveProvider := os.Getenv("ARCHIVE_PROVIDER")
	if archiveProvider == "" {
		archiveProvider = "none"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		StorageDriver:   storageDriver,
		StorageDSN:      os.Getenv("STORAGE_DSN"),
		ArchiveProvider: archiveProvider,
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchiveEndpoint: os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveDir:      os.Getenv("ARCHIVE_DIR"),
		MasterSeed:      os.Getenv("MASTER_SEED"),
		ProfilesDir:     profilesDir,
		Profile:         os.Getenv("PROFILE"),
		RedisURL:        os.Getenv("REDIS_URL"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
	}
}
