// Package storage uploads job artifacts (checkpoints, logs, samples) to
// remote storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
	"trainer/internal/config"
)

// ErrDisabled is returned by the uploader used when no backend is configured.
var ErrDisabled = errors.New("storage disabled")

// Uploader copies a local file to remote storage under key and returns the
// location recorded on the job.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	Backend() string
}

// Config selects and configures the upload backend.
type Config struct {
	Backend string // minio, http, dir or none (default: none)

	// minio
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PublicURL string // used as the returned location prefix when set

	// http
	URLTemplate string // PUT target, {key} is replaced by the object key
	MaxRetries  int
	Timeout     time.Duration

	// dir
	Dir string
}

// LoadConfigFromEnv loads storage configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Backend:     config.GetEnv("STORAGE_BACKEND", "none"),
		Endpoint:    config.GetEnv("MINIO_ENDPOINT", ""),
		Bucket:      config.GetEnv("MINIO_BUCKET", "trainer"),
		Region:      config.GetEnv("MINIO_REGION", ""),
		AccessKey:   config.GetEnv("MINIO_ACCESS_KEY", ""),
		SecretKey:   config.GetSecretFile(config.GetEnv("MINIO_SECRET_KEY_FILE", "")),
		UseSSL:      config.GetBoolEnv("MINIO_USE_SSL", true),
		PublicURL:   config.GetEnv("STORAGE_PUBLIC_URL", ""),
		URLTemplate: config.GetEnv("UPLOAD_URL_TEMPLATE", ""),
		MaxRetries:  config.GetIntEnv("UPLOAD_MAX_RETRIES", 3),
		Timeout:     config.GetDurationEnv("UPLOAD_TIMEOUT", 30*time.Minute),
		Dir:         config.GetEnv("STORAGE_DIR", ""),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = "none"
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	return c
}

// New creates the uploader named by cfg.Backend.
func New(ctx context.Context, cfg Config) (Uploader, error) {
	cfg = cfg.withDefaults()

	switch cfg.Backend {
	case "minio", "s3":
		return NewMinIO(ctx, cfg)
	case "http":
		return NewHTTP(cfg)
	case "dir":
		return NewDir(cfg.Dir)
	case "none":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Disabled rejects every upload.
type Disabled struct{}

func (Disabled) Upload(context.Context, string, string) (string, error) { return "", ErrDisabled }
func (Disabled) Backend() string                                      { return "none" }
