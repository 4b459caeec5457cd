package prepare

import (
	"log/slog"
	"strconv"
	"time"
	"trainer/internal/config"
)

// Base models and adapters by request model name.
const (
	devModel         = "black-forest-labs/FLUX.1-dev"
	schnellModel     = "black-forest-labs/FLUX.1-schnell"
	schnellAssistant = "ostris/FLUX.1-schnell-training-adapter"
)

// Config holds job preparation configuration.
type Config struct {
	DatasetRoot         string        // parent of per-LoRA dataset directories (default: /workspace/datasets)
	DownloadConcurrency int           // parallel image downloads (default: 4)
	DownloadTimeout     time.Duration // per image (default: 60s)
	MaxImageBytes       int64         // per image (default: 50 MiB)
	Resolutions         []int         // training bucket resolutions (default: 512,768,1024)
	CaptionDropoutRate  float64       // fraction of steps trained without the caption (default: 0.05)
}

// LoadConfigFromEnv loads preparation configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		DatasetRoot:         config.GetEnv("DATASET_ROOT", "/workspace/datasets"),
		DownloadConcurrency: config.GetIntEnv("PREPARE_DOWNLOAD_CONCURRENCY", 4),
		DownloadTimeout:     config.GetDurationEnv("PREPARE_DOWNLOAD_TIMEOUT", 60*time.Second),
		MaxImageBytes:       int64(config.GetIntEnv("PREPARE_MAX_IMAGE_BYTES", 50<<20)),
		Resolutions:         parseResolutions(config.GetListEnv("PREPARE_RESOLUTIONS", nil)),
		CaptionDropoutRate:  config.GetFloatEnv("PREPARE_CAPTION_DROPOUT", 0.05),
	}.withDefaults()
}

// parseResolutions keeps the positive integers of items and logs the rest.
func parseResolutions(items []string) []int {
	var out []int
	for _, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil || n <= 0 {
			slog.Warn("Ignoring invalid resolution", "value", item)
			continue
		}
		out = append(out, n)
	}
	return out
}

func (c Config) withDefaults() Config {
	if c.DatasetRoot == "" {
		c.DatasetRoot = "/workspace/datasets"
	}
	if c.DownloadConcurrency <= 0 {
		c.DownloadConcurrency = 4
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 60 * time.Second
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 50 << 20
	}
	if c.CaptionDropoutRate <= 0 || c.CaptionDropoutRate >= 1 {
		c.CaptionDropoutRate = 0.05
	}
	if len(c.Resolutions) == 0 {
		c.Resolutions = []int{512, 768, 1024}
	}
	return c
}
