package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"trainer/pkg/backoff"
)

// HTTP uploads with a PUT to a URL built from a template, for presigned
// gateways and plain object stores.
type HTTP struct {
	client     *http.Client
	template   string
	maxRetries int
}

// NewHTTP creates an HTTP uploader. cfg.URLTemplate must contain {key}.
func NewHTTP(cfg Config) (*HTTP, error) {
	if !strings.Contains(cfg.URLTemplate, "{key}") {
		return nil, fmt.Errorf("UPLOAD_URL_TEMPLATE must contain {key}")
	}
	return &HTTP{
		client:     &http.Client{Timeout: cfg.Timeout},
		template:   cfg.URLTemplate,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Upload PUTs the file, retrying server errors with exponential backoff.
// Client errors are not retried.
func (h *HTTP) Upload(ctx context.Context, localPath, key string) (string, error) {
	target := strings.ReplaceAll(h.template, "{key}", key)

	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("file not found: %w", err)
	}

	err = backoff.Retry(ctx, h.maxRetries, nil, func(attempt int) error {
		if attempt > 0 {
			slog.Debug("Retrying upload", "attempt", attempt, "key", key)
		}
		err := h.put(ctx, target, localPath, info.Size())
		var ue *uploadError
		if errors.As(err, &ue) && ue.statusCode >= 400 && ue.statusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return stripQuery(target), nil
}

func (h *HTTP) put(ctx context.Context, target, path string, size int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, file)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType(path))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &uploadError{statusCode: resp.StatusCode, message: string(body)}
}

func (h *HTTP) Backend() string { return "http" }

type uploadError struct {
	statusCode int
	message    string
}

func (e *uploadError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.statusCode, e.message)
}

// stripQuery drops presign parameters from the recorded location.
func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
