// Package artifact detects checkpoints written by the training program and
// uploads them in the background.
package artifact

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"trainer/internal/job"
	"trainer/internal/notify"
	"trainer/internal/storage"
)

// CheckpointExt is the extension of checkpoint files.
const CheckpointExt = ".safetensors"

// MetricsRecorder is an optional interface for recording watcher metrics.
type MetricsRecorder interface {
	RecordCheckpointDetected(ctx context.Context)
	RecordUpload(ctx context.Context, backend string, success bool, durationSeconds float64)
}

// Watcher tracks the checkpoints of one job. Scan may be called from any
// goroutine; each file is reported exactly once.
type Watcher struct {
	job      *job.Job
	dir      string
	uploader storage.Uploader
	notifier notify.Notifier
	metrics  MetricsRecorder
	logger   *slog.Logger

	mu      sync.Mutex
	seen    map[string]bool
	uploads sync.WaitGroup
}

// NewWatcher creates a watcher for the job's output directory. uploader and
// metrics may be nil; without an uploader checkpoints are only reported.
func NewWatcher(j *job.Job, uploader storage.Uploader, notifier notify.Notifier, metrics MetricsRecorder) *Watcher {
	return &Watcher{
		job:      j,
		dir:      j.Request.OutputDir,
		uploader: uploader,
		notifier: notifier,
		metrics:  metrics,
		logger:   slog.With("component", "artifact", "jobId", j.ID),
		seen:     make(map[string]bool),
	}
}

// Scan records every checkpoint not seen before, in directory listing order,
// and starts its upload. A missing directory yields nothing.
func (w *Watcher) Scan(ctx context.Context) []job.EpochResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	names, err := w.list()
	if err != nil {
		w.logger.Warn("Failed to list output directory", "dir", w.dir, "error", err)
		return nil
	}

	var found []job.EpochResult
	for _, name := range names {
		if w.seen[name] {
			continue
		}
		w.seen[name] = true

		localPath := filepath.Join(w.dir, name)
		result := w.job.AppendResult(localPath)
		found = append(found, result)
		if w.metrics != nil {
			w.metrics.RecordCheckpointDetected(ctx)
		}
		w.logger.Info("Checkpoint detected", "file", name, "epoch", result.Number, "totalEpochs", result.TotalEpochs)

		w.upload(ctx, result.Number, localPath, w.job.StoragePrefix()+name)
		w.notifier.Send(w.job.Request.TrainingWebhookURL, true, 200, "Epoch Completed", w.job.Snapshot())
	}
	return found
}

func (w *Watcher) list() ([]string, error) {
	if w.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(w.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), CheckpointExt) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// upload runs in the background and outlives cancellation of ctx.
func (w *Watcher) upload(ctx context.Context, number int, localPath, key string) {
	if w.uploader == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	w.uploads.Add(1)
	go func() {
		defer w.uploads.Done()

		start := time.Now()
		location, err := w.uploader.Upload(ctx, localPath, key)
		if errors.Is(err, storage.ErrDisabled) {
			return
		}
		if w.metrics != nil {
			w.metrics.RecordUpload(ctx, w.uploader.Backend(), err == nil, time.Since(start).Seconds())
		}
		if err != nil {
			w.logger.Error("Checkpoint upload failed", "key", key, "error", err)
			return
		}
		w.job.SetRemotePath(number, location)
		w.logger.Info("Checkpoint uploaded", "key", key, "location", location, "duration", time.Since(start))
	}()
}

// Wait blocks until in-flight uploads finish or ctx is done.
func (w *Watcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.uploads.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
