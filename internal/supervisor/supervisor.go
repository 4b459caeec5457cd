// Package supervisor runs the external training program for a job and
// turns its output into progress, checkpoint and completion events.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"trainer/internal/apperrors"
	"trainer/internal/job"
	"trainer/internal/notify"
	"trainer/internal/storage"
)

// Notification messages.
const (
	MessageStarted   = "Job Started"
	MessageProgress  = "Job Progress"
	MessageCompleted = "Job Completed"
)

// logKey is the object name of the uploaded process log under the job prefix.
const logKey = "train.log"

// Watcher is the checkpoint scanner for one job.
type Watcher interface {
	Scan(ctx context.Context) []job.EpochResult
	Wait(ctx context.Context) error
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, model string)
	RecordJobCompleted(ctx context.Context, model, status string, durationSeconds float64)
	RecordJobProgress(ctx context.Context, percent int)
}

// Supervisor spawns and monitors training processes, one per Run call.
type Supervisor struct {
	config   Config
	notifier notify.Notifier
	uploader storage.Uploader
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// New creates a supervisor. uploader and metrics may be nil.
func New(cfg Config, notifier notify.Notifier, uploader storage.Uploader, metrics MetricsRecorder) *Supervisor {
	return &Supervisor{
		config:   cfg.withDefaults(),
		notifier: notifier,
		uploader: uploader,
		metrics:  metrics,
		logger:   slog.With("component", "supervisor"),
	}
}

type outputLine struct {
	stderr bool
	text   string
}

// Run starts the job, supervises the program until it exits, and sends the
// final notification if this call decided the terminal state. Cancelling ctx
// kills the program. It returns nil when the job finished.
func (s *Supervisor) Run(ctx context.Context, j *job.Job, w Watcher) error {
	logger := s.logger.With("jobId", j.ID)

	logFile := s.openLog(j, logger)
	var logw io.Writer = io.Discard
	if logFile != nil {
		logw = logFile
	}

	if !j.Start() {
		if logFile != nil {
			logFile.Close()
		}
		return apperrors.Conflict("job", fmt.Sprintf("cannot start job in status %s", j.Status()))
	}
	if s.metrics != nil {
		s.metrics.RecordJobStarted(ctx, j.Request.Model)
	}
	logger.Info("Job started", "command", strings.Join(s.command(j), " "))
	s.notifier.Send(j.Request.TrainingWebhookURL, true, 200, MessageStarted, j.Snapshot())

	runErr := s.execute(ctx, j, w, logw, logger)

	if runErr == nil {
		w.Scan(ctx)
		if j.Finish() {
			s.waitUploads(w, logger)
			logger.Info("Job completed", "checkpoints", len(j.Results()), "duration", j.Duration())
			s.notifier.Send(j.Request.TrainingWebhookURL, true, 200, MessageCompleted, j.Snapshot())
		}
	} else {
		msg := failureMessage(runErr)
		if j.Fail(msg) {
			s.waitUploads(w, logger)
			logger.Error("Job failed", "error", runErr)
			s.notifier.Send(j.Request.TrainingWebhookURL, false, apperrors.HTTPStatus(runErr), msg, j.Snapshot())
		} else {
			logger.Info("Process ended after job was already terminal", "status", j.Status(), "error", runErr)
		}
	}

	if logFile != nil {
		logFile.Close()
		s.uploadLog(j, logFile.Name(), logger)
	}

	status := j.Status()
	if s.metrics != nil {
		s.metrics.RecordJobCompleted(ctx, j.Request.Model, string(status), j.Duration().Seconds())
	}
	if status == job.StatusFinished {
		return nil
	}
	if runErr == nil {
		runErr = errors.New(j.ErrorMessage())
	}
	return apperrors.Process(j.ErrorMessage(), runErr)
}

func (s *Supervisor) command(j *job.Job) []string {
	args := append([]string(nil), s.config.Command...)
	if j.Request.ConfigPath != "" {
		args = append(args, j.Request.ConfigPath)
	}
	return args
}

// execute runs the program to completion, handling output lines on the
// calling goroutine.
func (s *Supervisor) execute(ctx context.Context, j *job.Job, w Watcher, logw io.Writer, logger *slog.Logger) error {
	argv := s.command(j)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.config.WorkDir
	cmd.WaitDelay = s.config.WaitDelay

	// Pipes are io.Pipes rather than StdoutPipe so Wait owns the copy and
	// WaitDelay covers children that keep the descriptors open.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return apperrors.Process("failed to start training process: "+err.Error(), err)
	}
	logger.Info("Training process started", "pid", cmd.Process.Pid)

	lines := make(chan outputLine, 64)
	readErrs := make(chan error, 2)
	var readers sync.WaitGroup
	readers.Add(2)
	go readStream(outR, false, lines, readErrs, &readers)
	go readStream(errR, true, lines, readErrs, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		outW.Close()
		errW.Close()
		waitErr <- err
	}()

	stderrTail := newTail(s.config.StderrTailLines)
	lastEmitted := 0
	for l := range lines {
		stream := "stdout"
		if l.stderr {
			stream = "stderr"
			stderrTail.add(l.text)
		}
		fmt.Fprintf(logw, "[%s] %s\n", stream, l.text)

		p, ok := parseProgress(l.text)
		if !ok || !j.UpdateProgress(p) {
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordJobProgress(ctx, p)
		}
		if p-lastEmitted >= s.config.ProgressStep {
			lastEmitted = p
			logger.Debug("Job progress", "progress", p)
			s.notifier.Send(j.Request.TrainingWebhookURL, true, 200, MessageProgress, j.Snapshot())
			w.Scan(ctx)
		}
	}

	err := <-waitErr
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Warn("Training process exited", "exitCode", exitErr.ExitCode())
		}
		tailText := strings.TrimSpace(stderrTail.String())
		return apperrors.Process(tailText, fmt.Errorf("training process: %w", err))
	}

	select {
	case err := <-readErrs:
		return apperrors.Process("", fmt.Errorf("reading training output: %w", err))
	default:
	}
	return nil
}

// readStream splits r into lines, truncating oversized ones. After a read
// error it drains r so the writer is never blocked.
func readStream(r io.Reader, stderr bool, lines chan<- outputLine, errs chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(newLineSplitter(maxLineSize).split)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		lines <- outputLine{stderr: stderr, text: text}
	}
	if err := scanner.Err(); err != nil {
		errs <- err
		_, _ = io.Copy(io.Discard, r)
	}
}

func failureMessage(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}

func (s *Supervisor) openLog(j *job.Job, logger *slog.Logger) *os.File {
	if err := os.MkdirAll(s.config.LogDir, 0o755); err != nil {
		logger.Warn("Failed to create log directory", "dir", s.config.LogDir, "error", err)
		return nil
	}
	path := filepath.Join(s.config.LogDir, j.ID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warn("Failed to open job log", "path", path, "error", err)
		return nil
	}
	j.SetLogPath(path)
	return f
}

func (s *Supervisor) waitUploads(w Watcher, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.UploadWaitTimeout)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		logger.Warn("Checkpoint uploads still running", "timeout", s.config.UploadWaitTimeout)
	}
}

// uploadLog is best effort.
func (s *Supervisor) uploadLog(j *job.Job, path string, logger *slog.Logger) {
	if s.uploader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.UploadWaitTimeout)
	defer cancel()

	start := time.Now()
	location, err := s.uploader.Upload(ctx, path, j.StoragePrefix()+logKey)
	if errors.Is(err, storage.ErrDisabled) {
		return
	}
	if err != nil {
		logger.Warn("Job log upload failed", "error", err)
		return
	}
	logger.Info("Job log uploaded", "location", location, "duration", time.Since(start))
}
