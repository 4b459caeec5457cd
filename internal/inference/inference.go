// Package inference renders sample images from a finished LoRA by running an
// external inference program once per example prompt.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"trainer/internal/job"
	"trainer/internal/notify"
	"trainer/internal/storage"

	"gopkg.in/yaml.v3"
)

// MessageCompleted is the notification message for a rendered sample.
const MessageCompleted = "Inference Completed"

// maxOutputInMessage bounds the program output quoted in a failure message.
const maxOutputInMessage = 2048

// Sample is the data of an inference notification.
type Sample struct {
	JobID     string `json:"job_id"`
	Prompt    string `json:"prompt"`
	ImagePath string `json:"image_path,omitempty"`
}

// sampleConfig is the YAML document read by the inference program.
type sampleConfig struct {
	Model    string `yaml:"model"`
	LoraPath string `yaml:"lora_path"`
	Prompt   string `yaml:"prompt"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	Output   string `yaml:"output"`
}

// Runner renders samples for finished jobs.
type Runner struct {
	config   Config
	notifier notify.Notifier
	uploader storage.Uploader
	logger   *slog.Logger
}

// New creates a runner. uploader may be nil.
func New(cfg Config, notifier notify.Notifier, uploader storage.Uploader) *Runner {
	return &Runner{
		config:   cfg.withDefaults(),
		notifier: notifier,
		uploader: uploader,
		logger:   slog.With("component", "inference"),
	}
}

// Enabled reports whether an inference command is configured.
func (r *Runner) Enabled() bool {
	return len(r.config.Command) > 0
}

// Run renders one sample per example prompt of a FINISHED job using its
// latest checkpoint, and notifies the inference webhook for each. Failures
// are reported per prompt; the job itself is never modified. It returns the
// number of samples rendered.
func (r *Runner) Run(ctx context.Context, j *job.Job) int {
	req := j.Request
	if !r.Enabled() || j.Status() != job.StatusFinished || len(req.ExamplePrompts) == 0 {
		return 0
	}
	logger := r.logger.With("jobId", j.ID)

	results := j.Results()
	if len(results) == 0 {
		logger.Warn("No checkpoint to sample from")
		for _, prompt := range req.ExamplePrompts {
			r.fail(req, prompt, errors.New("no checkpoint available for inference"))
		}
		return 0
	}
	lora := results[len(results)-1].LocalPath

	dir := filepath.Join(req.OutputDir, "samples")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("Failed to create samples directory", "error", err)
		for _, prompt := range req.ExamplePrompts {
			r.fail(req, prompt, err)
		}
		return 0
	}

	rendered := 0
	for i, prompt := range req.ExamplePrompts {
		if ctx.Err() != nil {
			r.fail(req, prompt, ctx.Err())
			continue
		}
		name := fmt.Sprintf("%d.png", i+1)
		location, err := r.render(ctx, j, lora, prompt, filepath.Join(dir, name), path.Join("samples", name))
		if err != nil {
			logger.Warn("Inference failed", "prompt", prompt, "error", err)
			r.fail(req, prompt, err)
			continue
		}
		rendered++
		logger.Info("Sample rendered", "prompt", prompt, "image", location)
		r.notifier.Send(req.InferenceWebhookURL, true, http.StatusOK, MessageCompleted,
			Sample{JobID: req.JobID, Prompt: prompt, ImagePath: location})
	}
	return rendered
}

func (r *Runner) render(ctx context.Context, j *job.Job, lora, prompt, output, key string) (string, error) {
	req := j.Request
	cfg := sampleConfig{
		Model:    req.Model,
		LoraPath: lora,
		Prompt:   prompt,
		Width:    req.ExampleImageWidth,
		Height:   req.ExampleImageHeight,
		Output:   output,
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode inference config: %w", err)
	}
	cfgPath := strings.TrimSuffix(output, filepath.Ext(output)) + ".yaml"
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write inference config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	args := append(append([]string{}, r.config.Command[1:]...), cfgPath)
	cmd := exec.CommandContext(ctx, r.config.Command[0], args...)
	cmd.Dir = r.config.WorkDir
	cmd.WaitDelay = r.config.WaitDelay
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("inference process: %w: %s", err, lastBytes(out, maxOutputInMessage))
	}

	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		return "", fmt.Errorf("inference produced no image at %s", output)
	}

	if r.uploader == nil {
		return output, nil
	}
	location, err := r.uploader.Upload(context.WithoutCancel(ctx), output, j.StoragePrefix()+key)
	if errors.Is(err, storage.ErrDisabled) {
		return output, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to upload sample: %w", err)
	}
	return location, nil
}

func (r *Runner) fail(req *job.Request, prompt string, err error) {
	r.notifier.Send(req.InferenceWebhookURL, false, http.StatusInternalServerError, err.Error(),
		Sample{JobID: req.JobID, Prompt: prompt})
}

func lastBytes(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
