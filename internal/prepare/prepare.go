// Package prepare materializes a job's dataset and training configuration on
// local disk before the training program starts.
package prepare

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"trainer/internal/apperrors"
	"trainer/internal/job"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Preparer downloads datasets and writes training configs.
type Preparer struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a preparer. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client) *Preparer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Preparer{
		config: cfg.withDefaults(),
		client: client,
		logger: slog.With("component", "prepare"),
	}
}

// Prepare builds DATASET_ROOT/<lora_name> with one image and one caption per
// URL, writes <dataset>/<lora_name>.yaml, and fills req.DatasetDir,
// req.OutputDir and req.ConfigPath. Any leftover directory from an earlier
// run of the same LoRA is removed first so old checkpoints are not reported.
func (p *Preparer) Prepare(ctx context.Context, req *job.Request) error {
	logger := p.logger.With("jobId", req.JobID, "lora", req.LoraName)

	datasetDir := filepath.Join(p.config.DatasetRoot, req.LoraName)
	if err := os.RemoveAll(datasetDir); err != nil {
		return apperrors.Internal("prepare.clean", err)
	}
	if err := os.MkdirAll(datasetDir, 0o755); err != nil {
		return apperrors.Internal("prepare.mkdir", err)
	}

	if err := p.downloadAll(ctx, req, datasetDir); err != nil {
		return err
	}

	configPath := filepath.Join(datasetDir, req.LoraName+".yaml")
	if err := p.writeConfig(configPath, req, datasetDir); err != nil {
		return apperrors.Internal("prepare.config", err)
	}

	req.DatasetDir = datasetDir
	req.OutputDir = filepath.Join(datasetDir, req.LoraName)
	req.ConfigPath = configPath
	logger.Info("Job prepared", "images", len(req.ImageURLs), "config", configPath)
	return nil
}

func (p *Preparer) downloadAll(ctx context.Context, req *job.Request, dir string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.DownloadConcurrency)

	for i, u := range req.ImageURLs {
		base := fmt.Sprintf("%03d", i)
		g.Go(func() error {
			if _, err := p.download(ctx, u, dir, base); err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			return writeCaption(filepath.Join(dir, base+".txt"), req.LoraName)
		})
	}

	if err := g.Wait(); err != nil {
		return apperrors.Internal("prepare.download", err)
	}
	return nil
}

// writeCaption writes the trigger word as the image caption.
func writeCaption(path, trigger string) error {
	return os.WriteFile(path, []byte(trigger), 0o644)
}

func (p *Preparer) writeConfig(path string, req *job.Request, datasetDir string) error {
	data, err := yaml.Marshal(p.buildConfig(req, datasetDir))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (p *Preparer) buildConfig(req *job.Request, datasetDir string) *trainingConfig {
	model := modelConfig{
		NameOrPath: devModel,
		IsFlux:     true,
		Quantize:   req.Quantize(),
		LowVRAM:    req.LowMemory(),
	}
	sample := sampleConfig{
		Sampler:       "flowmatch",
		SampleEvery:   req.SaveEvery,
		Width:         req.ExampleImageWidth,
		Height:        req.ExampleImageHeight,
		Prompts:       req.ExamplePrompts,
		Seed:          42,
		WalkSeed:      true,
		GuidanceScale: 4,
		SampleSteps:   20,
	}
	if req.Model == "schnell" {
		model.NameOrPath = schnellModel
		model.AssistantLoraPath = schnellAssistant
		sample.GuidanceScale = 1
		sample.SampleSteps = 10
	}
	if sample.Prompts == nil {
		sample.Prompts = []string{}
	}

	return &trainingConfig{
		Job: "extension",
		Config: jobConfig{
			Name: req.LoraName,
			Process: []processConfig{{
				Type:           "sd_trainer",
				TrainingFolder: datasetDir,
				Device:         "cuda:0",
				TriggerWord:    req.LoraName,
				Network:        networkConfig{Type: "lora", Linear: req.Rank, LinearAlpha: req.Rank},
				Save: saveConfig{
					Dtype:     "float16",
					SaveEvery: req.SaveEvery,
					// Keep every checkpoint; the watcher reports each one.
					MaxStepSavesToKeep: req.Steps/req.SaveEvery + 1,
				},
				Datasets: []datasetConfig{{
					FolderPath:         datasetDir,
					CaptionExt:         "txt",
					CaptionDropoutRate: p.config.CaptionDropoutRate,
					CacheLatentsToDisk: true,
					Resolution:         p.config.Resolutions,
				}},
				Train: trainConfig{
					BatchSize:                 1,
					Steps:                     req.Steps,
					GradientAccumulationSteps: 1,
					TrainUnet:                 true,
					GradientCheckpointing:     true,
					NoiseScheduler:            "flowmatch",
					Optimizer:                 "adamw8bit",
					LR:                        req.LearningRate,
					SkipFirstSample:           true,
					DisableSampling:           len(req.ExamplePrompts) == 0,
					Dtype:                     "bf16",
				},
				Model:  model,
				Sample: sample,
			}},
		},
		Meta: configMeta{Name: "[name]", Version: "1.0"},
	}
}
