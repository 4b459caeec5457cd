package job

import (
	"time"
)

// Request is a training job request as submitted through the queue.
type Request struct {
	JobID               string   `json:"job_id"`
	LoraName            string   `json:"lora_name"`
	ImageURLs           []string `json:"images_urls"`
	TrainingWebhookURL  string   `json:"training_webhook_url,omitempty"`
	InferenceWebhookURL string   `json:"inference_webhook_url,omitempty"`
	ExamplePrompts      []string `json:"example_prompts,omitempty"`
	QuantizeModel       *bool    `json:"quantize_model,omitempty"`
	ExampleImageWidth   int      `json:"example_image_width,omitempty"`
	ExampleImageHeight  int      `json:"example_image_height,omitempty"`

	// Training hyperparameters. Zero values are replaced with defaults.
	Steps        int     `json:"steps,omitempty"`
	SaveEvery    int     `json:"save_every,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	Rank         int     `json:"rank,omitempty"`
	Model        string  `json:"model,omitempty"` // "dev" or "schnell"
	LowVRAM      *bool   `json:"low_vram,omitempty"`

	// Set by the preparer before the supervisor runs.
	DatasetDir string `json:"-"`
	OutputDir  string `json:"-"`
	ConfigPath string `json:"-"`
}

// Quantize reports whether the base model should be quantized (default true).
func (r *Request) Quantize() bool {
	return r.QuantizeModel == nil || *r.QuantizeModel
}

// LowMemory reports whether low-VRAM mode is on (default true).
func (r *Request) LowMemory() bool {
	return r.LowVRAM == nil || *r.LowVRAM
}

// Envelope is the outer queue message. Field holds the request document as
// a JSON-encoded string.
type Envelope struct {
	Field string `json:"Field"`
}

// Status is the job state.
type Status string

// Status values. WAITING is initial; FINISHED and FAILED are terminal.
const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// EpochResult records one detected checkpoint.
type EpochResult struct {
	ID          string `json:"current_epoch_id"`
	Number      int    `json:"current_epoch_number"`
	TotalEpochs int    `json:"total_epochs"`
	LocalPath   string `json:"saved_checkpoint_path"`
	RemotePath  string `json:"cloud_storage_path"`
}

// Snapshot is the job view sent to observers.
type Snapshot struct {
	JobID         string        `json:"job_id"`
	LoraName      string        `json:"lora_name"`
	Status        Status        `json:"job_status"`
	Progress      int           `json:"job_progress"`
	TotalEpochs   int           `json:"job_epochs"`
	Results       []EpochResult `json:"job_results"`
	StoragePrefix string        `json:"job_s3_folder"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	LogPath       string        `json:"log_path,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}
