package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"trainer/internal/apperrors"
	"trainer/pkg/webhook"
)

// Defaults for unspecified hyperparameters.
const (
	DefaultSteps        = 1000
	DefaultSaveEvery    = 200
	DefaultLearningRate = 5e-4
	DefaultRank         = 16
	DefaultModel        = "dev"
	DefaultImageSize    = 1024
)

// Validation limits
const (
	maxNameLength = 128
	maxImages     = 200
	maxPrompts    = 16
	maxSteps      = 100_000
	maxImageSize  = 2048
)

// namePattern keeps job ids and lora names safe as path segments.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// DecodeEnvelope unwraps a queue message body, applies defaults and validates
// the request. On a validation error the partially decoded request is still
// returned so the caller can notify its webhook.
func DecodeEnvelope(body []byte) (*Request, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Validation("", fmt.Sprintf("Invalid message envelope: %v", err))
	}
	if env.Field == "" {
		return nil, apperrors.Validation("", "Empty message payload!")
	}

	var req Request
	if err := json.Unmarshal([]byte(env.Field), &req); err != nil {
		msg := fmt.Sprintf("Invalid job request: %v", err)
		// A mistyped field leaves the rest of the document decoded.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &req, apperrors.Validation(typeErr.Field, msg)
		}
		return nil, apperrors.Validation("", msg)
	}

	ApplyDefaults(&req)
	if err := Validate(&req); err != nil {
		return &req, err
	}
	return &req, nil
}

// EncodeEnvelope wraps a request document for publishing.
func EncodeEnvelope(req *Request) ([]byte, error) {
	doc, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return json.Marshal(Envelope{Field: string(doc)})
}

// ApplyDefaults sets default values for unspecified fields.
func ApplyDefaults(req *Request) {
	if req.Steps <= 0 {
		req.Steps = DefaultSteps
	}
	if req.SaveEvery <= 0 {
		req.SaveEvery = DefaultSaveEvery
	}
	if req.LearningRate <= 0 {
		req.LearningRate = DefaultLearningRate
	}
	if req.Rank <= 0 {
		req.Rank = DefaultRank
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if req.ExampleImageWidth <= 0 {
		req.ExampleImageWidth = DefaultImageSize
	}
	if req.ExampleImageHeight <= 0 {
		req.ExampleImageHeight = DefaultImageSize
	}
}

// Validate checks a request. Does not modify it. The messages for the three
// required fields are the ones observers already match on.
func Validate(req *Request) error {
	if req.JobID == "" {
		return apperrors.Validation("job_id", "No job id provided!")
	}
	if req.LoraName == "" {
		return apperrors.Validation("lora_name", "No lora name provided!")
	}
	if len(req.ImageURLs) == 0 {
		return apperrors.Validation("images_urls", "No image urls provided!")
	}

	if len(req.JobID) > maxNameLength || !namePattern.MatchString(req.JobID) {
		return apperrors.Validation("job_id", "Invalid job id: must be alphanumeric (dots, hyphens and underscores allowed)")
	}
	if len(req.LoraName) > maxNameLength || !namePattern.MatchString(req.LoraName) {
		return apperrors.Validation("lora_name", "Invalid lora name: must be alphanumeric (dots, hyphens and underscores allowed)")
	}

	if len(req.ImageURLs) > maxImages {
		return apperrors.Validation("images_urls", fmt.Sprintf("Too many image urls: maximum is %d", maxImages))
	}
	for i, u := range req.ImageURLs {
		if !webhook.IsDeliverable(u) {
			return apperrors.Validation("images_urls", fmt.Sprintf("Invalid image url at index %d", i))
		}
	}

	if req.TrainingWebhookURL != "" && !webhook.IsDeliverable(req.TrainingWebhookURL) {
		return apperrors.Validation("training_webhook_url", "Invalid training webhook url!")
	}
	if req.InferenceWebhookURL != "" && !webhook.IsDeliverable(req.InferenceWebhookURL) {
		return apperrors.Validation("inference_webhook_url", "Invalid inference webhook url!")
	}

	if len(req.ExamplePrompts) > maxPrompts {
		return apperrors.Validation("example_prompts", fmt.Sprintf("Too many example prompts: maximum is %d", maxPrompts))
	}
	if req.ExampleImageWidth > maxImageSize || req.ExampleImageHeight > maxImageSize {
		return apperrors.Validation("example_image_width", fmt.Sprintf("Example image size exceeds %dpx", maxImageSize))
	}

	if req.Steps > maxSteps {
		return apperrors.Validation("steps", fmt.Sprintf("Steps exceed maximum of %d", maxSteps))
	}
	if req.SaveEvery > req.Steps {
		return apperrors.Validation("save_every", "save_every cannot exceed steps")
	}
	if req.Model != "dev" && req.Model != "schnell" {
		return apperrors.Validation("model", fmt.Sprintf("Unknown model %q: expected dev or schnell", req.Model))
	}

	return nil
}
