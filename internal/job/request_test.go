package job

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"trainer/internal/apperrors"
)

func envelope(t *testing.T, doc string) []byte {
	t.Helper()
	body, err := json.Marshal(Envelope{Field: doc})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestDecodeEnvelope_Valid(t *testing.T) {
	t.Parallel()
	body := envelope(t, `{
		"job_id": "job-42",
		"lora_name": "corgi",
		"images_urls": ["https://example.com/1.jpg", "https://example.com/2.png"],
		"training_webhook_url": "https://hooks.example.com/train",
		"example_prompts": ["a corgi on the moon"],
		"example_image_width": 768
	}`)

	req, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.JobID != "job-42" || req.LoraName != "corgi" || len(req.ImageURLs) != 2 {
		t.Errorf("unexpected request %+v", req)
	}
	if !req.Quantize() {
		t.Error("quantize_model should default to true")
	}
	if !req.LowMemory() {
		t.Error("low_vram should default to true")
	}
	if req.Steps != DefaultSteps || req.SaveEvery != DefaultSaveEvery || req.Rank != DefaultRank || req.Model != DefaultModel {
		t.Errorf("defaults not applied: %+v", req)
	}
	if req.ExampleImageWidth != 768 || req.ExampleImageHeight != DefaultImageSize {
		t.Errorf("unexpected image size %dx%d", req.ExampleImageWidth, req.ExampleImageHeight)
	}
}

func TestDecodeEnvelope_QuantizeFalse(t *testing.T) {
	t.Parallel()
	req, err := DecodeEnvelope(envelope(t, `{"job_id":"a","lora_name":"b","images_urls":["http://x/1.jpg"],"quantize_model":false}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Quantize() {
		t.Error("explicit false must be kept")
	}
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		body        []byte
		wantMessage string
		wantRequest bool
	}{
		{"not json", []byte("{"), "Invalid message envelope", false},
		{"empty field", []byte(`{"Field": ""}`), "Empty message payload!", false},
		{"field not json", envelope(t, "nope"), "Invalid job request", false},
		{"missing job id", envelope(t, `{"lora_name":"b","images_urls":["http://x/1.jpg"]}`), "No job id provided!", true},
		{"missing lora", envelope(t, `{"job_id":"a","images_urls":["http://x/1.jpg"]}`), "No lora name provided!", true},
		{"empty images", envelope(t, `{"job_id":"a","lora_name":"b","images_urls":[],"training_webhook_url":"http://h/x"}`), "No image urls provided!", true},
		{"bad image url", envelope(t, `{"job_id":"a","lora_name":"b","images_urls":["file:///etc/passwd"]}`), "Invalid image url at index 0", true},
		{"bad webhook", envelope(t, `{"job_id":"a","lora_name":"b","images_urls":["http://x/1.jpg"],"training_webhook_url":"ftp://h"}`), "Invalid training webhook url!", true},
		{"path traversal", envelope(t, `{"job_id":"../a","lora_name":"b","images_urls":["http://x/1.jpg"]}`), "Invalid job id", true},
		{"mistyped field", envelope(t, `{"job_id":"a","lora_name":"b","images_urls":["http://x/1.jpg"],"quantize_model":"yes"}`), "Invalid job request", true},
		{"unknown model", envelope(t, `{"job_id":"a","lora_name":"b","images_urls":["http://x/1.jpg"],"model":"xl"}`), "Unknown model", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := DecodeEnvelope(tt.body)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if apperrors.HTTPStatus(err) != 400 {
				t.Errorf("expected code 400, got %d", apperrors.HTTPStatus(err))
			}
			if !strings.Contains(err.Error(), tt.wantMessage) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantMessage)
			}
			if (req != nil) != tt.wantRequest {
				t.Errorf("request returned = %v, want %v", req != nil, tt.wantRequest)
			}
		})
	}
}

func TestDecodeEnvelope_InvalidKeepsWebhook(t *testing.T) {
	t.Parallel()
	req, err := DecodeEnvelope(envelope(t, `{"job_id":"a","lora_name":"b","training_webhook_url":"https://h/x"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if req == nil || req.TrainingWebhookURL != "https://h/x" {
		t.Fatalf("expected decoded webhook to be kept, got %+v", req)
	}
}

func TestDecodeEnvelope_MistypedFieldKeepsWebhook(t *testing.T) {
	t.Parallel()
	req, err := DecodeEnvelope(envelope(t, `{"job_id":"a","lora_name":"b","images_urls":["http://x/1.jpg"],"training_webhook_url":"https://h/x","quantize_model":"yes"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Field != "quantize_model" {
		t.Errorf("expected error on quantize_model, got %v", err)
	}
	if req == nil || req.TrainingWebhookURL != "https://h/x" || req.JobID != "a" {
		t.Fatalf("expected decoded fields to be kept, got %+v", req)
	}
}

func TestEncodeEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()
	in := &Request{JobID: "a", LoraName: "b", ImageURLs: []string{"http://x/1.jpg"}}
	body, err := EncodeEnvelope(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(string(body), `{"Field":"{`) {
		t.Errorf("unexpected envelope %s", body)
	}
	out, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID != "a" || out.LoraName != "b" {
		t.Errorf("unexpected request %+v", out)
	}
}
