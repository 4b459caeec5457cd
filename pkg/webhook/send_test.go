package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsDeliverable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url  string
		want bool
	}{
		{"", false},
		{"not a url", false},
		{"ftp://example.com/hook", false},
		{"http://", false},
		{"http://example.com/hook", true},
		{"HTTPS://example.com", true},
		{"localhost:8080/hook", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			if got := IsDeliverable(tt.url); got != tt.want {
				t.Errorf("IsDeliverable(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotSig, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	s := NewSender(5 * time.Second)
	payload := &Payload{Status: true, Code: 200, Message: "Job Completed", Data: map[string]any{"job_id": "j1"}}
	if err := s.Send(context.Background(), server.URL, payload, SendOptions{SigningKey: "k"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	for _, key := range []string{"status", "code", "message", "data"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("body missing %q: %s", key, gotBody)
		}
	}
	if gotType != "application/json" {
		t.Errorf("unexpected content type %q", gotType)
	}
	if gotSig != Sign(gotBody, "k") {
		t.Errorf("signature mismatch: %q", gotSig)
	}
}

func TestSender_NullData(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	err := NewSender(time.Second).Send(context.Background(), server.URL,
		&Payload{Status: false, Code: 400, Message: "No image urls provided!"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	want := `{"status":false,"code":400,"message":"No image urls provided!","data":null}`
	if string(gotBody) != want {
		t.Errorf("body = %s, want %s", gotBody, want)
	}
}

func TestSender_HTTPError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := NewSender(time.Second).Send(context.Background(), server.URL, &Payload{}, SendOptions{})
	if !IsClientError(err) {
		t.Fatalf("expected client error, got %v", err)
	}
	if err.Error() != "HTTP 404" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{&HTTPError{StatusCode: 400}, true},
		{&HTTPError{StatusCode: 499}, true},
		{&HTTPError{StatusCode: 500}, false},
		{fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 403}), true},
		{fmt.Errorf("network"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsClientError(tt.err); got != tt.want {
			t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
