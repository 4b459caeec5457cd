package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     Config
		backend string
		wantErr bool
	}{
		{name: "default is none", cfg: Config{}, backend: "none"},
		{name: "dir", cfg: Config{Backend: "dir", Dir: t.TempDir()}, backend: "dir"},
		{name: "http", cfg: Config{Backend: "http", URLTemplate: "http://example.com/{key}"}, backend: "http"},
		{name: "dir without path", cfg: Config{Backend: "dir"}, wantErr: true},
		{name: "minio without endpoint", cfg: Config{Backend: "minio"}, wantErr: true},
		{name: "unknown", cfg: Config{Backend: "ftp"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := New(ctx, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && u.Backend() != tt.backend {
				t.Errorf("Backend() = %q, want %q", u.Backend(), tt.backend)
			}
		})
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	if _, err := (Disabled{}).Upload(context.Background(), "a", "b"); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestDir_Upload(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	d, err := NewDir(root)
	if err != nil {
		t.Fatal(err)
	}

	src := writeFile(t, "train.log", "step 1")
	loc, err := d.Upload(context.Background(), src, "loras/2026-03-01/j1/train.log")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	want := filepath.Join(root, "loras", "2026-03-01", "j1", "train.log")
	if loc != want {
		t.Errorf("location = %q, want %q", loc, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "step 1" {
		t.Errorf("unexpected content %q (%v)", data, err)
	}
}

func TestDir_RejectsEscapingKey(t *testing.T) {
	t.Parallel()
	d, _ := NewDir(t.TempDir())
	if _, err := d.Upload(context.Background(), writeFile(t, "a", "x"), "../outside"); err == nil {
		t.Error("expected error for key outside the root")
	}
}

func TestMinIO_Upload(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := NewMinIO(ctx, Config{
		Endpoint:  endpoint,
		Bucket:    "trainer-test",
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
	})
	if err != nil {
		t.Fatalf("NewMinIO failed: %v", err)
	}

	loc, err := m.Upload(ctx, writeFile(t, "model.safetensors", "weights"), "loras/test/model.safetensors")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if loc != "s3://trainer-test/loras/test/model.safetensors" {
		t.Errorf("unexpected location %q", loc)
	}
}

func TestMinIO_Location(t *testing.T) {
	t.Parallel()
	m := &MinIO{bucket: "b", publicURL: "https://cdn.example.com"}
	if got := m.location("loras/x.safetensors"); got != "https://cdn.example.com/loras/x.safetensors" {
		t.Errorf("unexpected location %q", got)
	}
}
