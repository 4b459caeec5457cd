package prepare

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var imageExts = map[string]string{
	".jpg":  ".jpg",
	".jpeg": ".jpg",
	".png":  ".png",
	".webp": ".webp",
}

// download fetches rawURL into dir/<base><ext> and returns the file path.
// The extension comes from the URL, then the Content-Type, then ".jpg".
func (p *Preparer) download(ctx context.Context, rawURL, dir, base string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	dest := filepath.Join(dir, base+extension(rawURL, resp.Header.Get("Content-Type")))
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, p.config.MaxImageBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if written > p.config.MaxImageBytes {
		return "", fmt.Errorf("image exceeds %d bytes", p.config.MaxImageBytes)
	}
	if written == 0 {
		return "", fmt.Errorf("empty image")
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	return dest, nil
}

func extension(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext, ok := imageExts[strings.ToLower(path.Ext(u.Path))]; ok {
			return ext
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/png":
			return ".png"
		case "image/webp":
			return ".webp"
		}
	}
	return ".jpg"
}
