package testutil

import (
	"context"
	"sync"
)

// Upload is one call captured by Uploads.
type Upload struct {
	LocalPath string
	Key       string
}

// Uploads records Upload calls. It satisfies storage.Uploader.
// Set Err to make every upload fail, or Gate to hold uploads until it is
// closed.
type Uploads struct {
	Err  error
	Gate chan struct{}

	mu   sync.Mutex
	done []Upload
}

// Upload records the call and returns "mem://<key>".
func (u *Uploads) Upload(ctx context.Context, localPath, key string) (string, error) {
	if u.Gate != nil {
		select {
		case <-u.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	u.mu.Lock()
	u.done = append(u.done, Upload{LocalPath: localPath, Key: key})
	u.mu.Unlock()
	if u.Err != nil {
		return "", u.Err
	}
	return "mem://" + key, nil
}

func (u *Uploads) Backend() string { return "memory" }

// All returns a copy of recorded uploads.
func (u *Uploads) All() []Upload {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Upload, len(u.done))
	copy(out, u.done)
	return out
}

// Keys returns the recorded keys.
func (u *Uploads) Keys() []string {
	var keys []string
	for _, up := range u.All() {
		keys = append(keys, up.Key)
	}
	return keys
}
