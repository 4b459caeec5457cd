package job

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func newJob(t *testing.T) *Job {
	t.Helper()
	req := &Request{JobID: "job-1", LoraName: "corgi", ImageURLs: []string{"https://example.com/a.jpg"}}
	ApplyDefaults(req)
	return New(req, time.Date(2024, 3, 9, 23, 30, 0, 0, time.UTC))
}

func TestNew(t *testing.T) {
	t.Parallel()
	j := newJob(t)

	if j.Status() != StatusWaiting {
		t.Errorf("expected waiting, got %s", j.Status())
	}
	if got := j.StoragePrefix(); got != "loras/2024-03-09/job-1/" {
		t.Errorf("unexpected storage prefix %q", got)
	}
	if got := j.Snapshot().TotalEpochs; got != 5 {
		t.Errorf("expected 1000/200 = 5 epochs, got %d", got)
	}
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()
		j := newJob(t)
		if j.Finish() {
			t.Fatal("a waiting job cannot finish")
		}
		if !j.Start() || j.Status() != StatusProcessing {
			t.Fatal("expected processing after Start")
		}
		if j.Start() {
			t.Error("Start must not apply twice")
		}
		j.UpdateProgress(40)
		if !j.Finish() {
			t.Fatal("expected Finish to apply")
		}
		if j.Progress() != 100 {
			t.Errorf("expected progress forced to 100, got %d", j.Progress())
		}
		if j.Fail("late failure") {
			t.Error("terminal job must not fail")
		}
		if j.Status() != StatusFinished || j.ErrorMessage() != "" {
			t.Errorf("finished job changed: %s %q", j.Status(), j.ErrorMessage())
		}
	})

	t.Run("fail is idempotent", func(t *testing.T) {
		t.Parallel()
		j := newJob(t)
		j.Start()
		if !j.Fail("CUDA OOM") {
			t.Fatal("expected first Fail to apply")
		}
		if j.Fail("stalled") {
			t.Error("second Fail must report false")
		}
		if j.ErrorMessage() != "CUDA OOM" {
			t.Errorf("first error must win, got %q", j.ErrorMessage())
		}
		if j.Finish() {
			t.Error("failed job must not finish")
		}
	})

	t.Run("fail from waiting with empty message", func(t *testing.T) {
		t.Parallel()
		j := newJob(t)
		if !j.Fail("") {
			t.Fatal("expected Fail to apply from waiting")
		}
		if j.ErrorMessage() == "" {
			t.Error("error message must always be set on failure")
		}
	})
}

func TestUpdateProgress_Monotonic(t *testing.T) {
	t.Parallel()
	j := newJob(t)

	if j.UpdateProgress(10) {
		t.Error("waiting job must not accept progress")
	}
	j.Start()

	steps := []struct {
		in       int
		advanced bool
		want     int
	}{
		{10, true, 10},
		{5, false, 10},
		{10, false, 10},
		{55, true, 55},
		{-3, false, 55},
		{250, true, 100},
	}
	for _, s := range steps {
		if got := j.UpdateProgress(s.in); got != s.advanced {
			t.Errorf("UpdateProgress(%d) = %v, want %v", s.in, got, s.advanced)
		}
		if j.Progress() != s.want {
			t.Errorf("after %d progress = %d, want %d", s.in, j.Progress(), s.want)
		}
	}
}

func TestAppendResult_Ordinals(t *testing.T) {
	t.Parallel()
	j := newJob(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.AppendResult("/out/ckpt.safetensors")
		}()
	}
	wg.Wait()

	results := j.Results()
	if len(results) != 20 {
		t.Fatalf("expected 20 results, got %d", len(results))
	}
	seen := map[string]bool{}
	for i, r := range results {
		if r.Number != i+1 {
			t.Errorf("result %d has ordinal %d", i, r.Number)
		}
		if r.TotalEpochs != 5 {
			t.Errorf("unexpected total epochs %d", r.TotalEpochs)
		}
		if seen[r.ID] {
			t.Errorf("duplicate id %s", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestSetRemotePath(t *testing.T) {
	t.Parallel()
	j := newJob(t)
	j.AppendResult("/out/a.safetensors")
	j.AppendResult("/out/b.safetensors")

	j.SetRemotePath(2, "loras/x/b.safetensors")
	j.SetRemotePath(7, "ignored")

	results := j.Results()
	if results[0].RemotePath != "" || results[1].RemotePath != "loras/x/b.safetensors" {
		t.Errorf("unexpected remote paths %+v", results)
	}
}

func TestSnapshot_JSON(t *testing.T) {
	t.Parallel()
	j := newJob(t)
	j.Start()
	j.UpdateProgress(20)
	j.AppendResult("/out/a.safetensors")

	data, err := json.Marshal(j.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["job_id"] != "job-1" || m["job_status"] != "processing" || m["job_progress"] != float64(20) {
		t.Errorf("unexpected snapshot %s", data)
	}
	results, ok := m["job_results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected one result in %s", data)
	}
	if _, ok := m["finished_at"]; ok {
		t.Error("finished_at must be omitted while processing")
	}

	// Snapshot is a copy
	snap := j.Snapshot()
	snap.Results[0].RemotePath = "mutated"
	if j.Results()[0].RemotePath != "" {
		t.Error("snapshot must not alias job results")
	}
}
