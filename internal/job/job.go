// Package job defines training job requests and the job state machine.
//
// A Job moves WAITING -> PROCESSING -> FINISHED|FAILED. Terminal transitions
// are idempotent: the supervisor and the stall watchdog may both try to fail
// a job, and the second attempt is a harmless no-op that reports false.
package job

import (
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// checkpointRoot is the first segment of every job's storage prefix.
const checkpointRoot = "loras"

// Job is the mutable record of one training run. All methods are safe for
// concurrent use.
type Job struct {
	ID      string
	Request *Request

	mu            sync.Mutex
	status        Status
	progress      int
	results       []EpochResult
	totalEpochs   int
	storagePrefix string
	errorMessage  string
	logPath       string
	createdAt     time.Time
	startedAt     time.Time
	finishedAt    time.Time
}

// New creates a WAITING job for a validated request.
func New(req *Request, now time.Time) *Job {
	total := 1
	if req.SaveEvery > 0 && req.Steps/req.SaveEvery > 1 {
		total = req.Steps / req.SaveEvery
	}
	return &Job{
		ID:            req.JobID,
		Request:       req,
		status:        StatusWaiting,
		totalEpochs:   total,
		storagePrefix: StoragePrefix(req.JobID, now),
		createdAt:     now,
	}
}

// StoragePrefix returns "loras/<YYYY-MM-DD>/<jobID>/" for a creation time.
func StoragePrefix(jobID string, created time.Time) string {
	return path.Join(checkpointRoot, created.UTC().Format(time.DateOnly), jobID) + "/"
}

// Start moves WAITING to PROCESSING.
func (j *Job) Start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusWaiting {
		return false
	}
	j.status = StatusProcessing
	j.startedAt = time.Now()
	return true
}

// Finish moves PROCESSING to FINISHED and forces progress to 100.
func (j *Job) Finish() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusProcessing {
		return false
	}
	j.status = StatusFinished
	j.progress = 100
	j.finishedAt = time.Now()
	return true
}

// Fail moves a non-terminal job to FAILED with message. It returns false when
// the job was already terminal, in which case nothing changes.
func (j *Job) Fail(message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return false
	}
	if message == "" {
		message = "unknown error"
	}
	j.status = StatusFailed
	j.errorMessage = message
	j.finishedAt = time.Now()
	return true
}

// UpdateProgress raises progress to percent if it is higher than the current
// value. Lower values are discarded so progress never regresses. Only a
// PROCESSING job accepts progress.
func (j *Job) UpdateProgress(percent int) bool {
	percent = min(max(percent, 0), 100)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusProcessing || percent <= j.progress {
		return false
	}
	j.progress = percent
	return true
}

// AppendResult records a new checkpoint. The ordinal is the result count
// after the append, so ordinals are 1..N with no gaps.
func (j *Job) AppendResult(localPath string) EpochResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := EpochResult{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Number:      len(j.results) + 1,
		TotalEpochs: j.totalEpochs,
		LocalPath:   localPath,
	}
	j.results = append(j.results, r)
	return r
}

// SetRemotePath fills the storage path of result number after its upload.
func (j *Job) SetRemotePath(number int, remotePath string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if number >= 1 && number <= len(j.results) {
		j.results[number-1].RemotePath = remotePath
	}
}

// SetLogPath records where the process log is written.
func (j *Job) SetLogPath(p string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logPath = p
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Progress returns the current progress percentage.
func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// ErrorMessage returns the failure message, empty unless FAILED.
func (j *Job) ErrorMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errorMessage
}

// StoragePrefix returns the remote folder for this job's artifacts.
func (j *Job) StoragePrefix() string {
	return j.storagePrefix
}

// Results returns a copy of the results in append order.
func (j *Job) Results() []EpochResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]EpochResult, len(j.results))
	copy(out, j.results)
	return out
}

// Duration returns the processing wall time so far, or the total once terminal.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.startedAt.IsZero():
		return 0
	case j.finishedAt.IsZero():
		return time.Since(j.startedAt)
	default:
		return j.finishedAt.Sub(j.startedAt)
	}
}

// Snapshot returns the observer view of the job.
func (j *Job) Snapshot() *Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := &Snapshot{
		JobID:         j.ID,
		Status:        j.status,
		Progress:      j.progress,
		TotalEpochs:   j.totalEpochs,
		Results:       make([]EpochResult, len(j.results)),
		StoragePrefix: j.storagePrefix,
		ErrorMessage:  j.errorMessage,
		LogPath:       j.logPath,
		CreatedAt:     j.createdAt,
	}
	if j.Request != nil {
		s.LoraName = j.Request.LoraName
	}
	copy(s.Results, j.results)
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}
