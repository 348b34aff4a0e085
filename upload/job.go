package upload

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job.
type Status string

// Job statuses. Transitions only go forward: idle -> uploading -> completed | failed.
const (
	StatusIdle      Status = "idle"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal ...
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one upload of one source. Jobs are never reused: selecting a new file means planning a new Job.
// All mutation happens inside the Coordinator, callers read the state through Snapshot.
type Job struct {
	id          string
	sourceSize  int64
	chunkSize   int64
	totalChunks int
	createdAt   time.Time

	mu              sync.RWMutex
	chunksCompleted int
	progress        float64
	status          Status
	resultAddress   string
	failureReason   string
	receipt         *Receipt
	diagnostics     []ChunkTransmissionError
	finishedAt      time.Time
}

// Snapshot is a point-in-time copy of a Job.
type Snapshot struct {
	ID              string    `json:"id"`
	SourceSize      int64     `json:"source_size"`
	ChunkSize       int64     `json:"chunk_size"`
	TotalChunks     int       `json:"total_chunks"`
	ChunksCompleted int       `json:"chunks_completed"`
	Progress        float64   `json:"progress"`
	Status          Status    `json:"status"`
	ResultAddress   string    `json:"result_address,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	ReceiptID       string    `json:"receipt_id,omitempty"`
	ChunkErrors     int       `json:"chunk_errors"`
	CreatedAt       time.Time `json:"created_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// PlanJob creates an idle job for a source of sourceSize bytes split into chunkSize chunks.
func PlanJob(sourceSize, chunkSize int64) (*Job, error) {
	if sourceSize < 0 {
		return nil, NewValidationError("source size must not be negative, got %d", sourceSize)
	}
	if chunkSize <= 0 {
		return nil, NewValidationError("chunk size must be positive, got %d", chunkSize)
	}

	return &Job{
		id:          uuid.NewString(),
		sourceSize:  sourceSize,
		chunkSize:   chunkSize,
		totalChunks: TotalChunks(sourceSize, chunkSize),
		createdAt:   time.Now(),
		status:      StatusIdle,
	}, nil
}

// TotalChunks returns ceil(sourceSize / chunkSize), but at least 1.
// A source that is an exact multiple of the chunk size does not get an extra chunk.
func TotalChunks(sourceSize, chunkSize int64) int {
	if sourceSize <= 0 || chunkSize <= 0 {
		return 1
	}
	n := (sourceSize + chunkSize - 1) / chunkSize
	if n < 1 {
		return 1
	}
	return int(n)
}

// ID ...
func (j *Job) ID() string {
	return j.id
}

// TotalChunks ...
func (j *Job) TotalChunks() int {
	return j.totalChunks
}

// SourceSize ...
func (j *Job) SourceSize() int64 {
	return j.sourceSize
}

// ChunkSize ...
func (j *Job) ChunkSize() int64 {
	return j.chunkSize
}

// Status ...
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Progress returns the completion percentage in [0, 100].
func (j *Job) Progress() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

// Diagnostics returns the non-fatal chunk errors observed so far.
func (j *Job) Diagnostics() []ChunkTransmissionError {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]ChunkTransmissionError, len(j.diagnostics))
	copy(out, j.diagnostics)
	return out
}

// Snapshot ...
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Snapshot{
		ID:              j.id,
		SourceSize:      j.sourceSize,
		ChunkSize:       j.chunkSize,
		TotalChunks:     j.totalChunks,
		ChunksCompleted: j.chunksCompleted,
		Progress:        j.progress,
		Status:          j.status,
		ResultAddress:   j.resultAddress,
		FailureReason:   j.failureReason,
		ChunkErrors:     len(j.diagnostics),
		CreatedAt:       j.createdAt,
		FinishedAt:      j.finishedAt,
	}
	if j.receipt != nil {
		s.ReceiptID = j.receipt.ID
	}
	return s
}

func (j *Job) begin() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status {
	case StatusIdle:
		j.status = StatusUploading
		return nil
	case StatusUploading:
		return ErrJobInProgress
	default:
		return ErrJobFinished
	}
}

// recordChunk marks chunk index (zero based) as acknowledged.
func (j *Job) recordChunk(index int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	completed := index + 1
	if completed > j.totalChunks {
		completed = j.totalChunks
	}
	if completed <= j.chunksCompleted {
		return
	}
	j.chunksCompleted = completed

	progress := 100.0
	if j.chunksCompleted < j.totalChunks {
		progress = float64(j.chunksCompleted) / float64(j.totalChunks) * 100
	}
	if progress > j.progress {
		j.progress = progress
	}
}

func (j *Job) recordChunkError(chunkErr ChunkTransmissionError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.diagnostics = append(j.diagnostics, chunkErr)
}

func (j *Job) markDone(receipt Receipt) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = 100
	r := receipt
	j.receipt = &r
}

func (j *Job) complete(address string, receipt Receipt) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusUploading {
		return
	}
	j.status = StatusCompleted
	j.resultAddress = address
	r := receipt
	j.receipt = &r
	j.progress = 100
	j.finishedAt = time.Now()
}

func (j *Job) fail(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusUploading {
		return
	}
	j.status = StatusFailed
	j.failureReason = reason
	j.finishedAt = time.Now()
}
