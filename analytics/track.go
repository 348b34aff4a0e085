// Package analytics reports upload lifecycle events.
package analytics

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/udl-tools/go-uploadkit/upload"
)

// TrackerFactory ...
type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	SessionIDEnvKey = "UPLOADKIT_SESSION_ID"
	SessionID       = "session_id"
)

// Event names.
const (
	EventJobPlanned      = "upload_job_planned"
	EventUploadCompleted = "upload_completed"
	EventUploadFailed    = "upload_failed"
	EventBundleCreated   = "upload_bundle_created"
)

// UploadTracker enqueues upload lifecycle events on an analytics tracker.
type UploadTracker struct {
	tracker analytics.Tracker
}

// NewUploadTracker creates a tracker whose events carry the session ID and the backend.
func NewUploadTracker(repository env.Repository, backend string, logger log.Logger, trackerFactory TrackerFactory) *UploadTracker {
	p := analytics.Properties{
		"backend": backend,
	}
	if sessionID := repository.Get(SessionIDEnvKey); sessionID != "" {
		p[SessionID] = sessionID
	}
	return &UploadTracker{tracker: trackerFactory(logger, p)}
}

// NewDefaultUploadTracker ...
func NewDefaultUploadTracker(repository env.Repository, backend string, logger log.Logger) *UploadTracker {
	return NewUploadTracker(repository, backend, logger, analytics.NewDefaultTracker)
}

// JobPlanned ...
func (t *UploadTracker) JobPlanned(snapshot upload.Snapshot, contentType string) {
	t.tracker.Enqueue(EventJobPlanned, analytics.Properties{
		"job_id":       snapshot.ID,
		"size_bytes":   snapshot.SourceSize,
		"chunk_size":   snapshot.ChunkSize,
		"total_chunks": snapshot.TotalChunks,
		"content_type": contentType,
	})
}

// BundleCreated ...
func (t *UploadTracker) BundleCreated(bundleTime time.Duration, sizeBytes int64, pathCount int) {
	t.tracker.Enqueue(EventBundleCreated, analytics.Properties{
		"bundle_time_s": bundleTime.Truncate(time.Second).Seconds(),
		"size_bytes":    sizeBytes,
		"path_count":    pathCount,
	})
}

// Finished enqueues upload_completed or upload_failed depending on the terminal snapshot.
func (t *UploadTracker) Finished(snapshot upload.Snapshot, uploadTime time.Duration) {
	properties := analytics.Properties{
		"job_id":           snapshot.ID,
		"upload_time_s":    uploadTime.Truncate(time.Second).Seconds(),
		"size_bytes":       snapshot.SourceSize,
		"chunks_completed": snapshot.ChunksCompleted,
		"total_chunks":     snapshot.TotalChunks,
		"chunk_errors":     snapshot.ChunkErrors,
	}

	if snapshot.Status == upload.StatusCompleted {
		t.tracker.Enqueue(EventUploadCompleted, properties)
		return
	}
	properties["progress"] = snapshot.Progress
	properties["failure_reason"] = snapshot.FailureReason
	t.tracker.Enqueue(EventUploadFailed, properties)
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}
