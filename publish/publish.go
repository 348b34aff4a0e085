// Package publish runs the whole upload flow: it selects the files, bundles them when needed,
// plans the job, drives the coordinator and reports progress to the history, the notifier and analytics.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"

	"github.com/udl-tools/go-uploadkit/compression"
	"github.com/udl-tools/go-uploadkit/ledger"
	"github.com/udl-tools/go-uploadkit/selection"
	"github.com/udl-tools/go-uploadkit/upload"
)

// Input is a single publish request.
type Input struct {
	// Paths are files, folders or glob patterns. More than one path, or a folder, is bundled into a .tar.zst archive.
	Paths []string
	// Name is stored in the history, defaults to the base name of the uploaded file.
	Name string
	// ContentType overrides the detected content type.
	ContentType         string
	Tags                []upload.Tag
	GetReceiptSignature bool
	// RemoveSource deletes the selected single file once the upload finished, used for spooled HTTP uploads.
	RemoveSource bool
	// OnProgress is called for every progress update, from the goroutine consuming the run.
	OnProgress func(upload.Progress)
}

// Recorder stores job states, implemented by *ledger.Ledger.
type Recorder interface {
	Record(ctx context.Context, entry ledger.Entry) error
}

// Notifier publishes progress updates, implemented by *notify.Notifier.
type Notifier interface {
	Notify(progress upload.Progress) error
}

// Tracker receives lifecycle events, implemented by *analytics.UploadTracker.
type Tracker interface {
	JobPlanned(snapshot upload.Snapshot, contentType string)
	BundleCreated(bundleTime time.Duration, sizeBytes int64, pathCount int)
	Finished(snapshot upload.Snapshot, uploadTime time.Duration)
}

// Option ...
type Option func(p *Publisher)

// WithRecorder keeps the job history in recorder.
func WithRecorder(recorder Recorder) Option {
	return func(p *Publisher) { p.recorder = recorder }
}

// WithNotifier publishes every progress update with notifier.
func WithNotifier(notifier Notifier) Option {
	return func(p *Publisher) { p.notifier = notifier }
}

// WithTracker sends lifecycle events to tracker.
func WithTracker(tracker Tracker) Option {
	return func(p *Publisher) { p.tracker = tracker }
}

// Publisher ...
type Publisher struct {
	coordinator  *upload.Coordinator
	selector     *selection.Selector
	bundler      *compression.Bundler
	pathProvider pathutil.PathProvider
	backend      string
	logger       log.Logger

	recorder Recorder
	notifier Notifier
	tracker  Tracker
}

// NewPublisher ...
func NewPublisher(
	coordinator *upload.Coordinator,
	selector *selection.Selector,
	bundler *compression.Bundler,
	pathProvider pathutil.PathProvider,
	backend string,
	logger log.Logger,
	opts ...Option,
) *Publisher {
	p := &Publisher{
		coordinator:  coordinator,
		selector:     selector,
		bundler:      bundler,
		pathProvider: pathProvider,
		backend:      backend,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Upload is a started publish.
type Upload struct {
	job      *upload.Job
	name     string
	file     selection.File
	checksum string

	done   chan struct{}
	result upload.Result
}

// Job ...
func (u *Upload) Job() *upload.Job {
	return u.job
}

// Name ...
func (u *Upload) Name() string {
	return u.name
}

// File is the uploaded payload, the bundle when several paths were selected.
func (u *Upload) File() selection.File {
	return u.file
}

// Checksum is the SHA-256 of the payload, empty if it could not be computed.
func (u *Upload) Checksum() string {
	return u.checksum
}

// Wait blocks until the upload finished and every report was made.
func (u *Upload) Wait() upload.Result {
	<-u.done
	return u.result
}

// Publish starts the upload and waits for its result.
func (p *Publisher) Publish(ctx context.Context, input Input) (upload.Result, error) {
	u, err := p.Start(ctx, input)
	if err != nil {
		return upload.Result{Err: err}, err
	}
	result := u.Wait()
	return result, result.Err
}

// Start prepares the payload, plans the job and starts uploading it in the background.
// Selection, bundling and planning errors are returned synchronously.
func (p *Publisher) Start(ctx context.Context, input Input) (*Upload, error) {
	p.logger.TDebugf("Publish start")

	paths, err := p.selector.Evaluate(input.Paths)
	if err != nil {
		return nil, err
	}
	p.logger.TDebugf("Paths evaluated")

	payloadPath, bundled, cleanup, err := p.payload(paths)
	if err != nil {
		return nil, err
	}
	if input.RemoveSource && len(paths) == 1 {
		bundleCleanup := cleanup
		source := paths[0]
		cleanup = func() {
			bundleCleanup()
			if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
				p.logger.Warnf("Failed to remove %s: %s", source, err)
			}
		}
	}

	u, err := p.start(ctx, input, payloadPath, bundled, cleanup)
	if err != nil {
		cleanup()
		return nil, err
	}
	return u, nil
}

func (p *Publisher) start(ctx context.Context, input Input, payloadPath string, bundled bool, cleanup func()) (*Upload, error) {
	file, err := selection.Describe(payloadPath)
	if err != nil {
		return nil, err
	}
	if bundled {
		file.ContentType = compression.ContentType
	}
	if input.ContentType != "" {
		file.ContentType = input.ContentType
	}
	p.logger.Printf("Upload size: %s", units.HumanSizeWithPrecision(float64(file.Size), 3))
	p.logger.Debugf("Upload path: %s, content type: %s", file.Path, file.ContentType)

	checksum, err := selection.Checksum(file.Path)
	if err != nil {
		p.logger.Warnf(err.Error())
		// the checksum is informational, continue without it
	}
	p.logger.TDebugf("Checksum computed")

	job, err := p.coordinator.PlanJob(file.Size)
	if err != nil {
		return nil, err
	}
	if p.tracker != nil {
		p.tracker.JobPlanned(job.Snapshot(), file.ContentType)
	}

	source, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file.Path, err)
	}

	name := input.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}

	run, err := p.coordinator.Start(ctx, job, source, upload.Metadata{
		ContentType:         file.ContentType,
		GetReceiptSignature: input.GetReceiptSignature,
		Tags:                input.Tags,
	})
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	p.logger.Println()
	p.logger.Infof("Uploading %s (job %s)...", name, job.ID())

	u := &Upload{
		job:      job,
		name:     name,
		file:     file,
		checksum: checksum,
		done:     make(chan struct{}),
	}
	p.record(ctx, u, job.Snapshot())

	go func() {
		defer close(u.done)
		defer cleanup()
		defer func() {
			if err := source.Close(); err != nil {
				p.logger.Warnf("Failed to close %s: %s", file.Path, err)
			}
		}()

		u.result = p.consume(ctx, u, run, input.OnProgress)
	}()

	return u, nil
}

func (p *Publisher) consume(ctx context.Context, u *Upload, run *upload.Run, onProgress func(upload.Progress)) upload.Result {
	startTime := time.Now()

	var notifyOnce sync.Once
	for progress := range run.Events() {
		if onProgress != nil {
			onProgress(progress)
		}
		if p.notifier != nil {
			if err := p.notifier.Notify(progress); err != nil {
				// warn only once, a broken notifier keeps failing for every chunk
				notifyOnce.Do(func() {
					p.logger.Warnf("Failed to publish progress: %s", err)
				})
			}
		}
		if progress.Terminal() || (progress.Event != nil && progress.Event.Kind == upload.EventChunkUploaded) {
			p.record(ctx, u, progress.Snapshot)
		}
	}

	result := run.Wait()
	uploadTime := time.Since(startTime).Round(time.Second)
	snapshot := u.job.Snapshot()
	if p.tracker != nil {
		p.tracker.Finished(snapshot, uploadTime)
	}

	if result.OK() {
		p.logger.Donef("Uploaded %s in %s: %s", u.name, uploadTime, result.Address)
	} else {
		p.logger.Errorf("Upload of %s failed at %.1f%%: %s", u.name, snapshot.Progress, result.Err)
	}
	p.logger.TDebugf("Publish done")

	return result
}

func (p *Publisher) record(ctx context.Context, u *Upload, snapshot upload.Snapshot) {
	if p.recorder == nil {
		return
	}
	entry := ledger.EntryFromSnapshot(snapshot, u.name, p.backend, u.file.ContentType, u.checksum)
	// history writes must not be cut short by a cancelled upload
	if err := p.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Warnf("Failed to record job %s: %s", snapshot.ID, err)
	}
}

// payload returns the file to upload: the selected file itself, or a bundle of the selection.
func (p *Publisher) payload(paths []string) (string, bool, func(), error) {
	noop := func() {}

	if len(paths) == 1 {
		info, err := os.Stat(paths[0])
		if err != nil {
			return "", false, noop, err
		}
		if info.Mode().IsRegular() {
			return paths[0], false, noop, nil
		}
	}

	if compression.AreAllPathsEmpty(paths) {
		return "", false, noop, upload.NewValidationError("the selected paths are all empty")
	}

	p.logger.Println()
	p.logger.Infof("Creating bundle of %d path(s)...", len(paths))
	bundleStartTime := time.Now()

	tempDir, err := p.pathProvider.CreateTempDir("uploadkit-bundle")
	if err != nil {
		return "", false, noop, err
	}
	cleanup := func() {
		if err := os.RemoveAll(tempDir); err != nil {
			p.logger.Warnf("Failed to remove %s: %s", tempDir, err)
		}
	}

	fileName := fmt.Sprintf("bundle-%s%s", time.Now().UTC().Format("20060102-150405"), compression.Extension)
	bundlePath := filepath.Join(tempDir, fileName)
	baseDir := selection.CommonDir(paths)
	if err := p.bundler.Bundle(bundlePath, baseDir, paths); err != nil {
		cleanup()
		return "", false, noop, fmt.Errorf("bundling failed: %w", err)
	}

	bundleTime := time.Since(bundleStartTime).Round(time.Second)
	p.logger.Donef("Bundle created in %s", bundleTime)
	if p.tracker != nil {
		var size int64
		if info, err := os.Stat(bundlePath); err == nil {
			size = info.Size()
		}
		p.tracker.BundleCreated(bundleTime, size, len(paths))
	}

	return bundlePath, true, cleanup, nil
}
