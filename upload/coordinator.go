// Package upload coordinates chunked uploads of a single source: it plans the chunk count,
// drives an Uploader through its chunk events and turns them into monotonic progress and a final result.
package upload

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Metadata describes the uploaded data.
type Metadata struct {
	ContentType         string
	GetReceiptSignature bool
	Tags                []Tag
}

// Result is the terminal outcome of a Run. Exactly one of Address and Err is set.
type Result struct {
	Address string
	Receipt Receipt
	Err     error
}

// OK ...
func (r Result) OK() bool {
	return r.Err == nil
}

// Progress is one observation of a running job.
type Progress struct {
	// Event is the uploader event behind this update, nil for the terminal update.
	Event    *ChunkEvent
	Snapshot Snapshot
}

// Terminal reports whether this is the last update of the run.
func (p Progress) Terminal() bool {
	return p.Snapshot.Status.IsTerminal()
}

// Run is a started upload.
// Events yields one Progress per uploader event followed by a terminal one, then it is closed.
// Either drain Events or call Wait, otherwise the upload stalls once the event buffer is full.
// The buffer holds BatchSize+1 updates regardless of the chunk count.
type Run struct {
	job    *Job
	events chan Progress
	done   chan struct{}
	result Result
}

// Job ...
func (r *Run) Job() *Job {
	return r.job
}

// Events ...
func (r *Run) Events() <-chan Progress {
	return r.events
}

// Wait blocks until the job reaches a terminal state, discarding events nobody consumed.
func (r *Run) Wait() Result {
	for range r.events {
	}
	<-r.done
	return r.result
}

// Coordinator drives uploads through an injected Uploader.
type Coordinator struct {
	uploader Uploader
	config   Config
	logger   log.Logger
}

// NewCoordinator ...
func NewCoordinator(uploader Uploader, config Config, logger log.Logger) *Coordinator {
	return &Coordinator{
		uploader: uploader,
		config:   config.withDefaults(),
		logger:   logger,
	}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// PlanJob plans a job for sourceSize bytes with the configured chunk size.
func (c *Coordinator) PlanJob(sourceSize int64) (*Job, error) {
	return PlanJob(sourceSize, c.config.ChunkSize)
}

// ResultAddress returns the address data with the given receipt ID is retrievable at.
func (c *Coordinator) ResultAddress(receiptID string) string {
	return strings.TrimRight(c.config.GatewayURL, "/") + "/" + receiptID
}

// Start validates the inputs, moves the job to uploading and starts the transfer in the background.
// Validation problems and job misuse are returned synchronously, in which case the uploader is not called.
func (c *Coordinator) Start(ctx context.Context, job *Job, source io.Reader, meta Metadata) (*Run, error) {
	if job == nil {
		return nil, NewValidationError("no upload job planned")
	}
	if source == nil {
		return nil, NewValidationError("please select a file first")
	}
	if err := job.begin(); err != nil {
		return nil, err
	}

	opts := Options{
		ChunkSize:           job.chunkSize,
		BatchSize:           c.config.BatchSize,
		Size:                job.sourceSize,
		Tags:                tagsOf(meta),
		GetReceiptSignature: meta.GetReceiptSignature,
	}

	c.logger.Debugf("Job %s: uploading %s in %d chunk(s) of %s, batch size %d",
		job.id, units.HumanSizeWithPrecision(float64(job.sourceSize), 3), job.totalChunks,
		units.HumanSizeWithPrecision(float64(job.chunkSize), 3), opts.BatchSize)

	run := &Run{
		job:    job,
		events: make(chan Progress, opts.BatchSize+1),
		done:   make(chan struct{}),
	}
	go c.run(ctx, run, source, opts)

	return run, nil
}

// Upload starts the job and waits for its result.
func (c *Coordinator) Upload(ctx context.Context, job *Job, source io.Reader, meta Metadata) (Result, error) {
	run, err := c.Start(ctx, job, source, meta)
	if err != nil {
		return Result{Err: err}, err
	}
	result := run.Wait()
	return result, result.Err
}

type transferOutcome struct {
	receipt Receipt
	err     error
}

func (c *Coordinator) run(ctx context.Context, run *Run, source io.Reader, opts Options) {
	defer close(run.done)

	job := run.job
	events := make(chan ChunkEvent, opts.BatchSize)
	outcome := make(chan transferOutcome, 1)

	go func() {
		receipt, err := c.uploader.UploadData(ctx, source, opts, events)
		close(events)
		outcome <- transferOutcome{receipt: receipt, err: err}
	}()

	for event := range events {
		ev := event
		c.handleEvent(job, ev)
		run.events <- Progress{Event: &ev, Snapshot: job.Snapshot()}
	}

	out := <-outcome
	run.result = c.finish(job, out.receipt, out.err)
	run.events <- Progress{Snapshot: job.Snapshot()}
	close(run.events)
}

func (c *Coordinator) handleEvent(job *Job, event ChunkEvent) {
	switch event.Kind {
	case EventChunkUploaded:
		job.recordChunk(event.Index)
		c.logger.Debugf("Job %s: uploaded chunk %d/%d, offset %d, size %dB, %s uploaded in total (%.1f%%)",
			job.id, event.Index+1, job.totalChunks, event.Offset, event.Size,
			units.HumanSizeWithPrecision(float64(event.TotalUploaded), 3), job.Progress())
	case EventChunkError:
		cause := event.Err
		if cause == nil {
			cause = errors.New("unknown chunk error")
		}
		job.recordChunkError(ChunkTransmissionError{Index: event.Index, Cause: cause})
		c.logger.Warnf("Job %s: error uploading chunk %d: %s", job.id, event.Index+1, cause)
	case EventDone:
		var receipt Receipt
		if event.Receipt != nil {
			receipt = *event.Receipt
		}
		job.markDone(receipt)
		c.logger.Debugf("Job %s: upload finished with ID %s", job.id, receipt.ID)
	default:
		c.logger.Warnf("Job %s: ignoring unknown uploader event %d", job.id, event.Kind)
	}
}

func (c *Coordinator) finish(job *Job, receipt Receipt, err error) Result {
	if err == nil && receipt.ID == "" {
		err = errors.New("uploader returned a receipt without an ID")
	}
	if err != nil {
		job.fail(err.Error())
		c.logger.Errorf("Job %s: upload error: %s", job.id, err)
		return Result{Err: &UploadFailure{Cause: err}}
	}

	address := c.ResultAddress(receipt.ID)
	job.complete(address, receipt)
	c.logger.Donef("Job %s: file uploaded to %s", job.id, address)

	return Result{Address: address, Receipt: receipt}
}

func tagsOf(meta Metadata) []Tag {
	var tags []Tag
	if meta.ContentType != "" {
		tags = append(tags, Tag{Name: ContentTypeTag, Value: meta.ContentType})
	}
	for _, tag := range meta.Tags {
		if tag.Name == ContentTypeTag && meta.ContentType != "" {
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}
