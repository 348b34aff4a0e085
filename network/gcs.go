package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/udl-tools/go-uploadkit/upload"
)

// gcsChunkAlignment is the granularity GCS resumable uploads accept chunk sizes in.
const gcsChunkAlignment = 256 * 1024

// GCSParams ...
type GCSParams struct {
	Bucket string
	Prefix string
	// CredentialsFile is a service account JSON, Application Default Credentials are used when empty.
	CredentialsFile string
}

// GCSUploader uploads data as a Cloud Storage object with a resumable writer.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
	logger log.Logger
}

// NewGCSClient ...
func NewGCSClient(ctx context.Context, params GCSParams) (*storage.Client, error) {
	if params.Bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	if params.CredentialsFile != "" {
		return storage.NewClient(ctx, option.WithCredentialsFile(params.CredentialsFile))
	}
	return storage.NewClient(ctx)
}

// NewGCSUploader ...
func NewGCSUploader(client *storage.Client, params GCSParams, logger log.Logger) *GCSUploader {
	return &GCSUploader{client: client, bucket: params.Bucket, prefix: params.Prefix, logger: logger}
}

// ObjectName ...
func (u *GCSUploader) ObjectName(id string) string {
	if u.prefix == "" {
		return id
	}
	return path.Join(u.prefix, id)
}

// UploadData implements upload.Uploader. The receipt ID is the object name.
func (u *GCSUploader) UploadData(ctx context.Context, r io.Reader, opts upload.Options, events chan<- upload.ChunkEvent) (upload.Receipt, error) {
	objName := u.ObjectName(uuid.NewString())
	obj := u.client.Bucket(u.bucket).Object(objName)

	sink := newEventSink(ctx, events)
	tracker := newByteProgress(opts.ChunkSize, opts.Size, sink)

	w := obj.NewWriter(ctx)
	w.ChunkSize = alignChunkSize(opts.ChunkSize)
	w.ProgressFunc = tracker.update
	w.Metadata = map[string]string{}
	for _, tag := range opts.Tags {
		if tag.Name == upload.ContentTypeTag {
			w.ContentType = tag.Value
			continue
		}
		w.Metadata[tag.Name] = tag.Value
	}
	if w.ContentType == "" {
		w.ContentType = "application/octet-stream"
	}

	u.logger.Debugf("Uploading gs://%s/%s", u.bucket, objName)
	written, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return upload.Receipt{}, fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return upload.Receipt{}, fmt.Errorf("close object writer: %w", err)
	}
	tracker.finish(written)

	attrs := w.Attrs()
	if attrs != nil && opts.Size >= 0 && attrs.Size != opts.Size {
		return upload.Receipt{}, fmt.Errorf("verify size mismatch: local=%d remote=%d", opts.Size, attrs.Size)
	}

	receipt := upload.Receipt{ID: objName}
	if attrs != nil {
		receipt.Timestamp = attrs.Created.UnixMilli()
		receipt.Version = fmt.Sprintf("%d", attrs.Generation)
	}
	sink.done(receipt)
	return receipt, nil
}

// alignChunkSize rounds a chunk size up to the next multiple of 256 KiB.
func alignChunkSize(chunkSize int64) int {
	if chunkSize <= 0 {
		return gcsChunkAlignment
	}
	aligned := (chunkSize + gcsChunkAlignment - 1) / gcsChunkAlignment * gcsChunkAlignment
	return int(aligned)
}

// byteProgress turns a cumulative byte count into uploaded events of planned chunks.
type byteProgress struct {
	mu        sync.Mutex
	chunkSize int64
	size      int64
	next      int
	sink      *eventSink
}

func newByteProgress(chunkSize, size int64, sink *eventSink) *byteProgress {
	return &byteProgress{chunkSize: chunkSize, size: size, sink: sink}
}

func (p *byteProgress) update(uploaded int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitUpTo(uploaded, false)
}

// finish reports every chunk not reported yet, including the trailing partial or empty one.
func (p *byteProgress) finish(uploaded int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitUpTo(uploaded, true)
}

func (p *byteProgress) emitUpTo(uploaded int64, final bool) {
	if p.chunkSize <= 0 {
		return
	}
	for {
		offset := int64(p.next) * p.chunkSize
		end := offset + p.chunkSize
		switch {
		case uploaded >= end:
		case final && (offset < uploaded || p.next == 0):
			end = uploaded
		default:
			return
		}

		p.sink.ChunkUploadedAt(p.next, offset, end-offset, end)
		p.next++
		if end >= uploaded && final {
			return
		}
	}
}
