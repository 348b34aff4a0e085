package upload

import (
	"context"
	"io"
)

// Tag is a name/value pair attached to the uploaded data.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ContentTypeTag is the tag name carrying the MIME type of the data.
const ContentTypeTag = "Content-Type"

// Options configures a single chunked transfer.
type Options struct {
	// ChunkSize is the byte size of every chunk but the last one.
	ChunkSize int64
	// BatchSize is the number of chunks sent in parallel.
	BatchSize int
	// Size is the total source size, -1 if unknown.
	Size                int64
	Tags                []Tag
	GetReceiptSignature bool
}

// Receipt is the uploader's proof of a finished upload.
type Receipt struct {
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	Version        string `json:"version,omitempty"`
	Public         string `json:"public,omitempty"`
	Signature      string `json:"signature,omitempty"`
	DeadlineHeight int64  `json:"deadlineHeight,omitempty"`
}

// EventKind ...
type EventKind int

// Chunk event kinds emitted by an Uploader.
const (
	EventChunkUploaded EventKind = iota
	EventChunkError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventChunkUploaded:
		return "chunk_uploaded"
	case EventChunkError:
		return "chunk_error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// ChunkEvent is a lifecycle notification of a transfer.
type ChunkEvent struct {
	Kind EventKind
	// Index is the zero based chunk index (EventChunkUploaded, EventChunkError).
	Index         int
	Offset        int64
	Size          int64
	TotalUploaded int64
	// Err is set for EventChunkError.
	Err error
	// Receipt is set for EventDone.
	Receipt *Receipt
}

// Uploader is the external chunked upload capability.
//
// UploadData streams r in opts.ChunkSize chunks and returns the receipt once the data is accepted.
// While running it sends ChunkEvents to events: uploaded chunks in non-decreasing index order,
// failed chunk attempts, and a single EventDone right before a successful return.
// Implementations must not send on events after UploadData returned.
type Uploader interface {
	UploadData(ctx context.Context, r io.Reader, opts Options, events chan<- ChunkEvent) (Receipt, error)
}
