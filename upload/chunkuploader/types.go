// Package chunkuploader transmits a byte stream as fixed size chunks with bounded parallelism.
// It retries failed chunks, detects hung requests and reports completed chunks in index order.
package chunkuploader

import (
	"context"
)

// Chunk is one slice of the source stream.
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
}

// Size ...
func (c Chunk) Size() int64 {
	return int64(len(c.Data))
}

// Part is an acknowledged chunk.
type Part struct {
	Index  int
	Offset int64
	Size   int64
	// Tag is whatever the destination returned for the chunk (an ETag for S3, empty for nodes).
	Tag string
}

// SendFunc transmits a single chunk and returns its Part tag.
// It may be called several times for the same chunk when retrying.
type SendFunc func(ctx context.Context, chunk Chunk) (string, error)

// Observer is notified about chunk progress.
// ChunkUploaded calls arrive in ascending index order with the cumulative uploaded byte count.
type Observer interface {
	ChunkUploaded(part Part, totalUploaded int64)
	ChunkFailed(index int, attempt int, err error)
}

// UploadResult represents the result of uploading all chunks.
type UploadResult struct {
	Parts         []Part
	TotalUploaded int64
}

type chunkResult struct {
	part Part
	err  error
}
