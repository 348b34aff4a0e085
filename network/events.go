package network

import (
	"context"

	"github.com/udl-tools/go-uploadkit/upload"
	"github.com/udl-tools/go-uploadkit/upload/chunkuploader"
)

// eventSink forwards chunk uploader notifications to a coordinator's event channel.
type eventSink struct {
	ctx    context.Context
	events chan<- upload.ChunkEvent
}

func newEventSink(ctx context.Context, events chan<- upload.ChunkEvent) *eventSink {
	return &eventSink{ctx: ctx, events: events}
}

func (s *eventSink) send(event upload.ChunkEvent) {
	if s == nil || s.events == nil {
		return
	}
	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

// ChunkUploaded ...
func (s *eventSink) ChunkUploaded(part chunkuploader.Part, totalUploaded int64) {
	s.ChunkUploadedAt(part.Index, part.Offset, part.Size, totalUploaded)
}

// ChunkUploadedAt reports an uploaded chunk for uploaders that track progress without chunkuploader.
func (s *eventSink) ChunkUploadedAt(index int, offset, size, totalUploaded int64) {
	s.send(upload.ChunkEvent{
		Kind:          upload.EventChunkUploaded,
		Index:         index,
		Offset:        offset,
		Size:          size,
		TotalUploaded: totalUploaded,
	})
}

// ChunkFailed ...
func (s *eventSink) ChunkFailed(index int, attempt int, err error) {
	s.send(upload.ChunkEvent{
		Kind:  upload.EventChunkError,
		Index: index,
		Err:   err,
	})
}

func (s *eventSink) done(receipt upload.Receipt) {
	s.send(upload.ChunkEvent{Kind: upload.EventDone, Receipt: &receipt})
}
