package upload

import (
	"context"
	"io"
	"sync"
)

// scriptedUploader replays a fixed list of events and then returns receipt/err.
type scriptedUploader struct {
	events  []ChunkEvent
	receipt Receipt
	err     error
	// gate, when set, is waited on before returning.
	gate chan struct{}

	mu       sync.Mutex
	calls    int
	lastOpts Options
	read     []byte
}

func (u *scriptedUploader) UploadData(ctx context.Context, r io.Reader, opts Options, events chan<- ChunkEvent) (Receipt, error) {
	u.mu.Lock()
	u.calls++
	u.lastOpts = opts
	u.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return Receipt{}, err
	}
	u.mu.Lock()
	u.read = data
	u.mu.Unlock()

	for _, event := range u.events {
		events <- event
	}
	if u.gate != nil {
		<-u.gate
	}
	return u.receipt, u.err
}

func (u *scriptedUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func uploaded(index int, chunkSize int64) ChunkEvent {
	return ChunkEvent{
		Kind:          EventChunkUploaded,
		Index:         index,
		Offset:        int64(index) * chunkSize,
		Size:          chunkSize,
		TotalUploaded: int64(index+1) * chunkSize,
	}
}

func done(id string) ChunkEvent {
	return ChunkEvent{Kind: EventDone, Receipt: &Receipt{ID: id}}
}
