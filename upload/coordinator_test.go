package upload

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(uploader Uploader) *Coordinator {
	return NewCoordinator(uploader, Config{
		ChunkSize:  1_000,
		BatchSize:  1,
		GatewayURL: "https://gateway.test/",
	}, log.NewLogger())
}

func TestCoordinator_Upload_Success(t *testing.T) {
	uploader := &scriptedUploader{
		events: []ChunkEvent{
			uploaded(0, 1_000),
			uploaded(1, 1_000),
			uploaded(2, 1_000),
			done("abc123"),
		},
		receipt: Receipt{ID: "abc123"},
	}
	coordinator := newTestCoordinator(uploader)

	job, err := coordinator.PlanJob(2_500)
	require.NoError(t, err)
	require.Equal(t, 3, job.TotalChunks())

	data := bytes.Repeat([]byte("x"), 2_500)
	result, err := coordinator.Upload(context.Background(), job, bytes.NewReader(data), Metadata{
		ContentType:         "image/png",
		GetReceiptSignature: true,
	})
	require.NoError(t, err)

	assert.True(t, result.OK())
	assert.Equal(t, "https://gateway.test/abc123", result.Address)
	assert.Equal(t, "abc123", result.Receipt.ID)

	snapshot := job.Snapshot()
	assert.Equal(t, StatusCompleted, snapshot.Status)
	assert.Equal(t, 100.0, snapshot.Progress)
	assert.Equal(t, 3, snapshot.ChunksCompleted)
	assert.Equal(t, "https://gateway.test/abc123", snapshot.ResultAddress)
	assert.Empty(t, snapshot.FailureReason)

	assert.Equal(t, data, uploader.read)
	assert.Equal(t, int64(1_000), uploader.lastOpts.ChunkSize)
	assert.Equal(t, 1, uploader.lastOpts.BatchSize)
	assert.Equal(t, int64(2_500), uploader.lastOpts.Size)
	assert.True(t, uploader.lastOpts.GetReceiptSignature)
	assert.Equal(t, []Tag{{Name: ContentTypeTag, Value: "image/png"}}, uploader.lastOpts.Tags)
}

func TestCoordinator_Events_OrderedAndMonotonic(t *testing.T) {
	uploader := &scriptedUploader{
		events: []ChunkEvent{
			uploaded(0, 1_000),
			{Kind: EventChunkError, Index: 1, Err: errors.New("503 Service Unavailable")},
			uploaded(1, 1_000),
			uploaded(2, 1_000),
			uploaded(3, 1_000),
			done("id-1"),
		},
		receipt: Receipt{ID: "id-1"},
	}
	coordinator := newTestCoordinator(uploader)
	job, err := coordinator.PlanJob(4_000)
	require.NoError(t, err)

	run, err := coordinator.Start(context.Background(), job, bytes.NewReader(make([]byte, 4_000)), Metadata{})
	require.NoError(t, err)

	var progresses []float64
	var kinds []EventKind
	var terminal int
	for p := range run.Events() {
		progresses = append(progresses, p.Snapshot.Progress)
		if p.Terminal() {
			terminal++
			assert.Nil(t, p.Event)
			continue
		}
		require.NotNil(t, p.Event)
		kinds = append(kinds, p.Event.Kind)
	}

	assert.Equal(t, 1, terminal)
	assert.Equal(t, []EventKind{
		EventChunkUploaded, EventChunkError, EventChunkUploaded, EventChunkUploaded, EventChunkUploaded, EventDone,
	}, kinds)
	assert.Equal(t, []float64{25, 25, 50, 75, 100, 100, 100}, progresses)
	for i := 1; i < len(progresses); i++ {
		assert.GreaterOrEqual(t, progresses[i], progresses[i-1])
	}

	result := run.Wait()
	assert.True(t, result.OK())
}

func TestCoordinator_ChunkErrorsAreNotFatal(t *testing.T) {
	uploader := &scriptedUploader{
		events: []ChunkEvent{
			{Kind: EventChunkError, Index: 0, Err: errors.New("Bad Gateway")},
			{Kind: EventChunkError, Index: 0, Err: errors.New("Bad Gateway")},
			uploaded(0, 1_000),
			done("ok"),
		},
		receipt: Receipt{ID: "ok"},
	}
	coordinator := newTestCoordinator(uploader)
	job, err := coordinator.PlanJob(10)
	require.NoError(t, err)

	result, err := coordinator.Upload(context.Background(), job, bytes.NewReader(make([]byte, 10)), Metadata{})
	require.NoError(t, err)
	assert.True(t, result.OK())

	diagnostics := job.Diagnostics()
	require.Len(t, diagnostics, 2)
	assert.Equal(t, 0, diagnostics[0].Index)
	assert.EqualError(t, diagnostics[0].Cause, "Bad Gateway")
	assert.Equal(t, StatusCompleted, job.Status())
	assert.Equal(t, 2, job.Snapshot().ChunkErrors)
}

func TestCoordinator_Upload_FailureKeepsProgress(t *testing.T) {
	uploader := &scriptedUploader{
		events: []ChunkEvent{
			uploaded(0, 1_000),
			uploaded(1, 1_000),
		},
		err: errors.New("402 Payment Required"),
	}
	coordinator := newTestCoordinator(uploader)
	job, err := coordinator.PlanJob(4_000)
	require.NoError(t, err)

	result, err := coordinator.Upload(context.Background(), job, bytes.NewReader(make([]byte, 4_000)), Metadata{})
	require.Error(t, err)
	assert.False(t, result.OK())

	var failure *UploadFailure
	require.True(t, errors.As(err, &failure))
	assert.EqualError(t, failure, "402 Payment Required")

	snapshot := job.Snapshot()
	assert.Equal(t, StatusFailed, snapshot.Status)
	assert.Equal(t, "402 Payment Required", snapshot.FailureReason)
	assert.Equal(t, 50.0, snapshot.Progress)
	assert.Empty(t, snapshot.ResultAddress)
	assert.False(t, snapshot.FinishedAt.IsZero())
}

func TestCoordinator_Upload_ReceiptWithoutID(t *testing.T) {
	uploader := &scriptedUploader{events: []ChunkEvent{uploaded(0, 1_000)}}
	coordinator := newTestCoordinator(uploader)
	job, err := coordinator.PlanJob(1)
	require.NoError(t, err)

	_, err = coordinator.Upload(context.Background(), job, bytes.NewReader([]byte{1}), Metadata{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, job.Status())
}

func TestCoordinator_Start_NoSource(t *testing.T) {
	uploader := &scriptedUploader{receipt: Receipt{ID: "never"}}
	coordinator := newTestCoordinator(uploader)
	job, err := coordinator.PlanJob(100)
	require.NoError(t, err)

	run, err := coordinator.Start(context.Background(), job, nil, Metadata{})
	assert.Nil(t, run)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, StatusIdle, job.Status())
	assert.Equal(t, 0, uploader.callCount())
}

func TestCoordinator_Start_NoJob(t *testing.T) {
	coordinator := newTestCoordinator(&scriptedUploader{})

	_, err := coordinator.Start(context.Background(), nil, bytes.NewReader(nil), Metadata{})
	assert.True(t, IsValidationError(err))
}

func TestCoordinator_Start_RejectsDuplicateStart(t *testing.T) {
	gate := make(chan struct{})
	uploader := &scriptedUploader{
		events:  []ChunkEvent{uploaded(0, 1_000), done("dup")},
		receipt: Receipt{ID: "dup"},
		gate:    gate,
	}
	coordinator := newTestCoordinator(uploader)
	job, err := coordinator.PlanJob(10)
	require.NoError(t, err)

	run, err := coordinator.Start(context.Background(), job, bytes.NewReader(make([]byte, 10)), Metadata{})
	require.NoError(t, err)

	_, err = coordinator.Start(context.Background(), job, bytes.NewReader(make([]byte, 10)), Metadata{})
	assert.ErrorIs(t, err, ErrJobInProgress)

	close(gate)
	result := run.Wait()
	require.True(t, result.OK())

	_, err = coordinator.Start(context.Background(), job, bytes.NewReader(make([]byte, 10)), Metadata{})
	assert.ErrorIs(t, err, ErrJobFinished)
	assert.Equal(t, 1, uploader.callCount())
}

func TestCoordinator_DoneForcesHundred(t *testing.T) {
	uploader := &scriptedUploader{
		events:  []ChunkEvent{uploaded(0, 1_000), done("early"), done("early")},
		receipt: Receipt{ID: "early"},
	}
	coordinator := newTestCoordinator(uploader)
	job, err := coordinator.PlanJob(5_000)
	require.NoError(t, err)

	run, err := coordinator.Start(context.Background(), job, bytes.NewReader(make([]byte, 5_000)), Metadata{})
	require.NoError(t, err)

	var afterDone []float64
	for p := range run.Events() {
		if p.Event != nil && p.Event.Kind == EventDone {
			afterDone = append(afterDone, p.Snapshot.Progress)
		}
	}
	assert.Equal(t, []float64{100, 100}, afterDone)
	assert.Equal(t, 1, job.Snapshot().ChunksCompleted)
}

func TestCoordinator_Start_ManyChunks(t *testing.T) {
	uploader := &scriptedUploader{
		events:  []ChunkEvent{uploaded(0, 1), uploaded(1, 1), done("huge")},
		receipt: Receipt{ID: "huge"},
	}
	coordinator := NewCoordinator(uploader, Config{ChunkSize: 1, BatchSize: 2, GatewayURL: "https://gateway.test"}, log.NewLogger())
	job, err := coordinator.PlanJob(1 << 40)
	require.NoError(t, err)
	require.Equal(t, 1<<40, job.TotalChunks())

	run, err := coordinator.Start(context.Background(), job, bytes.NewReader(nil), Metadata{})
	require.NoError(t, err)
	assert.Equal(t, 3, cap(run.events))

	var updates int
	for range run.Events() {
		updates++
	}
	result := run.Wait()

	require.NoError(t, result.Err)
	assert.Equal(t, 4, updates)
	assert.Equal(t, 100.0, job.Progress())
}

func TestCoordinator_ResultAddress(t *testing.T) {
	coordinator := NewCoordinator(&scriptedUploader{}, Config{GatewayURL: "https://arweave.net"}, log.NewLogger())
	assert.Equal(t, "https://arweave.net/abc123", coordinator.ResultAddress("abc123"))

	defaults := coordinator.Config()
	assert.Equal(t, DefaultChunkSize, defaults.ChunkSize)
	assert.Equal(t, DefaultBatchSize, defaults.BatchSize)
}

func TestTagsOf(t *testing.T) {
	tags := tagsOf(Metadata{
		ContentType: "image/gif",
		Tags: []Tag{
			{Name: ContentTypeTag, Value: "text/plain"},
			{Name: "App-Name", Value: "uploadkit"},
		},
	})
	assert.Equal(t, []Tag{
		{Name: ContentTypeTag, Value: "image/gif"},
		{Name: "App-Name", Value: "uploadkit"},
	}, tags)

	assert.Nil(t, tagsOf(Metadata{}))
}
