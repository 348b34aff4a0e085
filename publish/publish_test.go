package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udl-tools/go-uploadkit/compression"
	"github.com/udl-tools/go-uploadkit/ledger"
	"github.com/udl-tools/go-uploadkit/selection"
	"github.com/udl-tools/go-uploadkit/upload"
)

type fakeUploader struct {
	mu       sync.Mutex
	received []byte
	opts     upload.Options
	err      error
}

func (u *fakeUploader) UploadData(ctx context.Context, r io.Reader, opts upload.Options, events chan<- upload.ChunkEvent) (upload.Receipt, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return upload.Receipt{}, err
	}
	u.mu.Lock()
	u.received = data
	u.opts = opts
	u.mu.Unlock()

	if u.err != nil {
		events <- upload.ChunkEvent{Kind: upload.EventChunkError, Index: 0, Err: u.err}
		return upload.Receipt{}, u.err
	}

	var total int64
	index := 0
	for offset := int64(0); offset < int64(len(data)) || index == 0; offset += opts.ChunkSize {
		size := min(opts.ChunkSize, int64(len(data))-offset)
		total += size
		events <- upload.ChunkEvent{Kind: upload.EventChunkUploaded, Index: index, Offset: offset, Size: size, TotalUploaded: total}
		index++
	}
	receipt := upload.Receipt{ID: "tx-1"}
	events <- upload.ChunkEvent{Kind: upload.EventDone, Receipt: &receipt}
	return receipt, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []upload.Progress
}

func (n *fakeNotifier) Notify(progress upload.Progress) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, progress)
	return nil
}

type fakeTracker struct {
	planned  []upload.Snapshot
	bundles  []int
	finished []upload.Snapshot
}

func (t *fakeTracker) JobPlanned(snapshot upload.Snapshot, _ string) {
	t.planned = append(t.planned, snapshot)
}

func (t *fakeTracker) BundleCreated(_ time.Duration, _ int64, pathCount int) {
	t.bundles = append(t.bundles, pathCount)
}

func (t *fakeTracker) Finished(snapshot upload.Snapshot, _ time.Duration) {
	t.finished = append(t.finished, snapshot)
}

type nativeOnly struct{}

func (nativeOnly) CheckDependencies() bool { return false }

func selectorForTest(logger log.Logger) *selection.Selector {
	return selection.NewSelector(logger, pathutil.NewPathModifier(), pathutil.NewPathChecker())
}

type testPublisher struct {
	*Publisher
	uploader *fakeUploader
	ledger   *ledger.Ledger
	notifier *fakeNotifier
	tracker  *fakeTracker
}

func newTestPublisher(t *testing.T, uploader *fakeUploader) testPublisher {
	logger := log.NewLogger()
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	coordinator := upload.NewCoordinator(uploader, upload.Config{ChunkSize: 4, BatchSize: 2, GatewayURL: "https://gateway.test"}, logger)
	notifier := &fakeNotifier{}
	tracker := &fakeTracker{}
	p := NewPublisher(
		coordinator,
		selectorForTest(logger),
		compression.NewBundler(logger, env.NewRepository(), nativeOnly{}),
		pathutil.NewPathProvider(),
		"node",
		logger,
		WithRecorder(l),
		WithNotifier(notifier),
		WithTracker(tracker),
	)
	return testPublisher{Publisher: p, uploader: uploader, ledger: l, notifier: notifier, tracker: tracker}
}

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestPublisher_Publish_SingleFile(t *testing.T) {
	// Given
	p := newTestPublisher(t, &fakeUploader{})
	path := filepath.Join(t.TempDir(), "notes")
	writeFile(t, path, "hello uploadkit")

	var progress []float64
	input := Input{
		Paths: []string{path},
		Tags:  []upload.Tag{{Name: "App-Name", Value: "test"}},
		OnProgress: func(pr upload.Progress) {
			progress = append(progress, pr.Snapshot.Progress)
		},
	}

	// When
	result, err := p.Publish(context.Background(), input)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.test/tx-1", result.Address)
	assert.Equal(t, []byte("hello uploadkit"), p.uploader.received)
	assert.Equal(t, int64(15), p.uploader.opts.Size)
	assert.Contains(t, p.uploader.opts.Tags, upload.Tag{Name: upload.ContentTypeTag, Value: "text/plain; charset=utf-8"})
	assert.Contains(t, p.uploader.opts.Tags, upload.Tag{Name: "App-Name", Value: "test"})

	require.NotEmpty(t, progress)
	assert.IsNonDecreasing(t, progress)
	assert.Equal(t, float64(100), progress[len(progress)-1])
	assert.Len(t, p.notifier.updates, len(progress))

	require.Len(t, p.tracker.planned, 1)
	assert.Equal(t, 4, p.tracker.planned[0].TotalChunks)
	require.Len(t, p.tracker.finished, 1)
	assert.Equal(t, upload.StatusCompleted, p.tracker.finished[0].Status)
	assert.Empty(t, p.tracker.bundles)

	entries, err := p.ledger.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes", entries[0].Name)
	assert.Equal(t, upload.StatusCompleted, entries[0].Status)
	assert.Equal(t, "https://gateway.test/tx-1", entries[0].Address)
	assert.Equal(t, 4, entries[0].ChunksCompleted)
	assert.NotEmpty(t, entries[0].Checksum)
}

func TestPublisher_Publish_Bundle(t *testing.T) {
	// Given
	p := newTestPublisher(t, &fakeUploader{})
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "assets", "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "assets", "b.txt"), "b")

	// When
	u, err := p.Start(context.Background(), Input{Paths: []string{filepath.Join(dir, "assets", "*.txt")}, Name: "assets"})
	require.NoError(t, err)
	result := u.Wait()

	// Then
	require.NoError(t, result.Err)
	assert.Equal(t, compression.ContentType, u.File().ContentType)
	assert.Equal(t, []int{2}, p.tracker.bundles)
	_, statErr := os.Stat(u.File().Path)
	assert.True(t, os.IsNotExist(statErr), "bundle is removed after the upload")

	extractDir := t.TempDir()
	archive := filepath.Join(t.TempDir(), "received"+compression.Extension)
	require.NoError(t, os.WriteFile(archive, p.uploader.received, 0644))
	require.NoError(t, compression.NewBundler(log.NewLogger(), env.NewRepository(), nativeOnly{}).Extract(archive, extractDir))
	content, err := os.ReadFile(filepath.Join(extractDir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(content))

	entry, err := p.ledger.Get(context.Background(), u.Job().ID())
	require.NoError(t, err)
	assert.Equal(t, "assets", entry.Name)
}

func TestPublisher_Publish_Failure(t *testing.T) {
	// Given
	p := newTestPublisher(t, &fakeUploader{err: errors.New("402 not enough funds")})
	path := filepath.Join(t.TempDir(), "image.png")
	writeFile(t, path, "not really a png")

	// When
	result, err := p.Publish(context.Background(), Input{Paths: []string{path}, ContentType: "image/png"})

	// Then
	require.Error(t, err)
	var failure *upload.UploadFailure
	require.ErrorAs(t, err, &failure)
	assert.Empty(t, result.Address)

	require.Len(t, p.tracker.finished, 1)
	assert.Equal(t, upload.StatusFailed, p.tracker.finished[0].Status)

	entries, err := p.ledger.List(context.Background(), ledger.Filter{Status: upload.StatusFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "image/png", entries[0].ContentType)
	assert.Contains(t, entries[0].FailureReason, "402 not enough funds")
	assert.Equal(t, 1, entries[0].ChunkErrors)
}

func TestPublisher_Start_NothingSelected(t *testing.T) {
	p := newTestPublisher(t, &fakeUploader{})

	_, err := p.Start(context.Background(), Input{Paths: []string{filepath.Join(t.TempDir(), "missing.bin")}})

	require.Error(t, err)
	assert.True(t, upload.IsValidationError(err))
	assert.Nil(t, p.uploader.received, "uploader is not called")
}

func TestPublisher_Start_RemoveSource(t *testing.T) {
	p := newTestPublisher(t, &fakeUploader{})
	path := filepath.Join(t.TempDir(), "spooled.bin")
	writeFile(t, path, "spooled upload")

	u, err := p.Start(context.Background(), Input{Paths: []string{path}, RemoveSource: true})
	require.NoError(t, err)
	require.NoError(t, u.Wait().Err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
