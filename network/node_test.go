package network

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udl-tools/go-uploadkit/upload"
)

type fakeNode struct {
	t         *testing.T
	mu        sync.Mutex
	data      map[int64][]byte
	finish    finishRequest
	failFirst map[int64]bool
	attempts  map[int64]int
	min, max  int64
	token     string
}

func newFakeNode(t *testing.T) *fakeNode {
	return &fakeNode{
		t:         t,
		data:      map[int64][]byte{},
		failFirst: map[int64]bool{},
		attempts:  map[int64]int{},
		min:       1,
		max:       1024,
	}
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n.token != "" && r.Header.Get("Authorization") != "Bearer "+n.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/chunks/matic/"), "/")
	require.Len(n.t, parts, 2, r.URL.Path)

	switch {
	case r.Method == http.MethodGet && parts[0] == "-1":
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{"id":"up-1","min":` + strconv.FormatInt(n.min, 10) + `,"max":` + strconv.FormatInt(n.max, 10) + `}`))
		require.NoError(n.t, err)
	case r.Method == http.MethodPost && parts[0] == "up-1" && parts[1] == "-1":
		n.mu.Lock()
		require.NoError(n.t, json.NewDecoder(r.Body).Decode(&n.finish))
		n.mu.Unlock()
		_, err := w.Write([]byte(`{"id":"tx-42","timestamp":1690000000000,"version":"1.0.0","public":"pk","signature":"sig","deadlineHeight":1200}`))
		require.NoError(n.t, err)
	case r.Method == http.MethodPost && parts[0] == "up-1":
		offset, err := strconv.ParseInt(parts[1], 10, 64)
		require.NoError(n.t, err)
		assert.Equal(n.t, "application/octet-stream", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(n.t, err)

		n.mu.Lock()
		defer n.mu.Unlock()
		n.attempts[offset]++
		if n.failFirst[offset] && n.attempts[offset] == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		n.data[offset] = body
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (n *fakeNode) assembled() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	var buf bytes.Buffer
	for offset := int64(0); ; {
		chunk, ok := n.data[offset]
		if !ok {
			return buf.Bytes()
		}
		buf.Write(chunk)
		offset += int64(len(chunk))
	}
}

func newTestNodeUploader(t *testing.T, url, token string) *NodeUploader {
	uploader, err := NewNodeUploader(NodeParams{
		NodeURL:   url,
		Currency:  "matic",
		Token:     token,
		RetryWait: time.Millisecond,
	}, log.NewLogger())
	require.NoError(t, err)
	return uploader
}

func drain(events chan upload.ChunkEvent) []upload.ChunkEvent {
	close(events)
	var all []upload.ChunkEvent
	for event := range events {
		all = append(all, event)
	}
	return all
}

func TestNodeUploader_UploadData(t *testing.T) {
	// Given
	node := newFakeNode(t)
	node.token = "secret"
	node.failFirst[4] = true
	server := httptest.NewServer(node)
	defer server.Close()

	uploader := newTestNodeUploader(t, server.URL, "secret")
	payload := []byte("0123456789")
	events := make(chan upload.ChunkEvent, 16)

	// When
	receipt, err := uploader.UploadData(context.Background(), bytes.NewReader(payload), upload.Options{
		ChunkSize:           4,
		BatchSize:           2,
		Size:                int64(len(payload)),
		Tags:                []upload.Tag{{Name: upload.ContentTypeTag, Value: "image/png"}},
		GetReceiptSignature: true,
	}, events)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "tx-42", receipt.ID)
	assert.Equal(t, int64(1200), receipt.DeadlineHeight)
	assert.Equal(t, payload, node.assembled())
	assert.Equal(t, []upload.Tag{{Name: upload.ContentTypeTag, Value: "image/png"}}, node.finish.Tags)
	assert.True(t, node.finish.GetReceiptSignature)

	var uploaded []int
	var chunkErrors int
	all := drain(events)
	for _, event := range all {
		switch event.Kind {
		case upload.EventChunkUploaded:
			uploaded = append(uploaded, event.Index)
		case upload.EventChunkError:
			chunkErrors++
			assert.Equal(t, 1, event.Index)
		}
	}
	assert.Equal(t, []int{0, 1, 2}, uploaded)
	assert.Equal(t, 1, chunkErrors)
	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.Equal(t, upload.EventDone, last.Kind)
	assert.Equal(t, "tx-42", last.Receipt.ID)
}

func TestNodeUploader_ChunkSizeOutOfBounds(t *testing.T) {
	node := newFakeNode(t)
	node.min = 8
	server := httptest.NewServer(node)
	defer server.Close()

	uploader := newTestNodeUploader(t, server.URL, "")
	events := make(chan upload.ChunkEvent, 4)

	_, err := uploader.UploadData(context.Background(), strings.NewReader("0123456789"), upload.Options{ChunkSize: 4, BatchSize: 1, Size: 10}, events)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "below the node minimum")
	assert.Empty(t, drain(events))
}

func TestNodeUploader_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("Not enough balance for transaction"))
	}))
	defer server.Close()

	uploader := newTestNodeUploader(t, server.URL, "")

	_, err := uploader.UploadData(context.Background(), strings.NewReader("data"), upload.Options{ChunkSize: 4, BatchSize: 1, Size: 4}, make(chan upload.ChunkEvent, 4))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 402: Not enough balance for transaction")
}

func TestNodeUploader_UnknownSize(t *testing.T) {
	uploader := newTestNodeUploader(t, "http://node.invalid", "")

	_, err := uploader.UploadData(context.Background(), strings.NewReader("data"), upload.Options{ChunkSize: 4, Size: -1}, nil)

	require.Error(t, err)
}

func TestNewNodeUploader_Validation(t *testing.T) {
	_, err := NewNodeUploader(NodeParams{Currency: "matic"}, log.NewLogger())
	require.Error(t, err)

	_, err = NewNodeUploader(NodeParams{NodeURL: "https://node1.bundlr.network"}, log.NewLogger())
	require.Error(t, err)
}

func TestNodeUploader_WithCoordinator(t *testing.T) {
	// Given
	node := newFakeNode(t)
	server := httptest.NewServer(node)
	defer server.Close()

	coordinator := upload.NewCoordinator(newTestNodeUploader(t, server.URL, ""), upload.Config{
		ChunkSize:  3,
		BatchSize:  2,
		GatewayURL: "https://gateway.test/",
	}, log.NewLogger())
	payload := "abcdefghij"
	job, err := coordinator.PlanJob(int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, 4, job.TotalChunks())

	// When
	run, err := coordinator.Start(context.Background(), job, strings.NewReader(payload), upload.Metadata{ContentType: "text/plain"})
	require.NoError(t, err)

	var progress []float64
	for update := range run.Events() {
		progress = append(progress, update.Snapshot.Progress)
	}
	result := run.Wait()

	// Then
	require.NoError(t, result.Err)
	assert.Equal(t, "https://gateway.test/tx-42", result.Address)
	assert.Equal(t, upload.StatusCompleted, job.Status())
	assert.Equal(t, float64(100), job.Progress())
	assert.Equal(t, []byte(payload), node.assembled())
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
}
