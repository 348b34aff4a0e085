package network

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"

	"github.com/udl-tools/go-uploadkit/upload"
	"github.com/udl-tools/go-uploadkit/upload/chunkuploader"
)

// NodeParams ...
type NodeParams struct {
	NodeURL  string
	Currency string
	// Token is sent as a bearer token when set.
	Token string
	// MaxRetryPerChunk is the number of attempts per chunk. Default: 3
	MaxRetryPerChunk int
	// RetryWait is the base backoff between chunk attempts. Default: 1 second
	RetryWait time.Duration
	// HungThreshold is passed to the chunk uploader. Default: 30 seconds
	HungThreshold time.Duration
}

// NodeUploader uploads data to a bundler node with its chunked upload protocol.
type NodeUploader struct {
	params NodeParams
	client nodeClient
	logger log.Logger
}

// NewNodeUploader ...
func NewNodeUploader(params NodeParams, logger log.Logger) (*NodeUploader, error) {
	if params.NodeURL == "" {
		return nil, fmt.Errorf("node URL is empty")
	}
	if params.Currency == "" {
		return nil, fmt.Errorf("currency is empty")
	}

	defaults := chunkuploader.DefaultConfig()
	if params.MaxRetryPerChunk <= 0 {
		params.MaxRetryPerChunk = defaults.MaxRetryPerChunk
	}
	if params.RetryWait <= 0 {
		params.RetryWait = defaults.RetryWait
	}
	if params.HungThreshold <= 0 {
		params.HungThreshold = defaults.HungThreshold
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	return &NodeUploader{
		params: params,
		client: newNodeClient(retryableHTTPClient, params.NodeURL, params.Currency, params.Token, logger),
		logger: logger,
	}, nil
}

// UploadData implements upload.Uploader.
func (u *NodeUploader) UploadData(ctx context.Context, r io.Reader, opts upload.Options, events chan<- upload.ChunkEvent) (upload.Receipt, error) {
	if opts.Size < 0 {
		return upload.Receipt{}, fmt.Errorf("node uploads need the data size up front")
	}
	if opts.ChunkSize <= 0 {
		return upload.Receipt{}, fmt.Errorf("invalid chunk size: %d", opts.ChunkSize)
	}

	u.logger.Debugf("Get upload ID")
	info, err := u.client.uploadInfo(ctx, opts.Size)
	if err != nil {
		return upload.Receipt{}, fmt.Errorf("failed to get upload ID: %w", err)
	}
	u.logger.Debugf("Upload ID: %s", info.ID)

	if err := checkChunkSize(opts.ChunkSize, info); err != nil {
		return upload.Receipt{}, err
	}

	sink := newEventSink(ctx, events)
	transmitter := chunkuploader.New(chunkuploader.Config{
		ChunkSize:        opts.ChunkSize,
		Concurrency:      opts.BatchSize,
		MaxRetryPerChunk: u.params.MaxRetryPerChunk,
		RetryWait:        u.params.RetryWait,
		HungThreshold:    u.params.HungThreshold,
	}, u.logger)

	send := func(ctx context.Context, chunk chunkuploader.Chunk) (string, error) {
		return "", u.client.uploadChunk(ctx, info.ID, chunk.Offset, chunk.Data)
	}

	u.logger.Debugf("Uploading %s in %s chunks", units.HumanSizeWithPrecision(float64(opts.Size), 3), units.HumanSizeWithPrecision(float64(opts.ChunkSize), 3))
	result, err := transmitter.Upload(ctx, r, send, sink)
	if err != nil {
		return upload.Receipt{}, fmt.Errorf("failed to upload chunks: %w", err)
	}
	if result.TotalUploaded != opts.Size {
		return upload.Receipt{}, fmt.Errorf("uploaded %d bytes, expected %d", result.TotalUploaded, opts.Size)
	}

	stats := transmitter.Stats()
	u.logger.Debugf("Uploaded %d chunks in %s (avg %s, %d failed attempts)",
		stats.FinishedCount(), stats.TotalDuration().Round(time.Millisecond),
		stats.Average().Round(time.Millisecond), stats.FailedAttempts())

	u.logger.Debugf("Finish upload")
	receipt, err := u.client.finish(ctx, info.ID, opts.Tags, opts.GetReceiptSignature)
	if err != nil {
		return upload.Receipt{}, fmt.Errorf("failed to finish upload: %w", err)
	}

	sink.done(receipt)
	return receipt, nil
}

func checkChunkSize(chunkSize int64, info uploadInfoResponse) error {
	if info.Min > 0 && chunkSize < info.Min {
		return fmt.Errorf("chunk size %d is below the node minimum of %d", chunkSize, info.Min)
	}
	if info.Max > 0 && chunkSize > info.Max {
		return fmt.Errorf("chunk size %d is above the node maximum of %d", chunkSize, info.Max)
	}
	return nil
}
