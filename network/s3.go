package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"

	"github.com/udl-tools/go-uploadkit/upload"
	"github.com/udl-tools/go-uploadkit/upload/chunkuploader"
)

const numControlRetries = 3

// MinS3PartSize is the smallest part S3 accepts in a multipart upload, except for the last part.
const MinS3PartSize int64 = 5 * 1024 * 1024

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	// MaxRetryPerChunk is the number of attempts per part. Default: 3
	MaxRetryPerChunk int
}

// S3Uploader uploads data as an S3 object, one multipart part per chunk.
type S3Uploader struct {
	client           manager.UploadAPIClient
	bucket           string
	prefix           string
	maxRetryPerChunk int
	retryWait        time.Duration
	logger           log.Logger
}

// NewS3Uploader ...
func NewS3Uploader(ctx context.Context, params S3Params, logger log.Logger) (*S3Uploader, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newS3Uploader(s3.NewFromConfig(*cfg), params, 5*time.Second, logger), nil
}

func newS3Uploader(client manager.UploadAPIClient, params S3Params, retryWait time.Duration, logger log.Logger) *S3Uploader {
	maxRetry := params.MaxRetryPerChunk
	if maxRetry <= 0 {
		maxRetry = chunkuploader.DefaultConfig().MaxRetryPerChunk
	}
	return &S3Uploader{
		client:           client,
		bucket:           params.Bucket,
		prefix:           params.Prefix,
		maxRetryPerChunk: maxRetry,
		retryWait:        retryWait,
		logger:           logger,
	}
}

// Key ...
func (u *S3Uploader) Key(id string) string {
	if u.prefix == "" {
		return id
	}
	return path.Join(u.prefix, id)
}

// UploadData implements upload.Uploader. The receipt ID is the object key.
// Data that fits into a single chunk is put with one request, anything larger is a multipart upload.
func (u *S3Uploader) UploadData(ctx context.Context, r io.Reader, opts upload.Options, events chan<- upload.ChunkEvent) (upload.Receipt, error) {
	key := u.Key(uuid.NewString())
	contentType, metadata := objectMetadata(opts.Tags)
	sink := newEventSink(ctx, events)

	var err error
	if opts.Size >= 0 && opts.Size <= opts.ChunkSize {
		err = u.putObject(ctx, key, r, opts.Size, contentType, metadata)
		if err == nil {
			sink.ChunkUploadedAt(0, 0, opts.Size, opts.Size)
		}
	} else {
		if opts.ChunkSize < MinS3PartSize {
			return upload.Receipt{}, fmt.Errorf("chunk size %d is below the S3 minimum part size of %d", opts.ChunkSize, MinS3PartSize)
		}
		err = u.multipartUpload(ctx, key, r, opts, contentType, metadata, sink)
	}
	if err != nil {
		return upload.Receipt{}, err
	}

	receipt := upload.Receipt{ID: key, Timestamp: time.Now().UnixMilli()}
	sink.done(receipt)
	return receipt, nil
}

func (u *S3Uploader) putObject(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error {
	u.logger.Debugf("Uploading s3://%s/%s in a single request", u.bucket, key)

	uploader := manager.NewUploader(u.client, func(m *manager.Uploader) {
		m.PartSize = MinS3PartSize
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Body:          r,
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (u *S3Uploader) multipartUpload(ctx context.Context, key string, r io.Reader, opts upload.Options, contentType string, metadata map[string]string, sink *eventSink) error {
	uploadID, err := u.createMultipartUploadWithRetry(ctx, key, contentType, metadata)
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	u.logger.Debugf("Multipart upload ID: %s", uploadID)

	transmitter := chunkuploader.New(chunkuploader.Config{
		ChunkSize:        opts.ChunkSize,
		Concurrency:      opts.BatchSize,
		MaxRetryPerChunk: u.maxRetryPerChunk,
		RetryWait:        u.retryWait,
	}, u.logger)

	send := func(ctx context.Context, chunk chunkuploader.Chunk) (string, error) {
		resp, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(int32(chunk.Index + 1)),
			Body:          bytes.NewReader(chunk.Data),
			ContentLength: aws.Int64(chunk.Size()),
		})
		if err != nil {
			return "", err
		}
		return aws.ToString(resp.ETag), nil
	}

	result, err := transmitter.Upload(ctx, r, send, sink)
	if err != nil {
		u.abortMultipartUpload(key, uploadID)
		return fmt.Errorf("upload parts: %w", err)
	}

	parts := make([]types.CompletedPart, 0, len(result.Parts))
	for _, part := range result.Parts {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(part.Tag),
			PartNumber: aws.Int32(int32(part.Index + 1)),
		})
	}

	if err := u.completeMultipartUploadWithRetry(ctx, key, uploadID, parts); err != nil {
		u.abortMultipartUpload(key, uploadID)
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	return nil
}

func (u *S3Uploader) createMultipartUploadWithRetry(ctx context.Context, key, contentType string, metadata map[string]string) (string, error) {
	var uploadID string
	err := retry.Times(numControlRetries).Wait(u.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
			Metadata:    metadata,
		})
		if err != nil {
			return err, isPermanentS3Error(err) || ctx.Err() != nil
		}

		uploadID = aws.ToString(resp.UploadId)
		return nil, true
	})

	return uploadID, err
}

func (u *S3Uploader) completeMultipartUploadWithRetry(ctx context.Context, key, uploadID string, parts []types.CompletedPart) error {
	return retry.Times(numControlRetries).Wait(u.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(u.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			return err, isPermanentS3Error(err) || ctx.Err() != nil
		}
		return nil, true
	})
}

// abortMultipartUpload releases the stored parts. It runs detached from the upload context, which may already be cancelled.
func (u *S3Uploader) abortMultipartUpload(key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		u.logger.Warnf("Failed to abort multipart upload %s: %s", uploadID, err)
	}
}

// isPermanentS3Error reports API errors that a retry cannot fix.
func isPermanentS3Error(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}

	switch apiError.(type) {
	case *types.NoSuchBucket, *types.NoSuchUpload:
		return true
	}

	switch apiError.ErrorCode() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName", "EntityTooSmall", "InvalidPart", "InvalidPartOrder":
		return true
	}
	return apiError.ErrorFault() == smithy.FaultClient
}

func objectMetadata(tags []upload.Tag) (string, map[string]string) {
	contentType := "application/octet-stream"
	metadata := map[string]string{}
	for _, tag := range tags {
		if tag.Name == upload.ContentTypeTag {
			contentType = tag.Value
			continue
		}
		metadata[tag.Name] = tag.Value
	}
	return contentType, metadata
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
