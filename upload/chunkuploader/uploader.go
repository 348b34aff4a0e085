package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader handles parallel chunk uploads with retry and hung detection.
type Uploader struct {
	config Config
	logger log.Logger
	stats  *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	return &Uploader{
		config: config.normalized(),
		logger: logger,
		stats:  NewStats(),
	}
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload reads source chunk by chunk and transmits the chunks with send, at most Concurrency at a time.
// The first chunk that fails all of its attempts cancels the remaining chunks and fails the upload.
func (u *Uploader) Upload(ctx context.Context, source io.Reader, send SendFunc, observer Observer) (*UploadResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan Chunk)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		readErr <- u.split(ctx, source, chunks)
	}()

	results := make(chan chunkResult, u.config.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < u.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range chunks {
				part, err := u.uploadChunkWithRetry(ctx, send, chunk, observer)
				results <- chunkResult{part: part, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Completions are buffered until every lower index is done, so observers see them in order.
	pending := map[int]Part{}
	next := 0
	var parts []Part
	var total int64
	var firstErr error
	for result := range results {
		if result.err != nil {
			if firstErr == nil {
				firstErr = result.err
				cancel()
			}
			continue
		}

		pending[result.part.Index] = result.part
		for {
			part, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			total += part.Size
			parts = append(parts, part)
			if observer != nil && firstErr == nil {
				observer.ChunkUploaded(part, total)
			}
			next++
		}
	}

	if err := <-readErr; err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upload cancelled: %w", err)
	}

	return &UploadResult{Parts: parts, TotalUploaded: total}, nil
}

// split feeds chunks of ChunkSize bytes to the workers. An empty source still produces one empty chunk.
func (u *Uploader) split(ctx context.Context, source io.Reader, chunks chan<- Chunk) error {
	var offset int64
	for index := 0; ; index++ {
		buf := make([]byte, u.config.ChunkSize)
		n, err := io.ReadFull(source, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("read chunk %d: %w", index+1, err)
		}
		if n == 0 && index > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunks <- Chunk{Index: index, Offset: offset, Data: buf[:n]}:
		}
		offset += int64(n)

		if err != nil {
			return nil
		}
	}
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, send SendFunc, chunk Chunk, observer Observer) (Part, error) {
	var uploadErr error

	for attempt := 0; attempt < u.config.MaxRetryPerChunk; attempt++ {
		if err := ctx.Err(); err != nil {
			return Part{}, fmt.Errorf("chunk %d upload cancelled: %w", chunk.Index+1, err)
		}

		u.logger.Debugf("Uploading chunk %d (attempt %d/%d) [finished=%d] [avg=%v]",
			chunk.Index+1, attempt+1, u.config.MaxRetryPerChunk,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		// Start hung detection goroutine (except on last retry)
		if attempt < u.config.MaxRetryPerChunk-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(chunkCtx, cancelChunk, start, chunk.Index)
		}

		tag, err := send(chunkCtx, chunk)
		hung := chunkCtx.Err() != nil && ctx.Err() == nil
		cancelChunk()

		if err == nil {
			took := time.Since(start)
			u.stats.Update(took)
			u.logger.Debugf("Chunk %d uploaded in %v", chunk.Index+1, took.Round(time.Millisecond))
			return Part{Index: chunk.Index, Offset: chunk.Offset, Size: chunk.Size(), Tag: tag}, nil
		}

		uploadErr = err
		u.stats.Failed()
		if observer != nil {
			observer.ChunkFailed(chunk.Index, attempt+1, err)
		}

		if ctx.Err() != nil {
			return Part{}, fmt.Errorf("chunk %d upload cancelled: %w", chunk.Index+1, ctx.Err())
		}
		if hung {
			u.logger.Warnf("Chunk %d attempt %d cancelled (hung), retrying", chunk.Index+1, attempt+1)
		} else {
			u.logger.Warnf("Chunk %d attempt %d failed: %v", chunk.Index+1, attempt+1, err)
		}

		if attempt < u.config.MaxRetryPerChunk-1 && u.config.RetryWait > 0 {
			backoff := time.Duration(attempt+1) * u.config.RetryWait
			select {
			case <-ctx.Done():
				return Part{}, fmt.Errorf("chunk %d upload cancelled: %w", chunk.Index+1, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return Part{}, fmt.Errorf("chunk %d failed after %d attempts: %w", chunk.Index+1, u.config.MaxRetryPerChunk, uploadErr)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}
