package chunkuploader

import (
	"net/http"
	"runtime"
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the size of every chunk except the last one.
	ChunkSize int64

	// Concurrency is the maximum number of parallel chunk uploads (the batch size).
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetryPerChunk is the maximum number of attempts per chunk.
	// Default: 3
	MaxRetryPerChunk int

	// RetryWait is the base backoff between attempts, multiplied by the attempt number.
	// Default: 1 second
	RetryWait time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        25 * 1024 * 1024,
		Concurrency:      DefaultConcurrency(),
		MaxRetryPerChunk: 3,
		RetryWait:        time.Second,
		HungThreshold:    30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// DefaultHTTPClient creates an HTTP client for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxRetryPerChunk <= 0 {
		c.MaxRetryPerChunk = d.MaxRetryPerChunk
	}
	if c.RetryWait < 0 {
		c.RetryWait = 0
	}
	return c
}
