package chunkuploader

import (
	"net/http"
	"runtime"
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of chunks in flight for one session.
	// 1 sends chunks strictly in index order.
	// Default: 1
	Concurrency int

	// MaxRetryPerChunk is the maximum number of attempts per chunk.
	// Default: 3
	MaxRetryPerChunk int

	// ChunkTimeout bounds a single chunk request. A timed out attempt is retried.
	// Default: 60 seconds
	ChunkTimeout time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount.
	// Default: 30 seconds
	HungThreshold time.Duration

	// BackoffMin and BackoffMax bound the exponential wait between attempts.
	// Default: 1 and 30 seconds
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      1,
		MaxRetryPerChunk: 3,
		ChunkTimeout:     60 * time.Second,
		HungThreshold:    30 * time.Second,
		BackoffMin:       time.Second,
		BackoffMax:       30 * time.Second,
	}
}

// DefaultConcurrency calculates a parallel chunk concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU()

	if c > 6 {
		c = 6
	}

	if c < 2 {
		c = 2
	}

	return c
}

// DefaultHTTPClient creates an HTTP client optimized for chunk uploads.
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

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxRetryPerChunk < 1 {
		c.MaxRetryPerChunk = d.MaxRetryPerChunk
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	return c
}
