package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/transcribe-hub/go-upload/upload/checksum"
	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

// Uploader sends the chunks of one upload session with retry and hung detection.
type Uploader struct {
	config Config
	logger log.Logger
	stats  *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		config: config.withDefaults(),
		logger: logger,
		stats:  NewStats(),
	}
}

// Upload sends every chunk of provider the ledger does not hold yet and acknowledges it in the ledger.
// The first chunk that can not be delivered aborts the whole transfer.
func (u *Uploader) Upload(ctx context.Context, provider ChunkProvider, sender ChunkSender, ledger Ledger) (*UploadResult, error) {
	numChunks := provider.NumChunks()

	pending := make([]int, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		if ledger.Uploaded(i) {
			continue
		}
		pending = append(pending, i)
	}

	result := &UploadResult{
		Sent:    make([]int, 0, len(pending)),
		Skipped: numChunks - len(pending),
	}
	if result.Skipped > 0 {
		u.logger.Debugf("Skipping %d/%d chunks already stored by the server", result.Skipped, numChunks)
	}
	if len(pending) == 0 {
		return result, nil
	}

	if u.config.Concurrency <= 1 || len(pending) == 1 {
		return result, u.uploadSequential(ctx, provider, sender, ledger, pending, result)
	}
	return result, u.uploadParallel(ctx, provider, sender, ledger, pending, result)
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

func (u *Uploader) uploadSequential(ctx context.Context, provider ChunkProvider, sender ChunkSender, ledger Ledger, pending []int, result *UploadResult) error {
	numChunks := provider.NumChunks()

	for _, index := range pending {
		if err := ctx.Err(); err != nil {
			return canceled(index, err)
		}

		if err := u.uploadChunkWithRetry(ctx, provider, sender, index, numChunks); err != nil {
			return err
		}

		// The send may have raced with cancellation; its result is discarded.
		if err := ctx.Err(); err != nil {
			return canceled(index, err)
		}

		if err := ledger.Acknowledge(index); err != nil {
			return fmt.Errorf("acknowledge chunk %d: %w", index, err)
		}
		result.Sent = append(result.Sent, index)
	}

	return nil
}

func (u *Uploader) uploadParallel(ctx context.Context, provider ChunkProvider, sender ChunkSender, ledger Ledger, pending []int, result *UploadResult) error {
	numChunks := provider.NumChunks()

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := u.config.Concurrency
	if workers > len(pending) {
		workers = len(pending)
	}

	indices := make(chan int)
	results := make(chan ChunkResult, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indices {
				err := u.uploadChunkWithRetry(workCtx, provider, sender, index, numChunks)
				results <- ChunkResult{Index: index, Err: err}
			}
		}()
	}

	go func() {
		defer close(indices)
		for _, index := range pending {
			select {
			case <-workCtx.Done():
				return
			case indices <- index:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if firstErr != nil {
			continue
		}
		if res.Err != nil {
			firstErr = res.Err
			cancel()
			continue
		}
		if err := ctx.Err(); err != nil {
			firstErr = canceled(res.Index, err)
			continue
		}
		if err := ledger.Acknowledge(res.Index); err != nil {
			firstErr = fmt.Errorf("acknowledge chunk %d: %w", res.Index, err)
			cancel()
			continue
		}
		result.Sent = append(result.Sent, res.Index)
	}

	if firstErr == nil && ctx.Err() != nil {
		firstErr = canceled(-1, ctx.Err())
	}
	return firstErr
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, provider ChunkProvider, sender ChunkSender, index, totalChunks int) error {
	var data []byte
	var md5 string
	var uploadErr error

	for attempt := 0; attempt < u.config.MaxRetryPerChunk; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(index, err)
		}

		if data == nil {
			chunk, err := provider.GetChunk(index)
			if err != nil {
				return uploaderr.New(uploaderr.ErrIO, fmt.Sprintf("read chunk %d", index), err)
			}
			data = chunk
			md5 = checksum.MD5OfBytes(data)
		}

		u.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, totalChunks, attempt+1, u.config.MaxRetryPerChunk,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()

		var chunkCtx context.Context
		var cancelChunk context.CancelFunc
		if u.config.ChunkTimeout > 0 {
			chunkCtx, cancelChunk = context.WithTimeout(ctx, u.config.ChunkTimeout)
		} else {
			chunkCtx, cancelChunk = context.WithCancel(ctx)
		}

		// Start hung detection goroutine (except on last retry)
		if attempt < u.config.MaxRetryPerChunk-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(chunkCtx, cancelChunk, start, index)
		}

		uploadErr = sender.SendChunk(chunkCtx, index, data, md5)
		interrupted := chunkCtx.Err() != nil
		cancelChunk()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.Update(took, int64(len(data)))
			u.logger.Debugf("Chunk %d uploaded in %v", index+1, took.Round(time.Millisecond))
			return nil
		}

		if err := ctx.Err(); err != nil {
			return canceled(index, err)
		}

		switch {
		case interrupted, uploaderr.Transient(uploadErr):
		case errors.Is(uploadErr, uploaderr.ErrIntegrityMismatch):
			// The server received different bytes than digested; read the range again.
			data = nil
		default:
			return uploaderr.New(uploaderr.ErrChunkUploadFailed, fmt.Sprintf("chunk %d", index), uploadErr)
		}

		if attempt == u.config.MaxRetryPerChunk-1 {
			break
		}

		backoff := retryablehttp.DefaultBackoff(u.config.BackoffMin, u.config.BackoffMax, attempt, nil)
		u.logger.Warnf("Chunk %d attempt %d failed: %v, retrying after %v", index+1, attempt+1, uploadErr, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(index, ctx.Err())
		case <-timer.C:
		}
	}

	return uploaderr.New(uploaderr.ErrChunkUploadFailed, fmt.Sprintf("chunk %d", index),
		fmt.Errorf("giving up after %d attempts: %w", u.config.MaxRetryPerChunk, uploadErr))
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

func canceled(index int, err error) error {
	op := "upload"
	if index >= 0 {
		op = fmt.Sprintf("chunk %d", index)
	}
	return uploaderr.New(uploaderr.ErrCanceled, op, err)
}
