// Package upload moves local media files to a transcription task with the chunked,
// resumable upload protocol of the backend.
package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/transcribe-hub/go-upload/upload/network"
	"github.com/transcribe-hub/go-upload/upload/network/chunkuploader"
	"github.com/transcribe-hub/go-upload/upload/session"
	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

// Upload is a handle of one file upload started by StartUpload or RetryUpload.
type Upload struct {
	// ID identifies the file across retries. It is local to the client.
	ID string

	done   chan struct{}
	record FileRecord
	err    error
}

// Done is closed once the upload finished, successfully or not.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until the upload finished and returns its outcome.
func (u *Upload) Wait() (FileRecord, error) {
	<-u.done
	return u.record, u.err
}

// entry is the resumable state of one file. Fields are guarded by Orchestrator.mu.
type entry struct {
	fileID   string
	taskID   string
	file     File
	reporter *progressReporter

	fileMD5     string
	uploadID    string
	chunkSize   int64
	totalChunks int
	// session is the local view of the last attempt.
	session *session.Session

	running bool
	cancel  context.CancelFunc
}

// Orchestrator runs uploads. Up to Config.MaxActiveSessions files transfer at the same
// time; others wait in the pending state. Failed and cancelled uploads are kept for
// RetryUpload until they succeed; completed uploads are forgotten.
type Orchestrator struct {
	config  Config
	client  network.Negotiator
	tracker uploadTracker
	logger  log.Logger
	slots   chan struct{}

	mu      sync.Mutex
	entries map[string]*entry
}

// NewOrchestrator creates an Orchestrator. client and tracker can be nil, in that case the
// HTTP client is built from config and analytics is disabled.
func NewOrchestrator(config Config, client network.Negotiator, tracker Tracker, logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewLogger()
	}
	if config.MaxActiveSessions < 1 {
		config.MaxActiveSessions = DefaultMaxActiveSessions
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if client == nil {
		client = network.NewClient(
			network.NewRetryableClient(logger, 0, 0, 0),
			chunkuploader.DefaultHTTPClient(),
			config.APIBaseURL,
			string(config.AccessToken),
			logger,
		)
	}
	if tracker == nil {
		tracker = noopTracker{}
	}

	return &Orchestrator{
		config:  config,
		client:  client,
		tracker: uploadTracker{tracker: tracker},
		logger:  logger,
		slots:   make(chan struct{}, config.MaxActiveSessions),
		entries: map[string]*entry{},
	}
}

// UploadFile uploads file to the task and blocks until the server stored it.
func (o *Orchestrator) UploadFile(ctx context.Context, taskID string, file File, progress ProgressFunc) (FileRecord, error) {
	return o.StartUpload(ctx, taskID, file, progress).Wait()
}

// StartUpload starts uploading file in the background.
func (o *Orchestrator) StartUpload(ctx context.Context, taskID string, file File, progress ProgressFunc) *Upload {
	if file.Tag == "" {
		file.Tag = TagOriginal
	}

	fileID := uuid.NewString()
	e := &entry{
		fileID:   fileID,
		taskID:   taskID,
		file:     file,
		reporter: newProgressReporter(fileID, progress),
	}

	o.mu.Lock()
	o.entries[fileID] = e
	u := o.startLocked(ctx, e)
	o.mu.Unlock()

	return u
}

// RetryUpload resumes a failed or cancelled upload. The server session is reused when one
// exists, so chunks it already stores are not sent again. A nil progress keeps the previous callback.
func (o *Orchestrator) RetryUpload(ctx context.Context, fileID string, progress ProgressFunc) (*Upload, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[fileID]
	if !ok {
		return nil, uploaderr.Newf(uploaderr.ErrValidation, "retry upload", "unknown file %s", fileID)
	}
	if e.running {
		return nil, uploaderr.Newf(uploaderr.ErrValidation, "retry upload", "file %s is still uploading", fileID)
	}
	if progress != nil {
		e.reporter.setFunc(progress)
	}
	if e.session != nil {
		snapshot := e.session.Snapshot()
		o.logger.Debugf("Retrying %s, last session %s ended %s with %d/%d chunks", e.file.Name,
			e.session.ID(), snapshot.State, snapshot.UploadedChunks, snapshot.TotalChunks)
	}

	return o.startLocked(ctx, e), nil
}

// CancelUpload stops the upload of fileID. It reports whether a running upload was found.
// Chunks the server already stored are kept, so the upload can be retried later.
func (o *Orchestrator) CancelUpload(fileID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[fileID]
	if !ok || !e.running {
		return false
	}
	e.cancel()
	return true
}

// Progress returns the last progress reported for fileID. Completed uploads are not tracked.
func (o *Orchestrator) Progress(fileID string) (Progress, bool) {
	o.mu.Lock()
	e, ok := o.entries[fileID]
	o.mu.Unlock()

	if !ok {
		return Progress{}, false
	}
	return e.reporter.snapshot(), true
}

// Close waits for the pending analytics events.
func (o *Orchestrator) Close() {
	o.tracker.tracker.Wait()
}

// startLocked must be called with o.mu held.
func (o *Orchestrator) startLocked(parent context.Context, e *entry) *Upload {
	ctx, cancel := context.WithCancel(parent)
	e.running = true
	e.cancel = cancel

	u := &Upload{ID: e.fileID, done: make(chan struct{})}
	go func() {
		defer close(u.done)
		defer cancel()

		u.record, u.err = o.run(ctx, e)

		o.mu.Lock()
		e.running = false
		if u.err == nil {
			delete(o.entries, e.fileID)
		}
		o.mu.Unlock()
	}()

	return u
}

func (o *Orchestrator) run(ctx context.Context, e *entry) (FileRecord, error) {
	file := e.file
	startTime := time.Now()

	record, skipped, err := o.upload(ctx, e)
	if err != nil {
		if errors.Is(err, uploaderr.ErrCanceled) {
			o.logger.Warnf("Upload of %s canceled", file.Name)
		} else {
			o.logger.Errorf("Upload of %s failed: %s", file.Name, err)
		}
		e.reporter.failed(err)
		o.tracker.logFileFailed(file, err)
		return FileRecord{}, err
	}

	uploadTime := time.Since(startTime).Round(time.Second)
	o.logger.Donef("Uploaded %s in %s (file id: %s)", file.Name, uploadTime, record.FileID)
	o.mu.Lock()
	totalChunks := e.totalChunks
	o.mu.Unlock()
	o.tracker.logFileUploaded(uploadTime, file, totalChunks, skipped)
	return record, nil
}

func (o *Orchestrator) upload(ctx context.Context, e *entry) (FileRecord, int, error) {
	file := e.file
	if err := o.validate(file); err != nil {
		return FileRecord{}, 0, err
	}

	e.reporter.pending()
	release, err := o.acquire(ctx)
	if err != nil {
		return FileRecord{}, 0, err
	}
	defer release()

	o.logger.TDebugf("Upload slot acquired for %s", file.Name)

	if err := o.digest(ctx, e); err != nil {
		return FileRecord{}, 0, err
	}

	if err := o.open(ctx, e); err != nil {
		return FileRecord{}, 0, err
	}

	o.mu.Lock()
	uploadID, fileMD5, chunkSize, totalChunks := e.uploadID, e.fileMD5, e.chunkSize, e.totalChunks
	o.mu.Unlock()

	splitter, err := chunkuploader.NewSplitter(file.Size, chunkSize)
	if err != nil {
		return FileRecord{}, 0, err
	}
	sess, err := session.New(uploadID, fileMD5, chunkSize, totalChunks, e.reporter.observe)
	if err != nil {
		return FileRecord{}, 0, err
	}
	o.mu.Lock()
	e.session = sess
	o.mu.Unlock()
	e.reporter.rebase()

	record, skipped, err := o.transfer(ctx, e, sess, splitter)
	if err != nil {
		if failErr := sess.Fail(err); failErr != nil {
			o.logger.Debugf("Failed to mark session %s failed: %s", uploadID, failErr)
		}
		o.forgetUnknownSession(e, err)
		return FileRecord{}, skipped, err
	}
	return record, skipped, nil
}

func (o *Orchestrator) transfer(ctx context.Context, e *entry, sess *session.Session, splitter *chunkuploader.Splitter) (FileRecord, int, error) {
	file := e.file

	checked, err := o.client.CheckUploaded(ctx, e.taskID, sess.ID())
	if err != nil {
		return FileRecord{}, 0, err
	}
	if err := sess.Resume(checked.UploadedChunks); err != nil {
		return FileRecord{}, 0, err
	}
	if len(checked.UploadedChunks) > 0 {
		o.logger.Infof("Resuming %s: %d/%d chunks already uploaded", file.Name, sess.Snapshot().UploadedChunks, sess.TotalChunks())
	}

	if err := sess.BeginTransfer(); err != nil {
		return FileRecord{}, 0, err
	}

	o.logger.Infof("Uploading %s (%s) in %d chunks of %s", file.Name,
		units.HumanSizeWithPrecision(float64(file.Size), 3), sess.TotalChunks(),
		units.HumanSizeWithPrecision(float64(sess.ChunkSize()), 3))

	uploader := chunkuploader.New(o.config.Chunk, o.logger)
	provider := chunkuploader.NewFileChunkProvider(file.Content, splitter)
	result, err := uploader.Upload(ctx, provider, o.client.ChunkSender(e.taskID, sess.ID()), sess)
	if err != nil {
		return FileRecord{}, 0, err
	}
	o.logger.Debugf("Sent %d chunks, skipped %d, throughput %s/s", len(result.Sent), result.Skipped,
		units.HumanSizeWithPrecision(uploader.Stats().Throughput(), 3))

	if err := sess.BeginCompleting(); err != nil {
		return FileRecord{}, result.Skipped, err
	}

	record, err := o.client.CompleteUpload(ctx, e.taskID, sess.ID(), sess.FileMD5(), sess.TotalChunks())
	if err != nil {
		return FileRecord{}, result.Skipped, err
	}

	if err := sess.Complete(); err != nil {
		return FileRecord{}, result.Skipped, err
	}
	return record, result.Skipped, nil
}

func (o *Orchestrator) validate(file File) error {
	const op = "validate file"
	switch {
	case file.Name == "":
		return uploaderr.Newf(uploaderr.ErrValidation, op, "file name is empty")
	case file.Content == nil:
		return uploaderr.Newf(uploaderr.ErrValidation, op, "%s has no content", file.Name)
	case file.Size <= 0:
		return uploaderr.Newf(uploaderr.ErrValidation, op, "%s is empty", file.Name)
	case file.Size > o.config.MaxFileSize:
		return uploaderr.Newf(uploaderr.ErrValidation, op, "%s is %s, larger than the allowed %s", file.Name,
			units.HumanSizeWithPrecision(float64(file.Size), 3), units.HumanSizeWithPrecision(float64(o.config.MaxFileSize), 3))
	}
	return nil
}

func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	select {
	case o.slots <- struct{}{}:
		return func() { <-o.slots }, nil
	case <-ctx.Done():
		return nil, uploaderr.New(uploaderr.ErrCanceled, "wait for upload slot", ctx.Err())
	}
}

// digest computes the whole-file digest once. On a retry the source is digested again
// and must not have changed.
func (o *Orchestrator) digest(ctx context.Context, e *entry) error {
	o.logger.Debugf("Calculating MD5 of %s", e.file.Name)
	sum, err := e.file.digest()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return uploaderr.New(uploaderr.ErrCanceled, "digest", ctx.Err())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if e.fileMD5 != "" && e.fileMD5 != sum {
		return uploaderr.Newf(uploaderr.ErrValidation, "digest", "%s changed since the upload started", e.file.Name)
	}
	e.fileMD5 = sum
	return nil
}

// open starts a server session unless the entry already holds one.
func (o *Orchestrator) open(ctx context.Context, e *entry) error {
	o.mu.Lock()
	uploadID, fileMD5 := e.uploadID, e.fileMD5
	o.mu.Unlock()
	if uploadID != "" {
		o.logger.Debugf("Reusing upload session %s", uploadID)
		return nil
	}

	file := e.file
	response, err := o.client.InitUpload(ctx, e.taskID, network.InitUploadRequest{
		FileName: file.Name,
		FileSize: file.Size,
		FileType: file.ContentType,
		FileTag:  file.Tag,
		FileMD5:  fileMD5,
	})
	if err != nil {
		return err
	}

	totalChunks := chunkuploader.TotalChunks(file.Size, response.ChunkSize)
	if response.TotalChunks != 0 && response.TotalChunks != totalChunks {
		return uploaderr.Newf(uploaderr.ErrServer, "init upload", "server expects %d chunks, file has %d", response.TotalChunks, totalChunks)
	}
	o.logger.Debugf("Upload session %s opened, chunk size %d", response.UploadID, response.ChunkSize)

	o.mu.Lock()
	e.uploadID = response.UploadID
	e.chunkSize = response.ChunkSize
	e.totalChunks = totalChunks
	o.mu.Unlock()
	return nil
}

// forgetUnknownSession drops the upload id of e when the server no longer knows the
// session, so the next retry opens a fresh one. Any other failure keeps the id: a retry
// resumes through CheckUploaded, which also recovers from a digest mismatch on complete.
func (o *Orchestrator) forgetUnknownSession(e *entry, err error) {
	if !unknownSession(err) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.logger.Debugf("Discarding upload session %s: %s", e.uploadID, err)
	e.uploadID = ""
}

func unknownSession(err error) bool {
	for err != nil {
		var uploadErr *uploaderr.Error
		if !errors.As(err, &uploadErr) {
			return false
		}
		if uploadErr.Code == network.CodeNotFound {
			return true
		}
		err = uploadErr.Err
	}
	return false
}
