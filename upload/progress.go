package upload

import (
	"sync"

	"github.com/transcribe-hub/go-upload/upload/session"
)

// Status is the user facing state of one file upload.
type Status string

// Upload statuses.
const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Progress is reported to a ProgressFunc whenever an upload advances.
type Progress struct {
	FileID         string
	Status         Status
	Percent        float64
	UploadedChunks int
	TotalChunks    int
	Err            error
}

// ProgressFunc receives progress updates. It is never called concurrently for one upload.
// Within one attempt the reported percentage never decreases; a retry restarts from the
// chunks the server reports as stored.
type ProgressFunc func(Progress)

type progressReporter struct {
	fileID string
	fn     ProgressFunc

	mu      sync.Mutex
	last    Progress
	rebased bool
}

func newProgressReporter(fileID string, fn ProgressFunc) *progressReporter {
	return &progressReporter{fileID: fileID, fn: fn, last: Progress{FileID: fileID, Status: StatusPending}}
}

func (r *progressReporter) setFunc(fn ProgressFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fn = fn
}

// rebase makes the next session snapshot the new baseline, even when it is below the
// last report. Each attempt rebuilds its session from the server's chunk set.
func (r *progressReporter) rebase() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebased = true
}

func (r *progressReporter) pending() {
	r.report(Progress{Status: StatusPending})
}

func (r *progressReporter) observe(snapshot session.Snapshot) {
	p := Progress{
		Status:         StatusUploading,
		Percent:        snapshot.Percent(),
		UploadedChunks: snapshot.UploadedChunks,
		TotalChunks:    snapshot.TotalChunks,
	}
	switch snapshot.State {
	case session.Completed:
		p.Status = StatusCompleted
	case session.Failed:
		// reported by failed together with the cause
		return
	}
	r.report(p)
}

func (r *progressReporter) failed(err error) {
	r.report(Progress{Status: StatusError, Err: err})
}

func (r *progressReporter) report(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.FileID = r.fileID
	switch {
	case p.Status == StatusError || p.Status == StatusPending:
		p.Percent = r.last.Percent
		p.UploadedChunks = r.last.UploadedChunks
		p.TotalChunks = r.last.TotalChunks
	case r.rebased:
		r.rebased = false
	case p.Percent < r.last.Percent || p.UploadedChunks < r.last.UploadedChunks:
		return
	}

	r.last = p
	if r.fn != nil {
		r.fn(p)
	}
}

func (r *progressReporter) snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
