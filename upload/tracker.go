package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

// Tracker receives upload events.
type Tracker interface {
	Enqueue(eventName string, properties ...analytics.Properties)
	Wait()
}

type noopTracker struct{}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}
func (noopTracker) Wait()                                   {}

// NewTracker returns the analytics tracker if enabled, otherwise a tracker that drops every event.
func NewTracker(enabled bool, taskID string, logger log.Logger) Tracker {
	if !enabled {
		return noopTracker{}
	}
	return analytics.NewDefaultTracker(logger, analytics.Properties{"task_id": taskID})
}

type uploadTracker struct {
	tracker Tracker
}

func (t uploadTracker) logFileUploaded(uploadTime time.Duration, file File, totalChunks, skippedChunks int) {
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": file.Size,
		"file_type":         file.ContentType,
		"chunk_count":       totalChunks,
		"resumed_chunks":    skippedChunks,
	}
	t.tracker.Enqueue("upload_file_uploaded", properties)
}

func (t uploadTracker) logFileFailed(file File, err error) {
	kind := "unknown"
	if k := uploaderr.KindOf(err); k != nil {
		kind = k.Error()
	}
	properties := analytics.Properties{
		"upload_size_bytes": file.Size,
		"file_type":         file.ContentType,
		"error_kind":        kind,
	}
	t.tracker.Enqueue("upload_file_failed", properties)
}
