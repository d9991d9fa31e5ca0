package network

import (
	"context"

	"github.com/transcribe-hub/go-upload/upload/network/chunkuploader"
)

// Negotiator opens, inspects and completes upload sessions.
type Negotiator interface {
	InitUpload(ctx context.Context, taskID string, request InitUploadRequest) (InitUploadResponse, error)
	CheckUploaded(ctx context.Context, taskID, uploadID string) (CheckUploadedResponse, error)
	CompleteUpload(ctx context.Context, taskID, uploadID, fileMD5 string, totalChunks int) (FileRecord, error)
	ChunkSender(taskID, uploadID string) chunkuploader.ChunkSender
}

// Downloader ...
type Downloader interface {
	DownloadFile(ctx context.Context, params DownloadParams) error
}

var (
	_ Negotiator = (*Client)(nil)
	_ Downloader = (*Client)(nil)
)
