// Package chunkuploader drives the transfer of a file's chunks to an upload session.
// It supports sequential or bounded-parallel sends, hung request detection and per-chunk retries.
package chunkuploader

import (
	"context"
)

// ChunkDescriptor is a byte range view over the uploaded file.
type ChunkDescriptor struct {
	Index  int
	Offset int64
	Length int64
}

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns the bytes of the chunk at the given index.
	// For retries, GetChunk may be called multiple times for the same index.
	GetChunk(index int) ([]byte, error)
}

// ChunkSender delivers a single chunk to the upload session.
// Sending the same index twice with the same bytes must be a no-op on the server.
type ChunkSender interface {
	SendChunk(ctx context.Context, index int, data []byte, md5 string) error
}

// Ledger tracks which chunks the server has durably stored.
type Ledger interface {
	Uploaded(index int) bool
	Acknowledge(index int) error
}

// ChunkResult represents the result of uploading a single chunk.
type ChunkResult struct {
	Index int
	Err   error
}

// UploadResult represents the result of uploading all pending chunks.
type UploadResult struct {
	// Sent lists the acknowledged chunk indices in acknowledgement order.
	Sent []int
	// Skipped is the number of chunks the ledger already held.
	Skipped int
}
