package chunkuploader

import (
	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

// Splitter partitions a file of a known size into fixed size byte ranges.
// It never reads file data; descriptors are produced on demand.
type Splitter struct {
	fileSize    int64
	chunkSize   int64
	totalChunks int
}

// NewSplitter returns a Splitter for a file of fileSize bytes and the server advised chunkSize.
func NewSplitter(fileSize, chunkSize int64) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, uploaderr.Newf(uploaderr.ErrValidation, "split", "chunk size must be positive, got %d", chunkSize)
	}
	if fileSize <= 0 {
		return nil, uploaderr.Newf(uploaderr.ErrValidation, "split", "file size must be positive, got %d", fileSize)
	}

	return &Splitter{
		fileSize:    fileSize,
		chunkSize:   chunkSize,
		totalChunks: TotalChunks(fileSize, chunkSize),
	}, nil
}

// TotalChunks returns ceil(fileSize / chunkSize), or 0 for non-positive arguments.
func TotalChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// TotalChunks returns the number of chunks of the file.
func (s *Splitter) TotalChunks() int {
	return s.totalChunks
}

// ChunkSize returns the nominal chunk size.
func (s *Splitter) ChunkSize() int64 {
	return s.chunkSize
}

// FileSize returns the split file's size.
func (s *Splitter) FileSize() int64 {
	return s.fileSize
}

// Descriptor returns the byte range of the chunk at index.
func (s *Splitter) Descriptor(index int) (ChunkDescriptor, error) {
	if index < 0 || index >= s.totalChunks {
		return ChunkDescriptor{}, uploaderr.Newf(uploaderr.ErrValidation, "split", "chunk index %d out of range [0, %d)", index, s.totalChunks)
	}

	offset := int64(index) * s.chunkSize
	length := s.chunkSize
	if index == s.totalChunks-1 {
		length = s.fileSize - offset
	}

	return ChunkDescriptor{
		Index:  index,
		Offset: offset,
		Length: length,
	}, nil
}
