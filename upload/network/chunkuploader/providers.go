package chunkuploader

import (
	"errors"
	"fmt"
	"io"
)

// FileChunkProvider reads chunks from a random access source, typically an *os.File.
// Safe for parallel chunk reads; the source is never written.
type FileChunkProvider struct {
	src      io.ReaderAt
	splitter *Splitter
}

// NewFileChunkProvider creates a ChunkProvider that reads the ranges described by splitter from src.
func NewFileChunkProvider(src io.ReaderAt, splitter *Splitter) *FileChunkProvider {
	return &FileChunkProvider{
		src:      src,
		splitter: splitter,
	}
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.splitter.TotalChunks()
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	d, err := p.splitter.Descriptor(index)
	if err != nil {
		return 0
	}
	return d.Length
}

// GetChunk reads the chunk at the given index into memory.
func (p *FileChunkProvider) GetChunk(index int) ([]byte, error) {
	d, err := p.splitter.Descriptor(index)
	if err != nil {
		return nil, err
	}

	chunk := make([]byte, d.Length)
	n, err := p.src.ReadAt(chunk, d.Offset)
	if int64(n) == d.Length {
		return chunk, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected end of file at chunk %d: read %d of %d bytes", index, n, d.Length)
	}
	return nil, fmt.Errorf("read chunk %d at offset %d: %w", index, d.Offset, err)
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return p.chunks[index], nil
}
