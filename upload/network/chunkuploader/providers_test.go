package chunkuploader

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transcribe-hub/go-upload/upload/checksum"
)

func TestByteSliceChunkProvider(t *testing.T) {
	chunks := [][]byte{
		[]byte("first chunk"),
		[]byte("second chunk with more data"),
		[]byte("third"),
	}

	provider := NewByteSliceChunkProvider(chunks)

	require.Equal(t, 3, provider.NumChunks())

	expectedSizes := []int64{11, 27, 5}
	for i, expected := range expectedSizes {
		assert.Equal(t, expected, provider.ChunkSize(i))
	}

	for i, expectedData := range chunks {
		data, err := provider.GetChunk(i)
		require.NoError(t, err)
		assert.Equal(t, expectedData, data)
	}

	_, err := provider.GetChunk(-1)
	assert.Error(t, err)

	_, err = provider.GetChunk(3)
	assert.Error(t, err)
}

func TestFileChunkProvider(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.bin")

	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(testFile, testData, 0644))

	file, err := os.Open(testFile)
	require.NoError(t, err)
	defer file.Close()

	// 30+30+30+10 = 100
	splitter, err := NewSplitter(100, 30)
	require.NoError(t, err)
	provider := NewFileChunkProvider(file, splitter)

	require.Equal(t, 4, provider.NumChunks())
	assert.Equal(t, int64(30), provider.ChunkSize(0))
	assert.Equal(t, int64(10), provider.ChunkSize(3))
	assert.Equal(t, int64(0), provider.ChunkSize(4))

	var reassembled []byte
	for i := 0; i < provider.NumChunks(); i++ {
		data, err := provider.GetChunk(i)
		require.NoError(t, err)
		assert.Equal(t, testData[i*30:i*30+len(data)], data)
		reassembled = append(reassembled, data...)
	}

	wholeFile, err := checksum.MD5OfFile(testFile)
	require.NoError(t, err)
	assert.Equal(t, wholeFile, checksum.MD5OfBytes(reassembled))
}

func TestFileChunkProvider_ShortSource(t *testing.T) {
	splitter, err := NewSplitter(100, 30)
	require.NoError(t, err)
	provider := NewFileChunkProvider(bytes.NewReader(make([]byte, 50)), splitter)

	_, err = provider.GetChunk(0)
	require.NoError(t, err)

	_, err = provider.GetChunk(1)
	assert.Error(t, err)

	_, err = provider.GetChunk(2)
	assert.Error(t, err)
}
