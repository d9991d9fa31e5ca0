package upload

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transcribe-hub/go-upload/upload/checksum"
	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Meeting.MP3")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0644))

	file, closer, err := OpenFile(path, "")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, closer.Close())
	}()

	assert.Equal(t, "Meeting.MP3", file.Name)
	assert.Equal(t, int64(11), file.Size)
	assert.Equal(t, "audio/mpeg", file.ContentType)
	assert.Equal(t, TagOriginal, file.Tag)

	sum, err := file.digest()
	require.NoError(t, err)
	assert.Equal(t, checksum.MD5OfBytes([]byte("audio-bytes")), sum)
}

func TestFile_DigestOfTruncatedSource(t *testing.T) {
	file := File{Name: "cut.wav", Size: 20, Content: bytes.NewReader([]byte("only ten b"))}

	_, err := file.digest()

	require.Error(t, err)
	assert.True(t, errors.Is(err, uploaderr.ErrIO))
}

func TestOpenFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := OpenFile(filepath.Join(dir, "missing.wav"), "")
	assert.Error(t, err)

	_, _, err = OpenFile(dir, "")
	assert.Error(t, err)
}

func TestContentTypeOf(t *testing.T) {
	assert.Equal(t, "video/mp4", ContentTypeOf("talk.mp4"))
	assert.Equal(t, "application/pdf", ContentTypeOf("/tmp/slides.PDF"))
	assert.Equal(t, "text/plain", ContentTypeOf("notes.txt"))
	assert.Equal(t, "application/octet-stream", ContentTypeOf("recording.unknownext"))
	assert.Equal(t, "application/octet-stream", ContentTypeOf("noext"))
}
