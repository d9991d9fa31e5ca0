package upload

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/transcribe-hub/go-upload/upload/checksum"
	"github.com/transcribe-hub/go-upload/upload/network"
)

// Tags of uploaded files.
const (
	TagOriginal = "0"
)

const defaultContentType = "application/octet-stream"

// mediaTypes covers the formats accepted by the backend; the host's MIME table may lack them.
var mediaTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".webm": "video/webm",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
}

// FileRecord is the server side record of an uploaded file.
type FileRecord = network.FileRecord

// File is a local source to upload. Content must stay readable and unchanged for the
// whole upload, including retries.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Tag         string
	Content     io.ReaderAt
}

// OpenFile opens the file at path for upload. The returned closer releases the file handle.
func OpenFile(path, tag string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}

	if tag == "" {
		tag = TagOriginal
	}

	return File{
		Name:        info.Name(),
		Size:        info.Size(),
		ContentType: ContentTypeOf(path),
		Tag:         tag,
		Content:     f,
	}, f, nil
}

// ContentTypeOf guesses the MIME type of path from its extension.
func ContentTypeOf(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if contentType, ok := mediaTypes[ext]; ok {
		return contentType
	}

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		return defaultContentType
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return contentType
}

// digest hashes exactly Size bytes of the content; a shorter source is an I/O error.
func (f File) digest() (string, error) {
	return checksum.MD5OfSection(f.Content, 0, f.Size)
}
