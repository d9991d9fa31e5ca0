// Package checksum computes the MD5 digests used by the upload protocol for integrity checks
// and as a resume key. MD5 is used for error detection only, not for security.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

// MD5 returns the hex-encoded MD5 digest of everything read from r.
// The input is streamed, so arbitrarily large sources are hashed in constant memory.
func MD5(r io.Reader) (string, error) {
	hash := md5.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", uploaderr.New(uploaderr.ErrIO, "compute md5", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// MD5OfBytes returns the hex-encoded MD5 digest of data.
func MD5OfBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// MD5OfSection digests exactly n bytes of r starting at offset.
// A source shorter than offset+n is reported as an I/O error.
func MD5OfSection(r io.ReaderAt, offset, n int64) (string, error) {
	hash := md5.New()
	copied, err := io.Copy(hash, io.NewSectionReader(r, offset, n))
	if err != nil {
		return "", uploaderr.New(uploaderr.ErrIO, "compute md5", err)
	}
	if copied != n {
		return "", uploaderr.Newf(uploaderr.ErrIO, "compute md5", "expected %d bytes, read %d", n, copied)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// MD5OfFile returns the hex-encoded MD5 digest of the file at path.
func MD5OfFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", uploaderr.New(uploaderr.ErrIO, fmt.Sprintf("open %s", path), err)
	}
	defer file.Close() //nolint:errcheck

	return MD5(file)
}
