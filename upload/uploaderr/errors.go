// Package uploaderr defines the error kinds surfaced by the upload client.
//
// Every failure returned by the upload packages matches exactly one kind with errors.Is,
// so callers can present a specific message (e.g. quota exceeded) without parsing strings.
package uploaderr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned for malformed metadata or invalid arguments. Not retried.
	ErrValidation = errors.New("validation error")
	// ErrUnsupportedType is returned when the server rejects the file type at init.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrQuotaExceeded is returned when the file exceeds the remaining space or duration budget.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrIO is returned when the local source can not be read.
	ErrIO = errors.New("i/o error")
	// ErrNetwork is a transient transport failure.
	ErrNetwork = errors.New("network error")
	// ErrChunkUploadFailed is returned when a chunk could not be delivered. Fatal for the session.
	ErrChunkUploadFailed = errors.New("chunk upload failed")
	// ErrIntegrityMismatch is returned when the server side digest differs from the client's.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	// ErrIncompleteUpload is returned when the server holds fewer chunks than announced.
	ErrIncompleteUpload = errors.New("incomplete upload")
	// ErrServer is a generic server side failure.
	ErrServer = errors.New("server error")
	// ErrUnauthorized is returned when the access token is missing, invalid or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCanceled is returned when the caller cancelled the upload.
	ErrCanceled = errors.New("upload canceled")
)

var kinds = []error{
	ErrValidation,
	ErrUnsupportedType,
	ErrQuotaExceeded,
	ErrIO,
	ErrNetwork,
	ErrChunkUploadFailed,
	ErrIntegrityMismatch,
	ErrIncompleteUpload,
	ErrServer,
	ErrUnauthorized,
	ErrCanceled,
}

// Error carries the kind of a failure together with the server envelope details, if any.
type Error struct {
	Kind  error
	Op    string
	Code  int
	Msg   string
	ReqID string
	Err   error
}

// New ...
func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf ...
func Newf(kind error, op, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, v...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Code != 0 || e.ReqID != "" {
		b.WriteString(fmt.Sprintf(" (code=%d reqId=%s)", e.Code, e.ReqID))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind of the outermost *Error in the chain, falling back to the
// first known kind err matches. Returns nil for unclassified errors.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrCanceled
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Transient reports whether err is worth retrying: transport failures and 5xx answers.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrServer && e.Code >= 500 {
		return true
	}
	return false
}
