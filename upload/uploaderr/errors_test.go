package uploaderr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Is(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("send: %w", New(ErrChunkUploadFailed, "chunk 3", New(ErrNetwork, "put", cause)))

	assert.True(t, errors.Is(err, ErrChunkUploadFailed))
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrQuotaExceeded))
}

func TestError_Error(t *testing.T) {
	err := &Error{Kind: ErrQuotaExceeded, Op: "init upload", Code: 413, Msg: "no space left", ReqID: "req-1"}
	require.Equal(t, "init upload: quota exceeded: no space left (code=413 reqId=req-1)", err.Error())

	err = Newf(ErrValidation, "", "chunk size must be positive, got %d", 0)
	require.Equal(t, "validation error: chunk size must be positive, got 0", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "outermost kind wins", err: New(ErrChunkUploadFailed, "", New(ErrNetwork, "", nil)), want: ErrChunkUploadFailed},
		{name: "wrapped sentinel", err: fmt.Errorf("complete: %w", ErrIntegrityMismatch), want: ErrIntegrityMismatch},
		{name: "context cancellation", err: fmt.Errorf("wait: %w", context.Canceled), want: ErrCanceled},
		{name: "unclassified", err: errors.New("boom"), want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(New(ErrNetwork, "put", errors.New("timeout"))))
	assert.True(t, Transient(&Error{Kind: ErrServer, Code: 503}))
	assert.False(t, Transient(&Error{Kind: ErrServer, Code: 404}))
	assert.False(t, Transient(New(ErrIntegrityMismatch, "complete", nil)))
	assert.False(t, Transient(nil))
}
