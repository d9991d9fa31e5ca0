package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

func TestCreateCustomRetryFunction(t *testing.T) {
	cases := []struct {
		name     string
		response *http.Response
		error    error
		expected bool
	}{
		{
			name:     "Retry for transport error",
			response: &http.Response{},
			error:    errors.New("EOF"),
			expected: true,
		},
		{
			name:     "No retry for HTTP 404 status code",
			response: &http.Response{StatusCode: 404},
			expected: false,
		},
		{
			name:     "No retry for HTTP 412 status code",
			response: &http.Response{StatusCode: 412},
			expected: false,
		},
		{
			name:     "Retry for HTTP 429 status code",
			response: &http.Response{StatusCode: 429},
			expected: true,
		},
		{
			name:     "Retry for HTTP 503 status code",
			response: &http.Response{StatusCode: 503},
			expected: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mockLogger := new(mocks.Logger)
			mockLogger.On("Debugf", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

			retry, _ := createCustomRetryFunction(mockLogger)(context.Background(), tc.response, tc.error)

			assert.Equal(t, tc.expected, retry)
			mockLogger.AssertExpectations(t)
		})
	}
}

func rangeHandler(t *testing.T, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))

		rangeHeader := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		fromTo := strings.Split(rangeHeader, "-")
		if len(fromTo) != 2 {
			t.Errorf("invalid range header: %s", r.Header.Get("Range"))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		from, err := strconv.ParseUint(fromTo[0], 10, 64)
		require.NoError(t, err)
		to, err := strconv.ParseUint(fromTo[1], 10, 64)
		require.NoError(t, err)

		if from == 0 && to == 0 {
			// initial size request
			w.Header().Add("content-range", fmt.Sprintf("bytes 0-0/%d", len(content)))
			_, err := fmt.Fprint(w, " ")
			require.NoError(t, err)
			return
		}

		chunk := content[from : to+1]
		w.Header().Add("Content-Length", fmt.Sprintf("%d", len(chunk)))
		_, err = fmt.Fprint(w, chunk)
		require.NoError(t, err)
	}
}

func TestClient_DownloadFile(t *testing.T) {
	// Given
	content := strings.Repeat("transcript", 1024*512) // 5MB
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/task-1/files/f-1/download", r.URL.Path)
		rangeHandler(t, content)(w, r)
	}))
	defer svr.Close()

	dest := filepath.Join(t.TempDir(), "talk.mp3")

	// When
	err := newTestClient(svr.URL).DownloadFile(context.Background(), DownloadParams{TaskID: "task-1", FileID: "f-1", Dest: dest})

	// Then
	require.NoError(t, err)
	downloaded, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, len(content), len(downloaded))
	assert.Equal(t, content, string(downloaded))
}

func TestClient_DownloadFile_Validation(t *testing.T) {
	client := NewClient(NewRetryableClient(log.NewLogger(), 0, 0, 0), nil, "http://localhost", "", log.NewLogger())

	err := client.DownloadFile(context.Background(), DownloadParams{FileID: "f", Dest: "x"})
	assert.True(t, errors.Is(err, uploaderr.ErrValidation))

	err = client.DownloadFile(context.Background(), DownloadParams{TaskID: "t", FileID: "f"})
	assert.True(t, errors.Is(err, uploaderr.ErrValidation))
}

func TestClient_DownloadFile_Canceled(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")
	client.retry = downloadRetry{times: 2, wait: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.DownloadFile(ctx, DownloadParams{TaskID: "t", FileID: "f", Dest: filepath.Join(t.TempDir(), "f")})
	assert.Equal(t, uploaderr.ErrCanceled, uploaderr.KindOf(err))
}

func TestClient_DownloadFile_ClientErrorsAreNotRetried(t *testing.T) {
	cases := []struct {
		name     string
		handler  http.HandlerFunc
		wantKind error
		wantCode int
	}{
		{
			name:     "unknown file",
			handler:  http.NotFound,
			wantKind: uploaderr.ErrServer,
			wantCode: http.StatusNotFound,
		},
		{
			name: "revoked token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = fmt.Fprint(w, `{"code":401,"msg":"invalid token"}`)
			},
			wantKind: uploaderr.ErrUnauthorized,
			wantCode: CodeUnauthorized,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Given
			var requests int32
			svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&requests, 1)
				tc.handler(w, r)
			}))
			defer svr.Close()
			client := newTestClient(svr.URL)
			client.retry = downloadRetry{times: 3, wait: time.Millisecond}

			// When
			err := client.DownloadFile(context.Background(), DownloadParams{TaskID: "t", FileID: "f", Dest: filepath.Join(t.TempDir(), "f")})

			// Then
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, uploaderr.KindOf(err))
			var uploadErr *uploaderr.Error
			require.True(t, errors.As(err, &uploadErr))
			assert.Equal(t, tc.wantCode, uploadErr.Code)
			assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "client errors abort the download")
		})
	}
}
