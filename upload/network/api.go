package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/transcribe-hub/go-upload/upload/network/chunkuploader"
	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

const requestIDHeader = "X-Request-Id"

// InitUploadRequest is the metadata announced when opening an upload session.
type InitUploadRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
	FileTag  string `json:"fileTag"`
	FileMD5  string `json:"fileMd5"`
}

// InitUploadResponse is the server's answer to InitUpload. ChunkSize is authoritative.
type InitUploadResponse struct {
	UploadID     string `json:"uploadId"`
	ChunkSize    int64  `json:"chunkSize"`
	TotalChunks  int    `json:"totalChunks"`
	AllowedTypes string `json:"allowedTypes"`
	MaxSize      int64  `json:"maxSize"`
}

// CheckUploadedResponse lists the chunks the server has durably stored.
type CheckUploadedResponse struct {
	UploadedChunks []int `json:"uploadedChunks"`
	Count          int   `json:"count"`
}

// FileRecord is the server side record of an uploaded file.
type FileRecord struct {
	FileID   string `json:"fileId"`
	FileTag  int    `json:"fileTag"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
	FileMD5  string `json:"fileMd5"`
	FileAddr string `json:"fileAddr"`
}

type completeUploadRequest struct {
	FileMD5     string `json:"fileMd5"`
	TotalChunks int    `json:"totalChunks"`
}

// Client talks to the upload endpoints of the transcription backend.
type Client struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	accessToken string
	logger      log.Logger
	retry       downloadRetry
}

// NewClient creates a Client. JSON calls go through httpClient, which retries idempotent failures;
// chunk bodies go through chunkClient since the chunk uploader owns their retry policy.
// A nil chunkClient defaults to chunkuploader.DefaultHTTPClient.
func NewClient(httpClient *retryablehttp.Client, chunkClient *http.Client, baseURL, accessToken string, logger log.Logger) *Client {
	if chunkClient == nil {
		chunkClient = chunkuploader.DefaultHTTPClient()
	}

	return &Client{
		httpClient:  httpClient,
		chunkClient: chunkClient,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
		retry:       defaultDownloadRetry,
	}
}

// InitUpload opens an upload session for one file of the task.
func (c *Client) InitUpload(ctx context.Context, taskID string, request InitUploadRequest) (InitUploadResponse, error) {
	const op = "init upload"
	apiURL := fmt.Sprintf("%s/task/%s/files/init-upload", c.baseURL, url.PathEscape(taskID))

	var response InitUploadResponse
	if err := c.doJSON(ctx, op, http.MethodPost, apiURL, request, &response); err != nil {
		return InitUploadResponse{}, err
	}

	if response.UploadID == "" {
		return InitUploadResponse{}, uploaderr.Newf(uploaderr.ErrServer, op, "response has no upload id")
	}
	if response.ChunkSize <= 0 {
		return InitUploadResponse{}, uploaderr.Newf(uploaderr.ErrServer, op, "invalid chunk size %d", response.ChunkSize)
	}

	return response, nil
}

// CheckUploaded returns the chunks of the session the server has durably stored.
func (c *Client) CheckUploaded(ctx context.Context, taskID, uploadID string) (CheckUploadedResponse, error) {
	apiURL := fmt.Sprintf("%s/task/%s/files/upload/%s/check", c.baseURL, url.PathEscape(taskID), url.PathEscape(uploadID))

	var response CheckUploadedResponse
	if err := c.doJSON(ctx, "check uploaded", http.MethodGet, apiURL, nil, &response); err != nil {
		return CheckUploadedResponse{}, err
	}
	return response, nil
}

// CompleteUpload asks the server to assemble the file and verify it against fileMD5.
// A digest mismatch is reported as uploaderr.ErrIntegrityMismatch and must not be retried blindly.
func (c *Client) CompleteUpload(ctx context.Context, taskID, uploadID, fileMD5 string, totalChunks int) (FileRecord, error) {
	apiURL := fmt.Sprintf("%s/task/%s/files/upload/%s/complete", c.baseURL, url.PathEscape(taskID), url.PathEscape(uploadID))

	var record FileRecord
	body := completeUploadRequest{FileMD5: fileMD5, TotalChunks: totalChunks}
	if err := c.doJSON(ctx, "complete upload", http.MethodPost, apiURL, body, &record); err != nil {
		return FileRecord{}, err
	}
	return record, nil
}

// SessionChunkSender sends the chunks of one upload session.
type SessionChunkSender struct {
	client   *Client
	taskID   string
	uploadID string
}

// ChunkSender returns a sender bound to the given upload session.
func (c *Client) ChunkSender(taskID, uploadID string) chunkuploader.ChunkSender {
	return &SessionChunkSender{client: c, taskID: taskID, uploadID: uploadID}
}

// SendChunk PUTs the raw chunk bytes. The call is keyed by (uploadID, index), so repeating it is safe.
func (s *SessionChunkSender) SendChunk(ctx context.Context, index int, data []byte, md5 string) error {
	c := s.client
	op := fmt.Sprintf("upload chunk %d", index)
	apiURL := fmt.Sprintf("%s/task/%s/files/upload/%s/chunk?chunkIdx=%d&chunkMd5=%s",
		c.baseURL, url.PathEscape(s.taskID), url.PathEscape(s.uploadID), index, url.QueryEscape(md5))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, apiURL, bytes.NewReader(data))
	if err != nil {
		return uploaderr.New(uploaderr.ErrValidation, op, err)
	}
	c.setHeaders(req.Header)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer c.closeBody(resp.Body)

	return decodeEnvelope(op, resp, nil)
}

// CloseIdleConnections closes idle connections of the chunk HTTP client.
func (c *Client) CloseIdleConnections() {
	c.chunkClient.CloseIdleConnections()
}

func (c *Client) doJSON(ctx context.Context, op, method, apiURL string, requestBody, out interface{}) error {
	var body interface{}
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return uploaderr.New(uploaderr.ErrValidation, op, err)
		}
		body = data
	}

	req, err := retryablehttp.NewRequest(method, apiURL, body)
	if err != nil {
		return uploaderr.New(uploaderr.ErrValidation, op, err)
	}
	req = req.WithContext(ctx)
	c.setHeaders(req.Header)
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debugf("%s: %s %s", op, method, apiURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer c.closeBody(resp.Body)

	return decodeEnvelope(op, resp, out)
}

func (c *Client) setHeaders(header http.Header) {
	if c.accessToken != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	header.Set(requestIDHeader, uuid.NewString())
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Debugf("close response body: %s", err)
	}
}

func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr == context.Canceled {
		return uploaderr.New(uploaderr.ErrCanceled, op, ctxErr)
	}
	return uploaderr.New(uploaderr.ErrNetwork, op, err)
}
