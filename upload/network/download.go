package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

type downloadRetry struct {
	times uint
	wait  time.Duration
}

var defaultDownloadRetry = downloadRetry{times: 3, wait: 5 * time.Second}

// DownloadParams ...
type DownloadParams struct {
	TaskID string
	FileID string
	// FileName is passed to the server to name the attachment; optional.
	FileName string
	// Dest is the local path the file is written to.
	Dest string
}

// NewRetryableClient returns the HTTP client used for the JSON endpoints.
// Zero values keep the retryhttp defaults. Once retries are exhausted the last response
// is handed back so its envelope can still be decoded.
func NewRetryableClient(logger log.Logger, retryMax int, waitMin, waitMax time.Duration) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if retryMax > 0 {
		client.RetryMax = retryMax
	}
	if waitMin > 0 {
		client.RetryWaitMin = waitMin
	}
	if waitMax > 0 {
		client.RetryWaitMax = waitMax
	}
	return client
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		shouldRetry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", shouldRetry, checkErr, err)
		return shouldRetry, checkErr
	}
}

// DownloadFile downloads a previously uploaded file with ranged, concurrent requests.
// Interrupted downloads are retried as a whole.
func (c *Client) DownloadFile(ctx context.Context, params DownloadParams) error {
	if params.TaskID == "" || params.FileID == "" {
		return uploaderr.Newf(uploaderr.ErrValidation, "download", "task id and file id are required")
	}
	if params.Dest == "" {
		return uploaderr.Newf(uploaderr.ErrValidation, "download", "destination path is empty")
	}

	apiURL := fmt.Sprintf("%s/task/%s/files/%s/download", c.baseURL, url.PathEscape(params.TaskID), url.PathEscape(params.FileID))
	if params.FileName != "" {
		apiURL += "?" + url.Values{"fileName": {params.FileName}}.Encode()
	}

	return retry.Times(c.retry.times).Wait(c.retry.wait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return uploaderr.New(uploaderr.ErrCanceled, "download", err), true
		}
		if attempt > 0 {
			c.logger.Warnf("Retrying download of %s (attempt %d)", params.FileID, attempt+1)
		}

		err := c.downloadFile(ctx, apiURL, params.Dest)
		switch {
		case err == nil:
			return nil, true
		case ctx.Err() != nil:
			return uploaderr.New(uploaderr.ErrCanceled, "download", ctx.Err()), true
		case !uploaderr.Transient(err):
			c.logger.Debugf("Download of %s aborted: %s", params.FileID, err)
			return err, true
		default:
			return err, false
		}
	})
}

func (c *Client) downloadFile(ctx context.Context, apiURL, dest string) error {
	transport := &statusTransport{next: c.httpClient.StandardClient().Transport}
	downloader := got.New()
	downloader.Client = &http.Client{Transport: transport}

	download := got.NewDownload(ctx, apiURL, dest)
	download.Client = downloader.Client
	if c.accessToken != "" {
		download.Header = []got.GotHeader{{Key: "Authorization", Value: fmt.Sprintf("Bearer %s", c.accessToken)}}
	}

	if err := downloader.Do(download); err != nil {
		if statusErr := transport.failure(); statusErr != nil {
			return statusErr
		}
		return uploaderr.New(uploaderr.ErrNetwork, "download", err)
	}
	return nil
}

// statusTransport turns error responses into typed errors and remembers the first one,
// so a missing file or a revoked token is not retried like a dropped connection.
type statusTransport struct {
	next http.RoundTripper

	mu    sync.Mutex
	first error
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	defer resp.Body.Close() //nolint:errcheck

	statusErr := decodeEnvelope("download", resp, nil)
	t.mu.Lock()
	if t.first == nil {
		t.first = statusErr
	}
	t.mu.Unlock()
	return nil, statusErr
}

func (t *statusTransport) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first
}
