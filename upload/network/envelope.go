package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

const maxErrorBodyLength = 1024

// Codes of the response envelope. The backend mirrors HTTP semantics; 0 is also accepted as success.
const (
	CodeOK                 = 200
	CodeBadRequest         = 400
	CodeUnauthorized       = 401
	CodeForbidden          = 403
	CodeNotFound           = 404
	CodeConflict           = 409
	CodePreconditionFail   = 412
	CodeTooLarge           = 413
	CodeUnsupportedType    = 415
	CodeUnprocessable      = 422
	CodeInternalError      = 500
	CodeServiceUnavailable = 503
)

type envelope struct {
	Code  int             `json:"code"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
	ReqID string          `json:"reqId"`
}

func successCode(code int) bool {
	return code == 0 || code == CodeOK
}

// KindForCode maps an envelope (or HTTP status) code to an error kind.
func KindForCode(code int) error {
	switch code {
	case CodeBadRequest, CodeUnprocessable:
		return uploaderr.ErrValidation
	case CodeUnauthorized, CodeForbidden:
		return uploaderr.ErrUnauthorized
	case CodeConflict:
		return uploaderr.ErrIncompleteUpload
	case CodePreconditionFail:
		return uploaderr.ErrIntegrityMismatch
	case CodeTooLarge:
		return uploaderr.ErrQuotaExceeded
	case CodeUnsupportedType:
		return uploaderr.ErrUnsupportedType
	default:
		return uploaderr.ErrServer
	}
}

// decodeEnvelope unwraps {code, msg, data, reqId} into out. A non-success code is never
// reported as success, even when the transport answered 200.
func decodeEnvelope(op string, resp *http.Response, out interface{}) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return uploaderr.New(uploaderr.ErrNetwork, op, fmt.Errorf("read response: %w", err))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return uploaderr.New(uploaderr.ErrServer, op, fmt.Errorf("decode response envelope: %w", err))
		}
		return statusError(op, resp.StatusCode, raw)
	}

	if !successCode(env.Code) || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := env.Code
		if successCode(code) {
			code = resp.StatusCode
		}
		return &uploaderr.Error{
			Kind:  KindForCode(code),
			Op:    op,
			Code:  code,
			Msg:   env.Msg,
			ReqID: env.ReqID,
		}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &uploaderr.Error{Kind: uploaderr.ErrServer, Op: op, ReqID: env.ReqID, Err: fmt.Errorf("decode response data: %w", err)}
	}
	return nil
}

func statusError(op string, status int, body []byte) error {
	if len(body) > maxErrorBodyLength {
		body = body[:maxErrorBodyLength]
	}
	return &uploaderr.Error{
		Kind: KindForCode(status),
		Op:   op,
		Code: status,
		Msg:  fmt.Sprintf("HTTP %d: %s", status, body),
	}
}
