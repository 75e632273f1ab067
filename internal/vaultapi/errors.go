package vaultapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
	"github.com/openmined/vaultsync/internal/remote"
)

var (
	ErrNoServerURL = errors.New("vaultapi: server url missing")
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeNotFound       = "E_NOT_FOUND"
	CodeAccessDenied   = "E_ACCESS_DENIED"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeInternalError  = "E_INTERNAL_ERROR"
	CodeUnknownError   = "E_UNKNOWN_ERR"
)

// APIError is the error body the vault server returns.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match remote.ErrNotFound on 404 responses.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound || e.Code == CodeNotFound {
		return remote.ErrNotFound
	}
	return nil
}

func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s %w", operation, requestErr)
	}
	if !resp.IsErrorState() {
		return nil
	}

	apiErr, ok := resp.ErrorResult().(*APIError)
	if !ok || apiErr.Code == "" {
		apiErr = &APIError{Code: codeForStatus(resp.GetStatusCode()), Message: resp.Status}
	}
	apiErr.Status = resp.GetStatusCode()
	return fmt.Errorf("%s %w", operation, apiErr)
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return CodeAccessDenied
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 500:
		return CodeInternalError
	case status >= 400:
		return CodeInvalidRequest
	}
	return CodeUnknownError
}
