// internal/llmclient/errors.go
package llmclient

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

// Sentinel error kinds shared by every provider. Match them with errors.Is.
var (
	ErrAuth           = errors.New("credential missing or rejected")
	ErrRateLimit      = errors.New("provider rate limit exceeded")
	ErrNetwork        = errors.New("provider transport failure")
	ErrConnection     = errors.New("inference server unreachable")
	ErrModelNotFound  = errors.New("model not found")
	ErrBadResponse    = errors.New("provider returned an unusable response")
	ErrInvalidRequest = errors.New("provider rejected the request")
)

// ProviderError is returned by all cognition providers.
type ProviderError struct {
	Provider   string
	Kind       error
	StatusCode int
	Err        error
}

func newProviderError(provider string, kind error, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Retryable reports whether backing off and trying again can succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimit, ErrNetwork, ErrBadResponse:
		return true
	}
	return false
}

// FatalKind implements schemas.FatalClassifier.
func (e *ProviderError) FatalKind() schemas.FatalKind {
	switch e.Kind {
	case ErrAuth:
		return schemas.FatalAuth
	case ErrConnection:
		return schemas.FatalConnection
	case ErrModelNotFound:
		return schemas.FatalModelNotFound
	}
	return ""
}

// kindForStatus maps an HTTP status from a hosted API onto an error kind.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusNotFound:
		return ErrModelNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrNetwork
	default:
		return ErrInvalidRequest
	}
}

// isDialFailure reports whether err happened while establishing a connection.
func isDialFailure(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
