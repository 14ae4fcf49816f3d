package bybit

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// ErrorKind classifies an API failure for retry and surfacing decisions.
type ErrorKind string

const (
	// KindAuth means invalid key/secret, bad signature, expired key, IP not
	// whitelisted or request timestamp outside the receive window. Requires
	// user action, never retried.
	KindAuth ErrorKind = "auth"
	// KindRateLimit means the exchange is throttling us.
	KindRateLimit ErrorKind = "rate_limit"
	// KindNetwork means timeout, DNS failure or connection reset.
	KindNetwork ErrorKind = "network"
	// KindServer means an exchange-side 5xx or outage-indicating code.
	KindServer ErrorKind = "server"
	// KindValidation means a malformed or unexpected response payload.
	KindValidation ErrorKind = "validation"
)

// Bybit v5 application return codes this client cares about.
const (
	retCodeTimestampSkew = 10002
	retCodeInvalidAPIKey = 10003
	retCodeInvalidSign   = 10004
	retCodePermission    = 10005
	retCodeRateLimit     = 10006
	retCodeIPNotAllowed  = 10010
	retCodeServerError   = 10016
	retCodeIPRateLimit   = 10018
	retCodeKeyExpired    = 33004
)

// ApiError is a typed failure of one exchange call.
type ApiError struct {
	Kind ErrorKind
	// Code is the application retCode, or 0 when the failure happened below
	// the envelope (transport, HTTP status, decode).
	Code int
	Msg  string

	retryAfter    time.Duration
	hasRetryAfter bool
}

// Error implements the error interface. Never includes credential material.
func (e *ApiError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("bybit api error (%s): retCode=%d %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("bybit api error (%s): %s", e.Kind, e.Msg)
}

// RetryAfter returns the server-provided wait hint, if any. Implements the
// retrier hint interface.
func (e *ApiError) RetryAfter() (time.Duration, bool) {
	return e.retryAfter, e.hasRetryAfter
}

// Transient reports whether the error is worth retrying with backoff.
func (e *ApiError) Transient() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork, KindServer:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is a retryable ApiError.
func IsTransient(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.Transient()
}

// IsAuthError reports whether err is a configuration-level auth failure.
func IsAuthError(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuth
}

// newRetCodeError maps a non-zero application retCode into the taxonomy.
func newRetCodeError(code int, msg string) *ApiError {
	kind := KindValidation
	switch code {
	case retCodeTimestampSkew, retCodeInvalidAPIKey, retCodeInvalidSign,
		retCodePermission, retCodeIPNotAllowed, retCodeKeyExpired:
		kind = KindAuth
	case retCodeRateLimit, retCodeIPRateLimit:
		kind = KindRateLimit
	case retCodeServerError:
		kind = KindServer
	}
	return &ApiError{Kind: kind, Code: code, Msg: msg}
}

// newHTTPStatusError maps an HTTP-level failure into the taxonomy.
func newHTTPStatusError(status int, retryAfter time.Duration) *ApiError {
	e := &ApiError{Msg: fmt.Sprintf("unexpected HTTP status %d", status)}
	switch {
	case status == 429:
		e.Kind = KindRateLimit
		if retryAfter > 0 {
			e.retryAfter = retryAfter
			e.hasRetryAfter = true
		}
	case status == 401 || status == 403:
		e.Kind = KindAuth
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindValidation
	}
	return e
}

// newTransportError wraps a transport failure (timeout, DNS, reset).
func newTransportError(err error) *ApiError {
	msg := "request failed"
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "request timed out"
	}
	return &ApiError{Kind: KindNetwork, Msg: fmt.Sprintf("%s: %v", msg, err)}
}

// newValidationError wraps a malformed or unexpected response payload.
func newValidationError(context string, err error) *ApiError {
	if err != nil {
		return &ApiError{Kind: KindValidation, Msg: fmt.Sprintf("%s: %v", context, err)}
	}
	return &ApiError{Kind: KindValidation, Msg: context}
}
