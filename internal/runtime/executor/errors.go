// Package executor hosts the per-account service adapter: the upstream
// HTTP client, retry policy, token rotation, and token counting.
package executor

import (
	"errors"
	"fmt"
	"strings"

	authkiro "github.com/kirogate/kirogate/internal/auth/kiro"
)

// Claude-shaped error kinds surfaced to clients.
const (
	KindAuthentication = "authentication_error"
	KindPermission     = "permission_error"
	KindRateLimit      = "rate_limit_error"
	KindServer         = "server_error"
	KindTimeout        = "timeout_error"
	KindInvalidRequest = "invalid_request_error"
	KindNetwork        = "network_error"
	KindOverloaded     = "overloaded_error"
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, body)
}

// KindForStatus maps an upstream HTTP status to a client-visible kind.
func KindForStatus(code int) string {
	switch {
	case code == 400:
		return KindInvalidRequest
	case code == 401:
		return KindAuthentication
	case code == 403:
		return KindPermission
	case code == 429:
		return KindRateLimit
	case code == 504:
		return KindTimeout
	case code >= 500:
		return KindServer
	default:
		return KindServer
	}
}

// Classify derives the client-visible kind for any adapter error.
func Classify(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return KindForStatus(se.Code)
	}
	var ae *authkiro.AuthError
	if errors.As(err, &ae) {
		return KindAuthentication
	}
	return KindNetwork
}

// retryable reports whether the error warrants a backoff retry.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || (se.Code >= 500 && se.Code <= 504)
	}
	var ae *authkiro.AuthError
	if errors.As(err, &ae) {
		return false
	}
	// connect/TLS failures
	return true
}

// marksUnhealthy reports whether the error should charge the account's
// error budget. Caller mistakes (400) do not.
func marksUnhealthy(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code != 400
	}
	return true
}

// MarksUnhealthy is the exported form used by the API layer.
func MarksUnhealthy(err error) bool { return marksUnhealthy(err) }
