package helix

import (
	"errors"
	"fmt"
)

// ErrRetryBudgetExhausted reports a request that kept failing retryably
// past the bounded retry depth.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// AuthError reports a request that still got a 401 after a token refresh.
type AuthError struct {
	Method string
	URL    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed after refresh: %s %s", e.Method, e.URL)
}

// HTTPError carries a non-2xx response for statuses with no defined
// recovery.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
