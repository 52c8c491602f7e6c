package oauth

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling with errors.Is.
var (
	// ErrStateMismatch reports an OAuth callback whose state parameter did
	// not match the one generated for the flow. The code is never exchanged.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrNoToken reports an operation that needs a token before Start
	// obtained one.
	ErrNoToken = errors.New("no token available")

	// ErrAuthorizationDenied reports a callback carrying an error parameter
	// (the user declined the consent screen, or the platform rejected it).
	ErrAuthorizationDenied = errors.New("authorization denied")
)

// TokenExchangeError wraps a non-2xx response from the token endpoint.
type TokenExchangeError struct {
	Status int
	Body   []byte
	Err    error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, e.Body)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}
