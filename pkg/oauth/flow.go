package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// stateBytes is the entropy of the flow's anti-CSRF state parameter.
const stateBytes = 14

// successPage closes the browser tab the redirect landed in.
const successPage = `<!DOCTYPE html>
<html><head><title>cabana</title></head>
<body>Authorized. You can close this tab.<script>window.close()</script></body></html>`

const failurePage = `<!DOCTYPE html>
<html><head><title>cabana</title></head>
<body>Authorization failed. Check the application logs.</body></html>`

// callbackResult is what the redirect handler reports back to the flow.
type callbackResult struct {
	code string
	err  error
}

// authorize runs the full authorization-code flow: generate state, open the
// consent URL, receive the redirect on the embedded web server, verify the
// state byte-for-byte, exchange the code, persist.
func (m *Manager) authorize(ctx context.Context) (*Token, error) {
	if m.host == nil {
		return nil, errors.New("authorization flow needs a callback host")
	}

	raw := make([]byte, stateBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(raw)

	// Buffered so the handler never blocks the web server; the send is
	// non-blocking so duplicate callbacks (the user refreshing the redirect
	// page) are safe no-ops.
	resultCh := make(chan callbackResult, 1)
	deliver := func(res callbackResult) {
		select {
		case resultCh <- res:
		default:
		}
	}

	m.host.HandleCallback(m.callback, func(query url.Values) (int, string) {
		if errParam := query.Get("error"); errParam != "" {
			deliver(callbackResult{err: fmt.Errorf("%w: %s", ErrAuthorizationDenied, errParam)})
			return http.StatusBadRequest, failurePage
		}
		if query.Get("state") != state {
			// Never consume the code on a state mismatch.
			deliver(callbackResult{err: ErrStateMismatch})
			return http.StatusBadRequest, failurePage
		}
		deliver(callbackResult{code: query.Get("code")})
		return http.StatusOK, successPage
	})

	if err := m.host.EnsureStarted(m.listenAddr); err != nil {
		return nil, fmt.Errorf("start callback server: %w", err)
	}
	defer m.host.StopIfIdle(ctx)

	authURL := m.oauthCfg.AuthCodeURL(state)
	if err := m.browserOpen(authURL); err != nil {
		m.logger.Info("Could not open a browser, authorize manually", "url", authURL)
	} else {
		m.logger.Info("Waiting for authorization in the browser")
	}

	var res callbackResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopCh:
		return nil, ErrNoToken
	}
	if res.err != nil {
		return nil, res.err
	}

	exchanged, err := m.oauthCfg.Exchange(m.httpContext(ctx), res.code)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, &TokenExchangeError{
				Status: retrieve.Response.StatusCode,
				Body:   retrieve.Body,
				Err:    err,
			}
		}
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	tok := &Token{
		Access:    exchanged.AccessToken,
		Refresh:   exchanged.RefreshToken,
		ExpiresAt: exchanged.Expiry.Unix(),
		Scopes:    m.oauthCfg.Scopes,
	}
	if err := saveToken(ctx, m.store, tok); err != nil {
		return nil, err
	}
	m.logger.Info("Authorization flow complete")
	return tok, nil
}
