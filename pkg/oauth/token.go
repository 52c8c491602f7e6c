// Package oauth maintains the Twitch user token: authorization-code flow,
// single-flight refresh, and periodic validation.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cabana-dev/cabana/pkg/storage"
)

// StorageName is the fixed key tokens persist under.
const StorageName = "twitch"

// Token is the persisted OAuth state. It is only ever mutated by the
// Manager; everyone else works on snapshots from Get.
type Token struct {
	Access    string   `json:"access"`
	Refresh   string   `json:"refresh"`
	ExpiresAt int64    `json:"expires_at"`
	Scopes    []string `json:"scopes"`
	// UserID is filled in after the first successful validation.
	UserID string `json:"user_id,omitempty"`
}

// ExpiresWithin reports whether the token expires inside the window.
func (t *Token) ExpiresWithin(now time.Time, window time.Duration) bool {
	return t.ExpiresAt <= now.Add(window).Unix()
}

// clone returns an independent copy safe to hand out.
func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = append([]string(nil), t.Scopes...)
	return &cp
}

// loadToken reads the persisted token, returning nil when absent.
func loadToken(ctx context.Context, store storage.Storage) (*Token, error) {
	data, err := store.LoadToken(ctx, StorageName)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode stored token: %w", err)
	}
	return &tok, nil
}

// saveToken persists the token under the fixed key.
func saveToken(ctx context.Context, store storage.Storage, tok *Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := store.SaveToken(ctx, StorageName, data); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}
