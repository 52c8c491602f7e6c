package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const subscriptionsPath = "/eventsub/subscriptions"

// StatusEnabled is the subscription status the platform reports for a
// healthy, deliverable subscription.
const StatusEnabled = "enabled"

// Transport is the delivery binding of a server-side subscription.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscription mirrors the platform's subscription record.
type Subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// Live reports whether the subscription delivers to the given session.
func (s *Subscription) Live(sessionID string) bool {
	return s.Status == StatusEnabled && s.Transport.SessionID == sessionID
}

// CreateSubscription registers one EventSub subscription bound to the
// WebSocket session.
func (c *Client) CreateSubscription(ctx context.Context, topic, version string, condition map[string]string, sessionID string) (*Subscription, error) {
	body := map[string]any{
		"type":      topic,
		"version":   version,
		"condition": condition,
		"transport": Transport{Method: "websocket", SessionID: sessionID},
	}
	raw, err := c.Request(ctx, http.MethodPost, subscriptionsPath, nil, body)
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", topic, err)
	}

	var resp struct {
		Data []Subscription `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode create response for %s: %w", topic, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create subscription %s: empty response", topic)
	}
	return &resp.Data[0], nil
}

// DeleteSubscription removes one subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	query := url.Values{"id": {id}}
	if _, err := c.Request(ctx, http.MethodDelete, subscriptionsPath, query, nil); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// ListSubscriptions returns every subscription the application owns,
// following cursor pagination to the end.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var all []Subscription
	cursor := ""
	for {
		query := url.Values{}
		if cursor != "" {
			query.Set("after", cursor)
		}
		raw, err := c.Request(ctx, http.MethodGet, subscriptionsPath, query, nil)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}

		var resp struct {
			Data       []Subscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode list response: %w", err)
		}
		all = append(all, resp.Data...)

		cursor = resp.Pagination.Cursor
		if cursor == "" {
			return all, nil
		}
	}
}
