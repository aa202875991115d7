// Package backend is the HTTP contract with the remote authority. Only
// the endpoints the core consumes are implemented; the business logic
// behind them is an external collaborator.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lifelink/alertcore/internal/domain"
)

// TokenSource supplies the bearer credential for authenticated calls.
// How the credential is obtained is out of scope; an empty string sends
// the request unauthenticated.
type TokenSource func() string

// Client calls the remote authority. The base URL is injected from config
// so tests can point at a local httptest server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *zap.Logger

	// Analytics calls are best-effort and rate limited so interaction
	// bursts cannot flood the backend.
	analyticsLimiter *rate.Limiter
}

func NewClient(baseURL string, timeout time.Duration, analyticsPerSec int, token TokenSource, logger *zap.Logger) *Client {
	if analyticsPerSec <= 0 {
		analyticsPerSec = 5
	}
	return &Client{
		baseURL:          baseURL,
		httpClient:       &http.Client{Timeout: timeout},
		token:            token,
		logger:           logger,
		analyticsLimiter: rate.NewLimiter(rate.Limit(analyticsPerSec), analyticsPerSec),
	}
}

// RespondToRequest reports the user's accept/decline decision.
// Failures here matter: the caller re-queues the decision rather than
// dropping it.
func (c *Client) RespondToRequest(ctx context.Context, requestID, response string, at time.Time) error {
	body := map[string]any{
		"requestId": requestID,
		"response":  response,
		"timestamp": at.UTC().Format(time.RFC3339),
		"source":    "notification",
	}
	return c.post(ctx, "/blood-requests/respond", body, nil)
}

// TrackInteraction records a view_details/contact tap. Best-effort:
// a dropped or failed call is logged and forgotten.
func (c *Client) TrackInteraction(ctx context.Context, interactionType, notificationID, requestID string) error {
	if !c.analyticsLimiter.Allow() {
		c.logger.Debug("analytics call dropped by rate limiter",
			zap.String("type", interactionType))
		return nil
	}
	body := map[string]any{
		"type":           interactionType,
		"notificationId": notificationID,
		"requestId":      requestID,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	return c.post(ctx, "/analytics/notification-interaction", body, nil)
}

// SyncRequest is one outbound session batch.
type SyncRequest struct {
	UserID     string                 `json:"userId"`
	DeviceID   string                 `json:"deviceId"`
	SessionID  string                 `json:"sessionId"`
	Operations []domain.SyncOperation `json:"operations"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Conflict is the server's report of a concurrent write on one key.
type Conflict struct {
	Key             string          `json:"key"`
	LocalValue      json.RawMessage `json:"localValue"`
	LocalTimestamp  time.Time       `json:"localTimestamp"`
	ServerValue     json.RawMessage `json:"serverValue"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

// SyncResult is the response to a sync batch.
type SyncResult struct {
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// SyncSession pushes a batch of pending operations. The whole batch either
// succeeds or is re-queued by the caller; the server never applies it
// partially.
func (c *Client) SyncSession(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	var result SyncResult
	if err := c.post(ctx, "/session/sync", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoteEntry is one key in the server's view of the session.
type RemoteEntry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	Encrypted bool            `json:"encrypted"`
}

type pullResponse struct {
	SessionData map[string]RemoteEntry `json:"sessionData"`
}

// PullSession fetches the server's session state for merge-on-pull.
func (c *Client) PullSession(ctx context.Context, userID string) (map[string]RemoteEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/"+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from session pull", resp.StatusCode)
	}

	var pr pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode session pull: %w", err)
	}
	return pr.SessionData, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token == nil {
		return
	}
	if t := c.token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
}
