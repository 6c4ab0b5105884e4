package memberapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/circuitbreaker"
)

// Client talks to the membership platform on behalf of the recovery
// pipeline. All calls are best-effort side effects: callers decide whether
// a failure is fatal.
type Client interface {
	// ExtendMembership adds free days to a membership.
	ExtendMembership(ctx context.Context, membershipID string, days int) error

	// SendPush delivers a push notification to a user.
	SendPush(ctx context.Context, userID, title, body string) error

	// SendDirectMessage delivers an in-app direct message to a user.
	SendDirectMessage(ctx context.Context, userID, message string) error
}

// HTTPClient implements Client against the platform's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewHTTPClient creates a platform client with a per-call timeout and a
// circuit breaker guarding the upstream.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New("member-api", circuitbreaker.DefaultConfig(), logger),
	}
}

func (c *HTTPClient) ExtendMembership(ctx context.Context, membershipID string, days int) error {
	path := fmt.Sprintf("/v1/memberships/%s/extend", membershipID)
	return c.post(ctx, path, map[string]interface{}{
		"days": days,
	})
}

func (c *HTTPClient) SendPush(ctx context.Context, userID, title, body string) error {
	return c.post(ctx, "/v1/notifications/push", map[string]interface{}{
		"user_id": userID,
		"title":   title,
		"body":    body,
	})
}

func (c *HTTPClient) SendDirectMessage(ctx context.Context, userID, message string) error {
	return c.post(ctx, "/v1/notifications/dm", map[string]interface{}{
		"user_id": userID,
		"message": message,
	})
}

func (c *HTTPClient) post(ctx context.Context, path string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, snippet)
		}
		return nil
	})
}

// NopClient discards all calls. Used when no platform is configured.
type NopClient struct{}

func (NopClient) ExtendMembership(ctx context.Context, membershipID string, days int) error {
	return nil
}

func (NopClient) SendPush(ctx context.Context, userID, title, body string) error { return nil }

func (NopClient) SendDirectMessage(ctx context.Context, userID, message string) error { return nil }
