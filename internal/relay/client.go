// Package relay is the server-side token-exchange relay and the client the
// web app uses to reach it.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sagaa-go/internal/epic"
)

const maxErrorBody = 64 << 10

// StatusError is a non-2xx relay response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("relay returned %d", e.StatusCode)
}

// UserMessage is the relay's own explanation, safe to show the user.
func (e *StatusError) UserMessage() string { return e.Message }

// ConnectionStatus is the relay's view of the user's Epic connection.
type ConnectionStatus struct {
	Connected     bool       `json:"connected"`
	EpicPatientID string     `json:"epicPatientId,omitempty"`
	LastSync      *time.Time `json:"lastSync,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Client calls the relay API. It never retries: authorization codes are single-use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the relay at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Exchange asks the relay to trade code and verifier for Epic tokens.
func (c *Client) Exchange(ctx context.Context, bearer string, req epic.ExchangeRequest) (*epic.ExchangeResult, error) {
	var out epic.ExchangeResult
	if err := c.do(ctx, http.MethodPost, "/epic/callback", bearer, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the user's connection status.
func (c *Client) Status(ctx context.Context, bearer string) (*ConnectionStatus, error) {
	var out ConnectionStatus
	if err := c.do(ctx, http.MethodGet, "/epic/status", bearer, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Disconnect removes the user's stored Epic tokens.
func (c *Client) Disconnect(ctx context.Context, bearer string) error {
	return c.do(ctx, http.MethodPost, "/epic/status/disconnect", bearer, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling relay %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var eb errorBody
		if b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); json.Unmarshal(b, &eb) == nil {
			se.Message = eb.Message
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding relay response: %w", err)
	}
	return nil
}
