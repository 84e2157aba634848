package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFallback implements FallbackTransport against the server's degraded
// endpoints: POST /events for outbound, GET /poll for inbound.
type HTTPFallback struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPFallback creates a fallback transport. token is the identity token
// also used on the realtime handshake.
func NewHTTPFallback(baseURL, token string) *HTTPFallback {
	return &HTTPFallback{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver posts one event to the server.
func (f *HTTPFallback) Deliver(data []byte) error {
	req, err := http.NewRequest(http.MethodPost, f.baseURL+"/events", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("client: build fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: fallback deliver: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("client: fallback deliver: status %d", resp.StatusCode)
	}
	return nil
}

// Poll fetches buffered server events. An empty poll is not an error.
func (f *HTTPFallback) Poll(ctx context.Context) ([][]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/poll", nil)
	if err != nil {
		return nil, fmt.Errorf("client: build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("client: poll: status %d", resp.StatusCode)
	}

	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("client: decode poll response: %w", err)
	}

	events := make([][]byte, 0, len(body.Events))
	for _, ev := range body.Events {
		events = append(events, []byte(ev))
	}
	return events, nil
}
