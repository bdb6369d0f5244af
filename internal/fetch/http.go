// Package fetch retrieves job payload bytes over HTTP.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxPayloadBytes caps an image download. Anything bigger than this is not a
// menu photo.
const maxPayloadBytes = 32 << 20

// Client downloads image bytes for claimed jobs. The http.Client is injected
// and constructed once at startup; per-attempt deadlines arrive via ctx.
type Client struct {
	http *http.Client
}

// New creates a Client. A nil client uses http.DefaultClient semantics with
// no client-level timeout — the caller's ctx deadline bounds every request.
func New(client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{http: client}
}

// Fetch downloads url and returns the body. Any non-2xx status is a hard
// failure; there is no partial-content handling.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build payload request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch payload: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(body) > maxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxPayloadBytes)
	}
	return body, nil
}
