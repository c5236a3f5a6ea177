// Package httpsource fetches the full alert set from the detection
// backend over HTTP.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/source"
)

// maxBody caps how much of a response is read.
const maxBody = 32 << 20 // 32 MB

// Client reads `GET <url>` returning {"count": n, "alerts": [...]}.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for endpoint. timeout bounds each request on top
// of any context deadline; zero leaves it to the context.
func New(endpoint string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid source url %q: scheme must be http or https", endpoint)
	}

	c := &Client{
		endpoint: u.String(),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type listResponse struct {
	Count  int               `json:"count"`
	Alerts []json.RawMessage `json:"alerts"`
}

// Fetch implements source.Fetcher. Records that fail to decode are
// reported in Batch.Rejected; only transport and envelope errors fail
// the whole fetch.
func (c *Client) Fetch(ctx context.Context) (*source.Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // endpoint is set at construction from config
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned %d: %s", resp.StatusCode, truncate(body, 512))
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return decodeBatch(lr), nil
}

func decodeBatch(lr listResponse) *source.Batch {
	b := &source.Batch{
		Count:  lr.Count,
		Alerts: make([]alert.Alert, 0, len(lr.Alerts)),
	}
	for i, raw := range lr.Alerts {
		ev := source.DecodeEvent(raw)
		if ev.Err != nil {
			b.Rejected = append(b.Rejected, fmt.Errorf("alert %d: %w", i, ev.Err))
			continue
		}
		b.Alerts = append(b.Alerts, ev.Alert)
	}
	return b
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
