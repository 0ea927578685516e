package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/goccy/go-json"
	"github.com/italolelis/geoip_updater/internal/config"
	"github.com/italolelis/geoip_updater/internal/logctx"
	"github.com/italolelis/geoip_updater/internal/transport"
)

const (
	OperationAuthenticate = "authenticate"
	OperationCheckNames   = "check_names"

	apiKeyHeader = "X-API-Key"
)

// ErrMalformedResponse is returned when the auth endpoint answers 2xx with a
// body that is not a flat object of name to URL.
var ErrMalformedResponse = errors.New("malformed authentication response")

// Doer sends a request under the retry policy.
type Doer interface {
	Do(ctx context.Context, operation string, req *http.Request) (*transport.Response, error)
}

// Client exchanges the API key for per-database download URLs.
type Client struct {
	endpoint string
	apiKey   string
	doer     Doer
}

// NewClient creates an auth client for endpoint.
func NewClient(endpoint, apiKey string, doer Doer) *Client {
	return &Client{endpoint: endpoint, apiKey: apiKey, doer: doer}
}

// Authenticate posts the selection and returns the name to URL map. An empty
// map is a valid answer.
func (c *Client) Authenticate(ctx context.Context, sel config.Selector) (map[string]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating", "endpoint", c.endpoint, "databases", sel.String())

	urls, err := c.post(ctx, OperationAuthenticate, sel)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "received download urls", "count", len(urls))

	return urls, nil
}

// CheckNames sends the selection once and returns the resolved database names
// sorted. The Doer should be configured for a single attempt.
func (c *Client) CheckNames(ctx context.Context, sel config.Selector) ([]string, error) {
	urls, err := c.post(ctx, OperationCheckNames, sel)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(urls))
	for name := range urls {
		names = append(names, name)
	}

	slices.Sort(names)

	return names, nil
}

func (c *Client) post(ctx context.Context, operation string, sel config.Selector) (map[string]string, error) {
	body, err := json.Marshal(map[string]any{"databases": sel.Payload()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.doer.Do(ctx, operation, req)
	if err != nil {
		return nil, fmt.Errorf("authentication request failed: %w", err)
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	urls := make(map[string]string, len(raw))

	for name, v := range raw {
		u, ok := v.(string)
		if !ok || u == "" {
			return nil, fmt.Errorf("%w: value for %q is not a URL", ErrMalformedResponse, name)
		}

		urls[name] = u
	}

	return urls, nil
}
