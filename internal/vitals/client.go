// Package vitals asks the vitals service whether a visit has recorded vitals.
package vitals

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clinic/visit-queue/internal/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Checker interface {
	Recorded(ctx context.Context, visitID string) (bool, error)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns nil when baseURL is empty so callers can treat a missing
// vitals service as "no signal".
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Recorded maps 200 to true and 404 to false. Any other answer, including a
// timeout, is store.ErrUpstreamUnavailable.
func (c *Client) Recorded(ctx context.Context, visitID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/visits/%s/vitals", c.baseURL, url.PathEscape(visitID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: vitals lookup: %v", store.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: vitals lookup returned %d", store.ErrUpstreamUnavailable, resp.StatusCode)
	}
}
