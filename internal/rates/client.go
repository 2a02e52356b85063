// Package rates fetches currency conversion rates and caches them per
// currency pair, Redis-first with an in-process fallback.
package rates

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Client talks to the external rate service. The service is unauthenticated;
// failures degrade at the conversion layer instead of blocking callers.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Rate returns the live conversion rate for one currency pair.
func (c *Client) Rate(ctx context.Context, source, target string) (float64, error) {
	query := url.Values{}
	query.Set("source", source)
	query.Set("target", target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rate?"+query.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("rates: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rates: fetch %s/%s: %w", source, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rates: fetch %s/%s: status %d", source, target, resp.StatusCode)
	}

	var payload struct {
		Rate float64 `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("rates: decode response: %w", err)
	}
	if payload.Rate <= 0 {
		return 0, fmt.Errorf("rates: non-positive rate %f for %s/%s", payload.Rate, source, target)
	}
	return payload.Rate, nil
}
