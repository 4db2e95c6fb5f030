// Package httpget implements the single-request pass-through. Unlike the
// crawl fetchers, any HTTP status is reported as data; only transport
// failures surface as errors.
package httpget

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/crawlkit/linkwalk/internal/crawl"
)

const (
	defaultTimeout = 3 * time.Second
	maxBodyBytes   = 10 * 1024 * 1024
)

// Config controls request behavior.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Client implements crawl.PageGetter.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a Client with pooled connections.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    20,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// Get issues a single GET and returns the status and body text verbatim.
func (c *Client) Get(ctx context.Context, rawURL string) (crawl.HTTPGetResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return crawl.HTTPGetResult{}, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crawl.HTTPGetResult{}, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return crawl.HTTPGetResult{}, fmt.Errorf("read response body: %w", err)
	}

	return crawl.HTTPGetResult{
		URL:          rawURL,
		StatusCode:   resp.StatusCode,
		ResponseText: string(body),
	}, nil
}
