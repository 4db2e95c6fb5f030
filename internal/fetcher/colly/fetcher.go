// Package collyfetcher implements link fetching using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlkit/linkwalk/internal/crawl"
	"github.com/crawlkit/linkwalk/internal/metrics"
)

const (
	defaultUserAgent    = "Mozilla/5.0 (compatible; linkwalk/1.0)"
	defaultTimeout      = 5 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxParallelism int
	MaxBodyBytes   int
}

// Fetcher implements crawl.LinkFetcher using the Colly collector. One base
// collector holds the shared transport and limit rules; each fetch runs on a
// clone so callbacks never leak between requests.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher. The parallelism limit applies across all concurrent
// fetches because clones share the base collector's backend.
func New(cfg Config) (*Fetcher, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.UserAgent(cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	if cfg.MaxParallelism > 0 {
		if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: cfg.MaxParallelism}); err != nil {
			return nil, fmt.Errorf("set collector limit: %w", err)
		}
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}, nil
}

// FetchLinks performs a single GET and extracts the page's outbound anchors
// as absolute http(s) addresses, deduplicated within the page. A non-2xx
// status surfaces as an error from the collector.
func (f *Fetcher) FetchLinks(ctx context.Context, address string) (crawl.FetchOutcome, error) {
	var (
		outcome  crawl.FetchOutcome
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(address, start, &outcome, &fetchErr)

	if err := f.runCollector(ctx, collector, address, &fetchErr); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The collector goroutine may still be writing outcome.
			metrics.ObservePageFetch(address, "canceled", 0)
		} else {
			f.observe(address, &outcome)
		}
		return crawl.FetchOutcome{}, err
	}
	f.observe(address, &outcome)
	return outcome, nil
}

func (f *Fetcher) buildCollector(
	address string,
	start time.Time,
	outcome *crawl.FetchOutcome,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()

	outcome.Address = address
	seen := make(map[string]struct{})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if !isHTTPAddress(link) {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		outcome.Links = append(outcome.Links, link)
	})

	collector.OnResponse(func(r *colly.Response) {
		outcome.StatusCode = r.StatusCode
		outcome.Body = append([]byte(nil), r.Body...)
		outcome.Duration = time.Since(start)
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			outcome.StatusCode = r.StatusCode
		}
		outcome.Duration = time.Since(start)
		*fetchErr = err
	})

	return collector
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, address string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(address)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) observe(address string, outcome *crawl.FetchOutcome) {
	status := "error"
	if outcome.StatusCode > 0 {
		status = strconv.Itoa(outcome.StatusCode)
	}
	metrics.ObservePageFetch(address, status, len(outcome.Body))
}

func isHTTPAddress(link string) bool {
	if link == "" {
		return false
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
