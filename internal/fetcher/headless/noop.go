package headless

import (
	"context"
	"errors"

	"github.com/crawlkit/linkwalk/internal/crawl"
)

// Noop implements crawl.LinkFetcher but always returns an error to indicate
// that headless browsing is not available in the current build.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// FetchLinks returns an error since this is a stub implementation.
func (Noop) FetchLinks(_ context.Context, _ string) (crawl.FetchOutcome, error) {
	return crawl.FetchOutcome{}, errors.New("headless fetcher not configured")
}
