// Package autofetcher composes a probe fetcher with a headless renderer.
// Pages are fetched cheaply first; when the detector flags the response as
// script-rendered, the page is refetched through the headless browser.
package autofetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/crawl"
	"github.com/crawlkit/linkwalk/internal/metrics"
)

// Fetcher implements crawl.LinkFetcher by chaining a probe and a renderer.
type Fetcher struct {
	probe    crawl.LinkFetcher
	headless crawl.LinkFetcher
	detector crawl.RenderDetector
	logger   *zap.Logger
}

// New builds an auto-promoting fetcher. A nil headless fetcher or detector
// disables promotion; every fetch then resolves through the probe alone.
func New(probe, headless crawl.LinkFetcher, det crawl.RenderDetector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		probe:    probe,
		headless: headless,
		detector: det,
		logger:   logger,
	}
}

// FetchLinks probes the address and promotes to the headless renderer when
// warranted. A failed promotion falls back to the probe result; probe errors
// propagate unchanged.
func (f *Fetcher) FetchLinks(ctx context.Context, address string) (crawl.FetchOutcome, error) {
	probe, err := f.probe.FetchLinks(ctx, address)
	if err != nil {
		return crawl.FetchOutcome{}, err
	}
	if f.headless == nil || f.detector == nil || !f.detector.ShouldPromote(probe) {
		return probe, nil
	}

	metrics.ObserveRenderPromotion()
	rendered, err := f.headless.FetchLinks(ctx, address)
	if err != nil {
		f.logger.Warn("headless promotion failed",
			zap.String("url", address),
			zap.Error(err),
		)
		return probe, nil
	}
	return rendered, nil
}
