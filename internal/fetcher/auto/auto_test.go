package autofetcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/crawl"
	"github.com/crawlkit/linkwalk/internal/metrics"
)

type fakeFetcher struct {
	outcome crawl.FetchOutcome
	err     error
	calls   int
}

func (f *fakeFetcher) FetchLinks(_ context.Context, address string) (crawl.FetchOutcome, error) {
	f.calls++
	if f.err != nil {
		return crawl.FetchOutcome{}, f.err
	}
	out := f.outcome
	out.Address = address
	return out, nil
}

type fakeDetector struct {
	promote bool
}

func (d *fakeDetector) ShouldPromote(crawl.FetchOutcome) bool {
	return d.promote
}

func TestFetchLinksReturnsProbeWhenDetectorDeclines(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{outcome: crawl.FetchOutcome{Links: []string{"https://a"}, StatusCode: 200}}
	headless := &fakeFetcher{outcome: crawl.FetchOutcome{Rendered: true}}
	f := New(probe, headless, &fakeDetector{promote: false}, zap.NewNop())

	out, err := f.FetchLinks(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"https://a"}, out.Links)
	require.False(t, out.Rendered)
	require.Zero(t, headless.calls)
}

func TestFetchLinksPromotesToHeadless(t *testing.T) {
	metrics.Init()
	t.Parallel()

	probe := &fakeFetcher{outcome: crawl.FetchOutcome{StatusCode: 200}}
	headless := &fakeFetcher{outcome: crawl.FetchOutcome{
		Links:      []string{"https://rendered"},
		StatusCode: 200,
		Rendered:   true,
	}}
	f := New(probe, headless, &fakeDetector{promote: true}, zap.NewNop())

	out, err := f.FetchLinks(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.True(t, out.Rendered)
	require.Equal(t, []string{"https://rendered"}, out.Links)
	require.Equal(t, 1, probe.calls)
	require.Equal(t, 1, headless.calls)
}

func TestFetchLinksFallsBackWhenPromotionFails(t *testing.T) {
	metrics.Init()
	t.Parallel()

	probe := &fakeFetcher{outcome: crawl.FetchOutcome{Links: []string{"https://a"}, StatusCode: 200}}
	headless := &fakeFetcher{err: errors.New("browser crashed")}
	f := New(probe, headless, &fakeDetector{promote: true}, zap.NewNop())

	out, err := f.FetchLinks(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"https://a"}, out.Links)
	require.False(t, out.Rendered)
	require.Equal(t, 1, headless.calls)
}

func TestFetchLinksProbeErrorPropagates(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{err: errors.New("connection refused")}
	headless := &fakeFetcher{}
	f := New(probe, headless, &fakeDetector{promote: true}, zap.NewNop())

	_, err := f.FetchLinks(context.Background(), "https://example.com")
	require.Error(t, err)
	require.Zero(t, headless.calls)
}

func TestFetchLinksWithoutHeadlessNeverPromotes(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{outcome: crawl.FetchOutcome{StatusCode: 200}}
	f := New(probe, nil, &fakeDetector{promote: true}, nil)

	out, err := f.FetchLinks(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.False(t, out.Rendered)
}
