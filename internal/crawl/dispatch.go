package crawl

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/progress"
)

// BatchResult pairs one dispatched address with the links discovered on it. A
// failed fetch leaves Links empty; the failure never escapes the dispatcher.
type BatchResult struct {
	Address string
	Links   []string
}

// BatchDispatcher fans a batch of addresses out to the link fetcher
// concurrently and joins on the whole batch before returning. It is the
// collaborator boundary: fetcher errors are logged and translated to empty
// link lists here, so the controller never sees them.
type BatchDispatcher struct {
	fetcher  LinkFetcher
	logger   *zap.Logger
	progress *progress.Hub
	runID    [16]byte
}

// NewBatchDispatcher wires a dispatcher for one run. The hub may be nil.
func NewBatchDispatcher(fetcher LinkFetcher, logger *zap.Logger, hub *progress.Hub, runID [16]byte) *BatchDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchDispatcher{
		fetcher:  fetcher,
		logger:   logger,
		progress: hub,
		runID:    runID,
	}
}

// Dispatch runs one fetch per address and blocks until every fetch in the
// batch has resolved. Results align positionally with the batch; partial
// results are never exposed.
func (d *BatchDispatcher) Dispatch(ctx context.Context, batch []string) []BatchResult {
	results := make([]BatchResult, len(batch))

	var wg sync.WaitGroup
	for i, address := range batch {
		wg.Add(1)
		go func(slot int, address string) {
			defer wg.Done()
			results[slot] = d.fetchOne(ctx, address)
		}(i, address)
	}
	wg.Wait()

	return results
}

func (d *BatchDispatcher) fetchOne(ctx context.Context, address string) BatchResult {
	start := time.Now()
	outcome, err := d.fetcher.FetchLinks(ctx, address)
	dur := time.Since(start)
	if err != nil {
		d.logger.Warn("fetch failed, counting zero links",
			zap.String("url", address),
			zap.Error(err),
		)
		d.emitFetch(address, outcome, dur, err)
		return BatchResult{Address: address}
	}
	d.emitFetch(address, outcome, dur, nil)
	return BatchResult{Address: address, Links: outcome.Links}
}

func (d *BatchDispatcher) emitFetch(address string, outcome FetchOutcome, dur time.Duration, fetchErr error) {
	if d.progress == nil {
		return
	}
	site, err := Origin(address)
	if err != nil {
		site = "unknown"
	}
	evt := progress.Event{
		RunID:       d.runID,
		TS:          time.Now().UTC(),
		Kind:        string(KindCrawl),
		Stage:       progress.StageFetchDone,
		Site:        site,
		URL:         address,
		Links:       int64(len(outcome.Links)),
		Bytes:       int64(len(outcome.Body)),
		StatusClass: progress.ClassifyStatus(outcome.StatusCode),
		Dur:         dur,
	}
	if fetchErr != nil {
		evt.Note = fetchErr.Error()
	} else {
		evt.Visits = 1
	}
	d.progress.Emit(evt)
}
