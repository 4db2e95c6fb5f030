package crawl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/progress"
)

// Crawl-wide defaults applied when the caller leaves the knobs unset.
const (
	// DefaultBudget caps dispatched addresses when a request carries no
	// usable max_links.
	DefaultBudget = 10
	// DefaultFanoutLimit bounds concurrent fetches within one round.
	DefaultFanoutLimit = 10
)

// ControllerConfig carries the collaborators of one crawl run.
type ControllerConfig struct {
	Fetcher     LinkFetcher
	FanoutLimit int
	RunID       string
	Progress    *progress.Hub
	Logger      *zap.Logger
}

// Controller drives a bounded breadth-first crawl in rounds: select up to
// min(fanout, remaining budget, frontier length) addresses from the frontier
// head, dispatch them concurrently, join on the whole batch, then fold the
// discovered links back into the traversal state. It owns the state
// exclusively; nothing else reads or writes it.
type Controller struct {
	dispatcher *BatchDispatcher
	fanout     int
	progress   *progress.Hub
	logger     *zap.Logger
	runID      [16]byte
}

// NewController builds a controller for one run. Progress may be nil; a nil
// logger is replaced with a nop logger; a fanout below 1 falls back to
// DefaultFanoutLimit.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fanout := cfg.FanoutLimit
	if fanout < 1 {
		fanout = DefaultFanoutLimit
	}
	var runID [16]byte
	if parsed, err := uuid.Parse(cfg.RunID); err == nil {
		runID = progress.UUIDToBytes(parsed)
	}
	return &Controller{
		dispatcher: NewBatchDispatcher(cfg.Fetcher, logger, cfg.Progress, runID),
		fanout:     fanout,
		progress:   cfg.Progress,
		logger:     logger,
		runID:      runID,
	}
}

// Run executes the crawl to completion and returns its result. It never
// returns an error: fetch failures shrink to zero links at the dispatcher and
// a malformed address only loses origin tracking. A budget below 1 means
// "unspecified" and becomes DefaultBudget. Cancelling ctx stops the crawl
// between rounds, never mid-batch; the snapshot so far is returned and the
// caller decides what cancellation means for the run.
func (c *Controller) Run(ctx context.Context, seed string, budget int) *CrawlResult {
	if budget < 1 {
		budget = DefaultBudget
	}
	state := newCrawlState(seed)

	round := 0
	for len(state.frontier) > 0 && state.crawled < budget {
		if ctx.Err() != nil {
			c.logger.Warn("crawl interrupted between rounds",
				zap.Int("round", round),
				zap.Int("crawled", state.crawled),
			)
			break
		}

		batch := state.takeBatch(min(c.fanout, budget-state.crawled, len(state.frontier)))
		results := c.dispatcher.Dispatch(ctx, batch)

		// Aggregate only after the full batch joined; admission order within
		// a round cannot change the result because every mutation is an
		// idempotent set insertion.
		for _, res := range results {
			state.recordOrigin(res.Address)
			for _, link := range res.Links {
				state.admit(link)
			}
		}
		round++

		c.logger.Info("crawl round complete",
			zap.Int("round", round),
			zap.Int("dispatched", len(batch)),
			zap.Int("crawled", state.crawled),
			zap.Int("links_discovered", len(state.visited)),
			zap.Int("domains_discovered", len(state.origins)),
		)
		c.emitRound(round, len(batch), state)
	}

	return state.snapshot()
}

func (c *Controller) emitRound(round, dispatched int, state *crawlState) {
	if c.progress == nil {
		return
	}
	c.progress.Emit(progress.Event{
		RunID:      c.runID,
		TS:         time.Now().UTC(),
		Kind:       string(KindCrawl),
		Stage:      progress.StageRoundDone,
		Round:      int64(round),
		Dispatched: int64(dispatched),
		Links:      int64(len(state.visited)),
		Origins:    int64(len(state.origins)),
		Frontier:   int64(len(state.frontier)),
	})
}
