// Package worker implements the run execution loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/crawl"
	"github.com/crawlkit/linkwalk/internal/metrics"
	"github.com/crawlkit/linkwalk/internal/progress"
)

// Config controls Worker behavior.
type Config struct {
	// FanoutLimit bounds concurrent fetches within one crawl round.
	FanoutLimit int
	// ReportPrefix is the blob path prefix for exported crawl reports.
	ReportPrefix string
	// Topic names the completion topic; empty disables publishing.
	Topic string
}

// Worker consumes queue items and executes runs to a terminal status. The
// report store, archive, publisher, and progress hub are each optional; a nil
// backend skips its finalize step, while a configured backend that fails
// marks the run failed.
type Worker struct {
	queue     crawl.Queue
	runs      crawl.RunStore
	reports   crawl.ReportStore
	archive   crawl.Archive
	publisher crawl.Publisher
	hasher    crawl.Hasher
	clock     crawl.Clock
	fetcher   crawl.LinkFetcher
	getter    crawl.PageGetter
	progress  *progress.Hub
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawl.Queue,
	runs crawl.RunStore,
	reports crawl.ReportStore,
	archive crawl.Archive,
	publisher crawl.Publisher,
	hasher crawl.Hasher,
	clock crawl.Clock,
	fetcher crawl.LinkFetcher,
	getter crawl.PageGetter,
	hub *progress.Hub,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = "runs"
	}
	return &Worker{
		queue:     queue,
		runs:      runs,
		reports:   reports,
		archive:   archive,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		fetcher:   fetcher,
		getter:    getter,
		progress:  hub,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		w.processRun(ctx, item)
	}
}

func (w *Worker) processRun(ctx context.Context, item crawl.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	run, err := w.runs.GetRun(ctx, item.RunID)
	if err != nil {
		w.logger.Error("load run failed", zap.String("run_id", item.RunID), zap.Error(err))
		return
	}

	started := w.clock.Now()
	if err := w.runs.UpdateRunStatus(ctx, run.ID, crawl.RunStatusRunning, ""); err != nil {
		w.logger.Error("mark run running failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	run.Status = crawl.RunStatusRunning
	run.Started = &started
	w.emitStage(&run, progress.StageRunStart, 0, "")

	var execErr error
	switch run.Parameters.Kind {
	case crawl.KindCrawl:
		execErr = w.executeCrawl(ctx, &run)
	case crawl.KindHTTPGet:
		execErr = w.executeHTTPGet(ctx, &run)
	default:
		execErr = fmt.Errorf("unknown run kind %q", run.Parameters.Kind)
	}

	status, errText := w.deriveFinalStatus(ctx, execErr)
	if err := w.runs.UpdateRunStatus(ctx, run.ID, status, errText); err != nil {
		w.logger.Error("final run status update failed",
			zap.String("run_id", run.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	metrics.ObserveRun(string(status))

	dur := w.clock.Now().Sub(started)
	if status == crawl.RunStatusSucceeded {
		w.emitStage(&run, progress.StageRunDone, dur, "")
	} else {
		w.emitStage(&run, progress.StageRunError, dur, errText)
	}
	w.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Parameters.Kind)),
		zap.String("status", string(status)),
		zap.Duration("dur", dur),
	)
}

func (w *Worker) executeCrawl(ctx context.Context, run *crawl.Run) error {
	req := run.Parameters.Crawl
	if req == nil {
		return errors.New("crawl run missing crawl parameters")
	}
	if w.fetcher == nil {
		return errors.New("no link fetcher configured")
	}

	ctrl := crawl.NewController(crawl.ControllerConfig{
		Fetcher:     w.fetcher,
		FanoutLimit: w.cfg.FanoutLimit,
		RunID:       run.ID,
		Progress:    w.progress,
		Logger:      w.logger,
	})
	result := ctrl.Run(ctx, req.StartURL, req.MaxLinks)
	run.CrawlResult = result

	if ctx.Err() != nil {
		// Keep the partial snapshot readable; backends are skipped because
		// their contexts are already dead.
		if err := w.runs.SetCrawlOutcome(ctx, run.ID, result, "", ""); err != nil {
			w.logger.Error("store partial crawl outcome failed", zap.String("run_id", run.ID), zap.Error(err))
		}
		return fmt.Errorf("crawl interrupted: %w", ctx.Err())
	}

	finished := w.clock.Now()
	run.Finished = &finished

	uri, sha, err := w.exportReport(ctx, run)
	if err != nil {
		return err
	}
	run.ReportURI = uri
	run.ReportSHA256 = sha

	if w.archive != nil {
		if err := w.archive.SaveCrawl(ctx, *run); err != nil {
			return fmt.Errorf("archive crawl: %w", err)
		}
	}
	if err := w.publishCompletion(ctx, run); err != nil {
		return err
	}
	if err := w.runs.SetCrawlOutcome(ctx, run.ID, result, uri, sha); err != nil {
		return fmt.Errorf("store crawl outcome: %w", err)
	}
	return nil
}

func (w *Worker) executeHTTPGet(ctx context.Context, run *crawl.Run) error {
	req := run.Parameters.HTTPGet
	if req == nil {
		return errors.New("http_get run missing parameters")
	}
	if w.getter == nil {
		return errors.New("no page getter configured")
	}

	res, err := w.getter.Get(ctx, req.URL)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	if err := w.runs.SetHTTPGetOutcome(ctx, run.ID, &res); err != nil {
		return fmt.Errorf("store http outcome: %w", err)
	}

	finished := w.clock.Now()
	run.Finished = &finished
	run.HTTPResult = &res
	return w.publishCompletion(ctx, run)
}

// exportReport renders the crawl report and writes it to the blob store,
// returning the object URI and content digest. A nil report store skips the
// export.
func (w *Worker) exportReport(ctx context.Context, run *crawl.Run) (string, string, error) {
	if w.reports == nil {
		return "", "", nil
	}
	report := crawl.CrawlReport{
		RunID:      run.ID,
		SeedURL:    run.Parameters.Crawl.StartURL,
		StartedAt:  derefTime(run.Started),
		FinishedAt: derefTime(run.Finished),
		Result:     run.CrawlResult,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal crawl report: %w", err)
	}

	path := w.buildReportPath(run.ID, report.FinishedAt)
	uri, err := w.reports.PutObject(ctx, path, "application/json", data)
	if err != nil {
		return "", "", fmt.Errorf("put report object: %w", err)
	}

	sha := ""
	if w.hasher != nil {
		if sha, err = w.hasher.Hash(data); err != nil {
			return "", "", fmt.Errorf("hash report: %w", err)
		}
	}
	return uri, sha, nil
}

func (w *Worker) buildReportPath(runID string, at time.Time) string {
	prefix := strings.Trim(w.cfg.ReportPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", at.UTC().Format("2006-01-02"), runID)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, at.UTC().Format("2006-01-02"), runID)
}

func (w *Worker) publishCompletion(ctx context.Context, run *crawl.Run) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	msg := crawl.CompletionMessage{
		RunID:      run.ID,
		Kind:       run.Parameters.Kind,
		Status:     crawl.RunStatusSucceeded,
		ReportURI:  run.ReportURI,
		FinishedAt: derefTime(run.Finished),
	}
	if run.Parameters.Crawl != nil {
		msg.SeedURL = run.Parameters.Crawl.StartURL
	}
	if run.CrawlResult != nil {
		msg.TotalLinksCrawled = run.CrawlResult.TotalLinksCrawled
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, msg); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	w.logger.Info("run completion published",
		zap.String("run_id", run.ID),
		zap.String("topic", w.cfg.Topic),
		zap.String("report_uri", run.ReportURI),
	)
	return nil
}

func (w *Worker) deriveFinalStatus(ctx context.Context, execErr error) (crawl.RunStatus, string) {
	switch {
	case ctx.Err() != nil:
		errText := "run canceled"
		if execErr != nil {
			errText = execErr.Error()
		}
		return crawl.RunStatusCanceled, errText
	case execErr != nil:
		return crawl.RunStatusFailed, execErr.Error()
	default:
		return crawl.RunStatusSucceeded, ""
	}
}

func (w *Worker) emitStage(run *crawl.Run, stage progress.Stage, dur time.Duration, note string) {
	if w.progress == nil {
		return
	}
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return
	}
	evt := progress.Event{
		RunID: progress.UUIDToBytes(id),
		TS:    w.clock.Now().UTC(),
		Kind:  string(run.Parameters.Kind),
		Stage: stage,
		Dur:   dur,
		Note:  note,
	}
	if run.CrawlResult != nil {
		evt.Dispatched = int64(run.CrawlResult.TotalLinksCrawled)
		evt.Links = int64(len(run.CrawlResult.LinksDiscovered))
		evt.Origins = int64(len(run.CrawlResult.DomainsDiscovered))
	}
	w.progress.Emit(evt)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
