package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crawlkit/linkwalk/internal/crawl"
)

// ErrNotFound is returned when no run exists for the given ID.
var ErrNotFound = errors.New("run not found")

// ErrRunExists is returned when a run ID is created twice.
var ErrRunExists = errors.New("run already exists")

// ErrRunTerminal is returned when a status update targets a finished run.
var ErrRunTerminal = errors.New("run already in a terminal status")

// RunStore keeps run metadata in memory. Crawl traversal state never lands
// here; only submitted inputs, statuses, and final outputs do.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawl.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]crawl.Run),
	}
}

// CreateRun stores a new run record.
func (s *RunStore) CreateRun(_ context.Context, run crawl.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("create run %s: %w", run.ID, ErrRunExists)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// UpdateRunStatus moves a run through its lifecycle. The first transition to
// running stamps Started; any terminal transition stamps Finished. A run that
// already reached a terminal status is never modified again.
func (s *RunStore) UpdateRunStatus(_ context.Context, runID string, status crawl.RunStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("update run %s: %w", runID, ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("update run %s: %w", runID, ErrRunTerminal)
	}
	run.Status = status
	run.ErrorText = errText
	now := time.Now().UTC()
	if status == crawl.RunStatusRunning && run.Started == nil {
		run.Started = pointerTime(now)
	}
	if status.Terminal() {
		run.Finished = pointerTime(now)
	}
	s.runs[runID] = run
	return nil
}

// SetCrawlOutcome attaches the crawl result and report references to a run.
func (s *RunStore) SetCrawlOutcome(
	_ context.Context,
	runID string,
	result *crawl.CrawlResult,
	reportURI, reportSHA256 string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("set crawl outcome for run %s: %w", runID, ErrNotFound)
	}
	run.CrawlResult = cloneCrawlResult(result)
	run.ReportURI = reportURI
	run.ReportSHA256 = reportSHA256
	s.runs[runID] = run
	return nil
}

// SetHTTPGetOutcome attaches the pass-through response to a run.
func (s *RunStore) SetHTTPGetOutcome(_ context.Context, runID string, result *crawl.HTTPGetResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("set http outcome for run %s: %w", runID, ErrNotFound)
	}
	if result != nil {
		cp := *result
		run.HTTPResult = &cp
	}
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID. The returned value is a copy; mutating it does
// not affect the store.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawl.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawl.Run{}, fmt.Errorf("get run %s: %w", runID, ErrNotFound)
	}
	return cloneRun(run), nil
}

func cloneRun(run crawl.Run) crawl.Run {
	out := run
	if run.Started != nil {
		out.Started = pointerTime(*run.Started)
	}
	if run.Finished != nil {
		out.Finished = pointerTime(*run.Finished)
	}
	if run.Parameters.Crawl != nil {
		cp := *run.Parameters.Crawl
		out.Parameters.Crawl = &cp
	}
	if run.Parameters.HTTPGet != nil {
		cp := *run.Parameters.HTTPGet
		out.Parameters.HTTPGet = &cp
	}
	out.CrawlResult = cloneCrawlResult(run.CrawlResult)
	if run.HTTPResult != nil {
		cp := *run.HTTPResult
		out.HTTPResult = &cp
	}
	return out
}

func cloneCrawlResult(result *crawl.CrawlResult) *crawl.CrawlResult {
	if result == nil {
		return nil
	}
	cp := crawl.CrawlResult{
		TotalLinksCrawled: result.TotalLinksCrawled,
		LinksDiscovered:   append([]string(nil), result.LinksDiscovered...),
		DomainsDiscovered: append([]string(nil), result.DomainsDiscovered...),
	}
	return &cp
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
