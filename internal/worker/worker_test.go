package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/crawl"
	"github.com/crawlkit/linkwalk/internal/metrics"
	"github.com/crawlkit/linkwalk/internal/progress"
)

func TestWorker_ProcessRun_CrawlSuccessFlow(t *testing.T) {
	metrics.Init()
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := uuid.NewString()
	seed := "https://example.com"
	runs := newFakeRunStore(crawl.Run{
		ID:     runID,
		Kind:   crawl.KindCrawl,
		Status: crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{
			Kind:  crawl.KindCrawl,
			Crawl: &crawl.CrawlRequest{StartURL: seed},
		},
	})
	queue := &fakeQueue{items: []crawl.QueueItem{{
		RunID:  runID,
		Params: runs.runs[runID].Parameters,
	}}}
	reports := newFakeReportStore()
	archive := newFakeArchive()
	publisher := newFakePublisher()
	hasher := &fakeHasher{hash: "abc123"}
	clock := &fakeClock{now: time.Unix(100, 0)}
	fetcher := &fakeLinkFetcher{pages: map[string][]string{seed: nil}}

	w := New(
		queue,
		runs,
		reports,
		archive,
		publisher,
		hasher,
		clock,
		fetcher,
		nil,
		nil,
		Config{Topic: "runs-done"},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return runs.lastStatus() == crawl.RunStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	wantPath := "runs/1970-01-01/" + runID + ".json"
	require.Equal(t, wantPath, reports.lastPath())
	require.Equal(t, "application/json", reports.lastContentType())

	require.Len(t, archive.saved, 1)
	require.Equal(t, runID, archive.saved[0].ID)
	require.Equal(t, 1, archive.saved[0].CrawlResult.TotalLinksCrawled)

	require.Len(t, publisher.messages, 1)
	msg, ok := publisher.messages[0].(crawl.CompletionMessage)
	require.True(t, ok)
	require.Equal(t, runID, msg.RunID)
	require.Equal(t, crawl.RunStatusSucceeded, msg.Status)
	require.Equal(t, seed, msg.SeedURL)
	require.Equal(t, 1, msg.TotalLinksCrawled)
	require.Equal(t, "memory://"+wantPath, msg.ReportURI)

	stored := runs.get(runID)
	require.NotNil(t, stored.CrawlResult)
	require.Equal(t, []string{seed}, stored.CrawlResult.LinksDiscovered)
	require.Equal(t, "memory://"+wantPath, stored.ReportURI)
	require.Equal(t, "abc123", stored.ReportSHA256)
	cancel()
}

func TestWorker_ProcessRun_HTTPGetSuccess(t *testing.T) {
	metrics.Init()
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := uuid.NewString()
	runs := newFakeRunStore(crawl.Run{
		ID:     runID,
		Kind:   crawl.KindHTTPGet,
		Status: crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{
			Kind:    crawl.KindHTTPGet,
			HTTPGet: &crawl.HTTPGetRequest{URL: "https://example.com/page"},
		},
	})
	queue := &fakeQueue{items: []crawl.QueueItem{{
		RunID:  runID,
		Params: runs.runs[runID].Parameters,
	}}}
	getter := &fakePageGetter{result: crawl.HTTPGetResult{
		URL:          "https://example.com/page",
		StatusCode:   503,
		ResponseText: "try later",
	}}

	w := New(
		queue,
		runs,
		nil,
		nil,
		nil,
		nil,
		&fakeClock{now: time.Unix(200, 0)},
		nil,
		getter,
		nil,
		Config{},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return runs.lastStatus() == crawl.RunStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	stored := runs.get(runID)
	require.NotNil(t, stored.HTTPResult)
	require.Equal(t, 503, stored.HTTPResult.StatusCode)
	require.Equal(t, "try later", stored.HTTPResult.ResponseText)
	cancel()
}

func TestWorker_ProcessRun_HTTPGetTransportErrorFails(t *testing.T) {
	metrics.Init()
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := uuid.NewString()
	runs := newFakeRunStore(crawl.Run{
		ID:     runID,
		Status: crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{
			Kind:    crawl.KindHTTPGet,
			HTTPGet: &crawl.HTTPGetRequest{URL: "https://down.example"},
		},
	})
	queue := &fakeQueue{items: []crawl.QueueItem{{
		RunID:  runID,
		Params: runs.runs[runID].Parameters,
	}}}
	getter := &fakePageGetter{err: errors.New("connection refused")}

	w := New(
		queue,
		runs,
		nil,
		nil,
		nil,
		nil,
		&fakeClock{now: time.Unix(300, 0)},
		nil,
		getter,
		nil,
		Config{},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return runs.lastStatus() == crawl.RunStatusFailed
	}, time.Second, 10*time.Millisecond)

	require.Contains(t, runs.lastErrText(), "http get")
	require.Nil(t, runs.get(runID).HTTPResult)
	cancel()
}

func TestWorker_ProcessRun_ReportFailureMarksRunFailed(t *testing.T) {
	metrics.Init()
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := uuid.NewString()
	runs := newFakeRunStore(crawl.Run{
		ID:     runID,
		Status: crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{
			Kind:  crawl.KindCrawl,
			Crawl: &crawl.CrawlRequest{StartURL: "https://example.com"},
		},
	})
	queue := &fakeQueue{items: []crawl.QueueItem{{
		RunID:  runID,
		Params: runs.runs[runID].Parameters,
	}}}
	reports := newFakeReportStore()
	reports.err = errors.New("bucket unavailable")
	archive := newFakeArchive()
	publisher := newFakePublisher()

	w := New(
		queue,
		runs,
		reports,
		archive,
		publisher,
		&fakeHasher{hash: "x"},
		&fakeClock{now: time.Unix(400, 0)},
		&fakeLinkFetcher{pages: map[string][]string{"https://example.com": nil}},
		nil,
		nil,
		Config{Topic: "runs-done"},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return runs.lastStatus() == crawl.RunStatusFailed
	}, time.Second, 10*time.Millisecond)

	require.Contains(t, runs.lastErrText(), "put report object")
	require.Empty(t, archive.saved)
	require.Empty(t, publisher.messages)
	cancel()
}

func TestWorker_ProcessRun_PublishFailureMarksRunFailed(t *testing.T) {
	metrics.Init()
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := uuid.NewString()
	runs := newFakeRunStore(crawl.Run{
		ID:     runID,
		Status: crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{
			Kind:  crawl.KindCrawl,
			Crawl: &crawl.CrawlRequest{StartURL: "https://example.com"},
		},
	})
	queue := &fakeQueue{items: []crawl.QueueItem{{
		RunID:  runID,
		Params: runs.runs[runID].Parameters,
	}}}
	publisher := newFakePublisher()
	publisher.err = errors.New("pub failure")

	w := New(
		queue,
		runs,
		newFakeReportStore(),
		newFakeArchive(),
		publisher,
		&fakeHasher{hash: "x"},
		&fakeClock{now: time.Unix(500, 0)},
		&fakeLinkFetcher{pages: map[string][]string{"https://example.com": nil}},
		nil,
		nil,
		Config{Topic: "runs-done"},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return runs.lastStatus() == crawl.RunStatusFailed
	}, time.Second, 10*time.Millisecond)

	require.Contains(t, runs.lastErrText(), "publish completion")
	require.Nil(t, runs.get(runID).CrawlResult)
	cancel()
}

func TestWorker_ProcessRun_SkipsOptionalBackends(t *testing.T) {
	metrics.Init()
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := uuid.NewString()
	runs := newFakeRunStore(crawl.Run{
		ID:     runID,
		Status: crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{
			Kind:  crawl.KindCrawl,
			Crawl: &crawl.CrawlRequest{StartURL: "https://example.com"},
		},
	})
	queue := &fakeQueue{items: []crawl.QueueItem{{
		RunID:  runID,
		Params: runs.runs[runID].Parameters,
	}}}

	w := New(
		queue,
		runs,
		nil,
		nil,
		nil,
		nil,
		&fakeClock{now: time.Unix(600, 0)},
		&fakeLinkFetcher{pages: map[string][]string{"https://example.com": nil}},
		nil,
		nil,
		Config{},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return runs.lastStatus() == crawl.RunStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	stored := runs.get(runID)
	require.NotNil(t, stored.CrawlResult)
	require.Empty(t, stored.ReportURI)
	require.Empty(t, stored.ReportSHA256)
	cancel()
}

func TestWorker_ProcessRun_CanceledContextMarksRunCanceled(t *testing.T) {
	metrics.Init()
	t.Parallel()

	runID := uuid.NewString()
	runs := newFakeRunStore(crawl.Run{
		ID:     runID,
		Status: crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{
			Kind:  crawl.KindCrawl,
			Crawl: &crawl.CrawlRequest{StartURL: "https://example.com"},
		},
	})
	reports := newFakeReportStore()

	w := New(
		nil,
		runs,
		reports,
		nil,
		nil,
		&fakeHasher{hash: "x"},
		&fakeClock{now: time.Unix(700, 0)},
		&fakeLinkFetcher{pages: map[string][]string{"https://example.com": nil}},
		nil,
		nil,
		Config{},
		zap.NewNop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.processRun(ctx, crawl.QueueItem{RunID: runID, Params: runs.runs[runID].Parameters})

	require.Equal(t, crawl.RunStatusCanceled, runs.lastStatus())
	require.Empty(t, reports.lastPath())

	stored := runs.get(runID)
	require.NotNil(t, stored.CrawlResult)
	require.Empty(t, stored.ReportURI)
}

func TestWorker_ProcessRun_UnknownKindFails(t *testing.T) {
	metrics.Init()
	t.Parallel()

	runID := uuid.NewString()
	runs := newFakeRunStore(crawl.Run{
		ID:         runID,
		Status:     crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{Kind: crawl.RunKind("bogus")},
	})

	w := New(
		nil,
		runs,
		nil,
		nil,
		nil,
		nil,
		&fakeClock{now: time.Unix(800, 0)},
		nil,
		nil,
		nil,
		Config{},
		zap.NewNop(),
	)

	w.processRun(context.Background(), crawl.QueueItem{RunID: runID})

	require.Equal(t, crawl.RunStatusFailed, runs.lastStatus())
	require.Contains(t, runs.lastErrText(), "unknown run kind")
}

func TestWorker_ProcessRun_EmitsLifecycleEvents(t *testing.T) {
	metrics.Init()
	t.Parallel()

	runID := uuid.NewString()
	runs := newFakeRunStore(crawl.Run{
		ID:     runID,
		Status: crawl.RunStatusQueued,
		Parameters: crawl.RunParameters{
			Kind:  crawl.KindCrawl,
			Crawl: &crawl.CrawlRequest{StartURL: "https://example.com"},
		},
	})
	sink := &captureSink{}
	hub := progress.NewHub(progress.Config{MaxBatchWait: 20 * time.Millisecond, Logger: zap.NewNop()}, sink)

	w := New(
		nil,
		runs,
		nil,
		nil,
		nil,
		nil,
		&fakeClock{now: time.Unix(900, 0)},
		&fakeLinkFetcher{pages: map[string][]string{"https://example.com": nil}},
		nil,
		hub,
		Config{},
		zap.NewNop(),
	)

	w.processRun(context.Background(), crawl.QueueItem{RunID: runID, Params: runs.runs[runID].Parameters})
	require.NoError(t, hub.Close(context.Background()))

	require.NotNil(t, sink.byStage(progress.StageRunStart))
	done := sink.byStage(progress.StageRunDone)
	require.NotNil(t, done)
	require.Equal(t, int64(1), done.Dispatched)
	require.Equal(t, int64(1), done.Links)
	require.Equal(t, "crawl", done.Kind)
}

func TestWorkerBuildReportPath(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{ReportPrefix: "/exports/"}, zap.NewNop())
	at := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	if got := w.buildReportPath("run-1", at); got != "exports/2025-03-09/run-1.json" {
		t.Fatalf("unexpected report path: %s", got)
	}

	w.cfg.ReportPrefix = ""
	if got := w.buildReportPath("run-1", at); got != "2025-03-09/run-1.json" {
		t.Fatalf("unexpected fallback report path: %s", got)
	}
}

func TestWorkerDeriveFinalStatus(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{}, zap.NewNop())

	status, errText := w.deriveFinalStatus(context.Background(), nil)
	require.Equal(t, crawl.RunStatusSucceeded, status)
	require.Empty(t, errText)

	status, errText = w.deriveFinalStatus(context.Background(), errors.New("boom"))
	require.Equal(t, crawl.RunStatusFailed, status)
	require.Equal(t, "boom", errText)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	status, errText = w.deriveFinalStatus(canceled, nil)
	require.Equal(t, crawl.RunStatusCanceled, status)
	require.Equal(t, "run canceled", errText)
}

// --- fakes ---

type fakeQueue struct {
	mu    sync.Mutex
	items []crawl.QueueItem
}

func (q *fakeQueue) Enqueue(_ context.Context, item crawl.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (crawl.QueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawl.QueueItem{}, fmt.Errorf("queue dequeue context done: %w", ctx.Err())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type statusUpdate struct {
	status  crawl.RunStatus
	errText string
}

type fakeRunStore struct {
	mu       sync.Mutex
	runs     map[string]crawl.Run
	statuses []statusUpdate
}

func newFakeRunStore(runs ...crawl.Run) *fakeRunStore {
	s := &fakeRunStore{runs: make(map[string]crawl.Run)}
	for _, run := range runs {
		s.runs[run.ID] = run
	}
	return s
}

func (s *fakeRunStore) CreateRun(_ context.Context, run crawl.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *fakeRunStore) UpdateRunStatus(_ context.Context, runID string, status crawl.RunStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = status
	run.ErrorText = errText
	s.runs[runID] = run
	s.statuses = append(s.statuses, statusUpdate{status: status, errText: errText})
	return nil
}

func (s *fakeRunStore) SetCrawlOutcome(
	_ context.Context,
	runID string,
	result *crawl.CrawlResult,
	reportURI, reportSHA256 string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[runID]
	run.CrawlResult = result
	run.ReportURI = reportURI
	run.ReportSHA256 = reportSHA256
	s.runs[runID] = run
	return nil
}

func (s *fakeRunStore) SetHTTPGetOutcome(_ context.Context, runID string, result *crawl.HTTPGetResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[runID]
	run.HTTPResult = result
	s.runs[runID] = run
	return nil
}

func (s *fakeRunStore) GetRun(_ context.Context, runID string) (crawl.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawl.Run{}, errors.New("run not found")
	}
	return run, nil
}

func (s *fakeRunStore) get(runID string) crawl.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

func (s *fakeRunStore) lastStatus() crawl.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1].status
}

func (s *fakeRunStore) lastErrText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1].errText
}

type fakeReportStore struct {
	mu          sync.Mutex
	err         error
	path        string
	contentType string
	data        []byte
}

func newFakeReportStore() *fakeReportStore {
	return &fakeReportStore{}
}

func (s *fakeReportStore) PutObject(_ context.Context, path, contentType string, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.contentType = contentType
	s.data = append([]byte(nil), data...)
	return "memory://" + path, nil
}

func (s *fakeReportStore) lastPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *fakeReportStore) lastContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentType
}

type fakeArchive struct {
	mu    sync.Mutex
	err   error
	saved []crawl.Run
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{}
}

func (a *fakeArchive) SaveCrawl(_ context.Context, run crawl.Run) error {
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, run)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []any
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return "msgid", nil
}

type fakeLinkFetcher struct {
	mu    sync.Mutex
	pages map[string][]string
}

func (f *fakeLinkFetcher) FetchLinks(_ context.Context, address string) (crawl.FetchOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	links, ok := f.pages[address]
	if !ok {
		return crawl.FetchOutcome{}, errors.New("page not found")
	}
	return crawl.FetchOutcome{
		Address:    address,
		Links:      append([]string(nil), links...),
		StatusCode: 200,
	}, nil
}

type fakePageGetter struct {
	result crawl.HTTPGetResult
	err    error
}

func (g *fakePageGetter) Get(context.Context, string) (crawl.HTTPGetResult, error) {
	if g.err != nil {
		return crawl.HTTPGetResult{}, g.err
	}
	return g.result, nil
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash(data []byte) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if h.hash != "" {
		return h.hash, nil
	}
	return string(data), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type captureSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *captureSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	return nil
}

func (s *captureSink) byStage(stage progress.Stage) *progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].Stage == stage {
			return &s.events[i]
		}
	}
	return nil
}
