package crawl

import (
	"context"
	"time"
)

// RunStore persists run metadata and final outcomes. In-flight crawl state is
// never stored; it lives inside the controller for the duration of a run.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errText string) error
	SetCrawlOutcome(ctx context.Context, runID string, result *CrawlResult, reportURI, reportSHA256 string) error
	SetHTTPGetOutcome(ctx context.Context, runID string, result *HTTPGetResult) error
	GetRun(ctx context.Context, runID string) (Run, error)
}

// ReportStore writes exported crawl reports and returns a URI.
type ReportStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Archive records finished crawls in durable storage.
type Archive interface {
	SaveCrawl(ctx context.Context, run Run) error
}

// Publisher pushes completion messages to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// LinkFetcher retrieves one page and extracts its outbound links. Returned
// links are absolute http(s) addresses, internally deduplicated. Errors are
// absorbed by the batch dispatcher; implementations should surface them.
type LinkFetcher interface {
	FetchLinks(ctx context.Context, address string) (FetchOutcome, error)
}

// PageGetter performs the single GET pass-through. Unlike LinkFetcher errors,
// its errors propagate to the caller.
type PageGetter interface {
	Get(ctx context.Context, url string) (HTTPGetResult, error)
}

// RenderDetector decides whether a probe response warrants a headless refetch.
type RenderDetector interface {
	ShouldPromote(probe FetchOutcome) bool
}

// Queue provides enqueue/dequeue semantics for runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Enqueuer is the submission-side slice of a queue, as seen by the API.
type Enqueuer interface {
	Enqueue(ctx context.Context, item QueueItem) error
}

// Hasher computes digests for report integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
