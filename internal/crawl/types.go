// Package crawl defines the run model shared across subsystems and implements
// the bounded breadth-first crawl: traversal state, batch dispatch, and the
// round-driving controller.
package crawl

import (
	"time"
)

// RunKind discriminates the two kinds of work the service executes.
type RunKind string

// Run kinds accepted by the API and routed to their queues.
const (
	KindCrawl   RunKind = "crawl"
	KindHTTPGet RunKind = "http_get"
)

// RunStatus represents the lifecycle state of a submitted run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is final. Terminal statuses never
// change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// CrawlRequest captures the caller-supplied inputs of a crawl run. A MaxLinks
// below 1 means "unspecified" and falls back to DefaultBudget.
type CrawlRequest struct {
	StartURL string `json:"start_url"`
	MaxLinks int    `json:"max_links,omitempty"`
}

// HTTPGetRequest captures the input of a single GET pass-through run.
type HTTPGetRequest struct {
	URL string `json:"url"`
}

// RunParameters wraps the kind-specific request of a run. Exactly one of the
// pointers is set, matching Kind.
type RunParameters struct {
	Kind    RunKind         `json:"kind"`
	Crawl   *CrawlRequest   `json:"crawl,omitempty"`
	HTTPGet *HTTPGetRequest `json:"http_get,omitempty"`
}

// CrawlResult is the snapshot produced exactly once when a crawl terminates.
// LinksDiscovered holds every address that ever entered the visited set (the
// seed included, fetched or not); DomainsDiscovered holds the host of every
// such address whose origin could be parsed. Both are sorted for stable
// serialization.
type CrawlResult struct {
	TotalLinksCrawled int      `json:"total_links_crawled"`
	LinksDiscovered   []string `json:"links_discovered"`
	DomainsDiscovered []string `json:"domains_discovered"`
}

// HTTPGetResult is the outcome of a GET pass-through run. The status code is
// reported as data whatever its class; only transport failures become errors.
type HTTPGetResult struct {
	URL          string `json:"url"`
	StatusCode   int    `json:"status_code"`
	ResponseText string `json:"response_text"`
}

// Run represents the metadata persisted for each submitted request.
type Run struct {
	ID           string         `json:"id"`
	Kind         RunKind        `json:"kind"`
	Status       RunStatus      `json:"status"`
	Submitted    time.Time      `json:"submitted_at"`
	Started      *time.Time     `json:"started_at,omitempty"`
	Finished     *time.Time     `json:"finished_at,omitempty"`
	ErrorText    string         `json:"error_text,omitempty"`
	Parameters   RunParameters  `json:"parameters"`
	CrawlResult  *CrawlResult   `json:"crawl_result,omitempty"`
	HTTPResult   *HTTPGetResult `json:"http_result,omitempty"`
	ReportURI    string         `json:"report_uri,omitempty"`
	ReportSHA256 string         `json:"report_sha256,omitempty"`
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string
	Params    RunParameters
	Attempt   int
	Submitted int64
}

// CrawlReport is the artifact exported to the report store for a finished
// crawl run.
type CrawlReport struct {
	RunID      string       `json:"run_id"`
	SeedURL    string       `json:"seed_url"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Result     *CrawlResult `json:"result"`
}

// CompletionMessage is published when a run reaches a terminal state.
type CompletionMessage struct {
	RunID             string    `json:"run_id"`
	Kind              RunKind   `json:"kind"`
	Status            RunStatus `json:"status"`
	SeedURL           string    `json:"seed_url,omitempty"`
	TotalLinksCrawled int       `json:"total_links_crawled,omitempty"`
	ReportURI         string    `json:"report_uri,omitempty"`
	FinishedAt        time.Time `json:"finished_at"`
}

// FetchOutcome is returned by a LinkFetcher implementation. The crawl core
// consumes Links only; Body and StatusCode exist for fetcher composition
// (render promotion) and diagnostics.
type FetchOutcome struct {
	Address    string
	Links      []string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}
