package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/app"
	"github.com/crawlkit/linkwalk/internal/config"
)

// testAppConfig wires every backend to its in-process implementation so the
// whole service can be stood up inside a test.
func testAppConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Host:                   "127.0.0.1",
			Port:                   0,
			RequestTimeoutSeconds:  5,
			ShutdownTimeoutSeconds: 2,
		},
		Logging: config.LoggingConfig{Development: true},
		Crawler: config.CrawlerConfig{
			FanoutLimit:     5,
			DefaultMaxLinks: 5,
			Workers:         2,
			QueueDepth:      8,
			UserAgent:       "linkwalk-test/1.0",
		},
		HTTPGet: config.HTTPGetConfig{
			TimeoutSeconds: 2,
			Workers:        1,
			QueueDepth:     8,
		},
		Fetcher: config.FetcherConfig{
			Mode:                    config.FetcherModeColly,
			TimeoutSeconds:          2,
			MaxParallelism:          2,
			PromotionThresholdBytes: 2048,
		},
		Storage: config.StorageConfig{
			Backend: config.StorageBackendMemory,
			Prefix:  "runs",
		},
		Progress: config.ProgressConfig{
			BufferSize:     64,
			MaxBatchEvents: 16,
			MaxBatchWaitMs: 50,
		},
	}
}

// TestAppMemoryWiring stands up the full service on in-memory backends and
// drives one crawl run through the HTTP surface. The start URL points at a
// closed local port so the fetch fails immediately without leaving the host.
func TestAppMemoryWiring(t *testing.T) {
	cfg := testAppConfig()

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	h := a.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "linkwalk_active_workers")

	body := bytes.NewBufferString(`{"start_url":"http://127.0.0.1:1/","max_links":2}`)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/crawls", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.RunID)
	require.Equal(t, "queued", submitted.Status)

	runCtx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(runCtx) }()

	// The closed port makes the seed fetch fail fast; a failed page empties
	// the frontier, so the run still completes and exports its report.
	var run struct {
		Status    string `json:"status"`
		ReportURI string `json:"report_uri"`
	}
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/crawls/%s", submitted.RunID), nil))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
			return false
		}
		return run.Status == "succeeded"
	}, 10*time.Second, 50*time.Millisecond)
	require.True(t, strings.HasPrefix(run.ReportURI, "memory://runs/"), "report_uri %q", run.ReportURI)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not shut down")
	}
}

func TestAppRejectsUnknownStorageBackend(t *testing.T) {
	cfg := testAppConfig()
	cfg.Storage.Backend = "tape"

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown storage backend")
}

func TestAppRejectsTelemetryWithoutProject(t *testing.T) {
	cfg := testAppConfig()
	cfg.Telemetry.Enabled = true

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "project_id is empty")
}
