package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/store"
)

type exampleProgressRepo struct {
	runs []store.RunRow
}

func (e *exampleProgressRepo) UpsertRunStart(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func (e *exampleProgressRepo) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return nil
}

func (e *exampleProgressRepo) UpsertSiteStats(
	context.Context,
	uuid.UUID,
	string,
	int64,
	int64,
	string,
	time.Time,
) error {
	return nil
}

func (e *exampleProgressRepo) GetRun(context.Context, uuid.UUID) (store.RunRow, error) {
	return e.runs[0], nil
}

func (e *exampleProgressRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.RunRow, error) {
	return e.runs, nil
}

func (e *exampleProgressRepo) ListRunSites(context.Context, uuid.UUID, int, int) ([]store.SiteStats, error) {
	return nil, nil
}

// ExampleProgressHandler_ListRuns shows how to serve the /v1/progress/runs endpoint.
func ExampleProgressHandler_ListRuns() {
	runID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	repo := &exampleProgressRepo{
		runs: []store.RunRow{{
			RunID:     runID,
			Status:    store.RunSuccess,
			StartedAt: time.Unix(0, 0),
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/progress/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	var payload struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d\n", len(payload.Runs))
	// Output:
	// returned runs: 1
}
