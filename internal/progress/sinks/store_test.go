package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/linkwalk/internal/progress"
	"github.com/crawlkit/linkwalk/internal/store"
)

// TestStoreSinkPersistsEvents ensures visits/bytes are collapsed per site before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now},
		{
			RunID:       runID,
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Bytes:       100,
			Visits:      1,
			StatusClass: progress.Status2xx,
			TS:          now.Add(1 * time.Second),
		},
		{
			RunID:       runID,
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Bytes:       50,
			Visits:      2,
			StatusClass: progress.Status2xx,
			TS:          now.Add(2 * time.Second),
		},
		{RunID: runID, Stage: progress.StageRoundDone, Round: 1, TS: now.Add(2 * time.Second)},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.starts, 1)
	require.Len(t, repo.completes, 1)
	require.Len(t, repo.siteStats, 1)
	stats := repo.siteStats[0]
	require.Equal(t, runUUID, stats.runID)
	require.Equal(t, int64(3), stats.deltaVisits)
	require.Equal(t, int64(150), stats.deltaBytes)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeProgressRepo struct {
	fail      bool
	starts    []uuid.UUID
	completes []uuid.UUID
	siteStats []siteCall
}

type siteCall struct {
	runID       uuid.UUID
	site        string
	deltaVisits int64
	deltaBytes  int64
	statusClass string
}

func (f *fakeProgressRepo) UpsertRunStart(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	_ = startedAt
	f.starts = append(f.starts, runID)
	return nil
}

func (f *fakeProgressRepo) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	_ = finishedAt
	_ = status
	_ = errMsg
	f.completes = append(f.completes, runID)
	return nil
}

func (f *fakeProgressRepo) UpsertSiteStats(
	_ context.Context,
	runID uuid.UUID,
	site string,
	deltaVisits int64,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	if f.fail {
		return assertErr("site")
	}
	_ = at
	f.siteStats = append(f.siteStats, siteCall{
		runID:       runID,
		site:        site,
		deltaVisits: deltaVisits,
		deltaBytes:  deltaBytes,
		statusClass: statusClass,
	})
	return nil
}

func (f *fakeProgressRepo) GetRun(context.Context, uuid.UUID) (store.RunRow, error) {
	return store.RunRow{}, assertErr("read")
}

func (f *fakeProgressRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.RunRow, error) {
	return nil, assertErr("list")
}

func (f *fakeProgressRepo) ListRunSites(context.Context, uuid.UUID, int, int) ([]store.SiteStats, error) {
	return nil, assertErr("sites")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
