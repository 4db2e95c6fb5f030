package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/linkwalk/internal/crawl"
)

func TestSaveCrawlInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArchiveStoreWithPool(mock, "crawl_archive")
	require.NoError(t, err)

	submitted := time.Unix(1700000000, 0).UTC()
	started := submitted.Add(time.Second)
	finished := submitted.Add(3 * time.Second)

	run := crawl.Run{
		ID:        "0190c3a4-7b11-7c3e-b1f2-6f0a8f0c9d21",
		Kind:      crawl.KindCrawl,
		Status:    crawl.RunStatusSucceeded,
		Submitted: submitted,
		Started:   &started,
		Finished:  &finished,
		Parameters: crawl.RunParameters{
			Kind:  crawl.KindCrawl,
			Crawl: &crawl.CrawlRequest{StartURL: "https://example.com", MaxLinks: 10},
		},
		CrawlResult: &crawl.CrawlResult{
			TotalLinksCrawled: 2,
			LinksDiscovered:   []string{"https://example.com", "https://example.com/a"},
			DomainsDiscovered: []string{"example.com"},
		},
		ReportURI:    "gs://bucket/runs/2026-08-23/run.json",
		ReportSHA256: "abc123",
	}

	mock.ExpectExec("INSERT INTO crawl_archive").
		WithArgs(
			run.ID,
			"https://example.com",
			submitted,
			&started,
			&finished,
			2,
			[]byte(`["https://example.com","https://example.com/a"]`),
			[]byte(`["example.com"]`),
			run.ReportURI,
			run.ReportSHA256,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.SaveCrawl(context.Background(), run)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCrawlRequiresResult(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArchiveStoreWithPool(mock, "crawl_archive")
	require.NoError(t, err)

	run := crawl.Run{
		ID: "run-1",
		Parameters: crawl.RunParameters{
			Kind:  crawl.KindCrawl,
			Crawl: &crawl.CrawlRequest{StartURL: "https://example.com"},
		},
	}
	err = store.SaveCrawl(context.Background(), run)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewArchiveStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewArchiveStoreWithPool(mock, "bad-table;drop")
	require.Error(t, err)

	store, err := NewArchiveStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "crawl_archive", store.table)
}
