package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlkit/linkwalk/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ArchiveStoreConfig controls the Postgres connection pool used for archive rows.
type ArchiveStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ArchiveStore writes one row per finished crawl into Postgres.
type ArchiveStore struct {
	pool  execCloser
	table string
}

// NewArchiveStore creates a Postgres-backed ArchiveStore using the provided config.
func NewArchiveStore(ctx context.Context, cfg ArchiveStoreConfig) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "crawl_archive"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ArchiveStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewArchiveStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArchiveStoreWithPool(pool execCloser, table string) (*ArchiveStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_archive"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ArchiveStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveCrawl inserts an archive row for a finished crawl run.
func (s *ArchiveStore) SaveCrawl(ctx context.Context, run crawl.Run) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("archive store is not configured")
	}
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.Parameters.Crawl == nil {
		return fmt.Errorf("run %s has no crawl parameters", run.ID)
	}
	if run.CrawlResult == nil {
		return fmt.Errorf("run %s has no crawl result", run.ID)
	}
	linksJSON, err := json.Marshal(run.CrawlResult.LinksDiscovered)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	domainsJSON, err := json.Marshal(run.CrawlResult.DomainsDiscovered)
	if err != nil {
		return fmt.Errorf("marshal domains: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	seed_url,
	submitted_at,
	started_at,
	finished_at,
	total_links_crawled,
	links_discovered,
	domains_discovered,
	report_uri,
	report_sha256
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		run.ID,
		run.Parameters.Crawl.StartURL,
		run.Submitted,
		run.Started,
		run.Finished,
		run.CrawlResult.TotalLinksCrawled,
		linksJSON,
		domainsJSON,
		run.ReportURI,
		run.ReportSHA256,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert crawl archive row: %w", err)
	}
	return nil
}
