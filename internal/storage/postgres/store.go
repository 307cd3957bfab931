// Package postgres provides Postgres-backed site and page persistence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitesearch/internal/crawler"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS sites (
	id          BIGSERIAL PRIMARY KEY,
	url         TEXT        NOT NULL UNIQUE,
	name        TEXT        NOT NULL DEFAULT '',
	status      TEXT        NOT NULL,
	last_error  TEXT        NOT NULL DEFAULT '',
	status_time TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS pages (
	id      BIGSERIAL PRIMARY KEY,
	site_id BIGINT NOT NULL REFERENCES sites (id) ON DELETE CASCADE,
	path    TEXT   NOT NULL,
	code    INT    NOT NULL,
	content TEXT   NOT NULL,
	UNIQUE (site_id, path)
);`

const siteColumns = "id, url, name, status, last_error, status_time"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.SiteStore and crawler.PageStore on Postgres.
type Store struct {
	pool pgxIface
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("database.dsn is required")
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
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func scanSite(row pgx.Row) (crawler.Site, error) {
	var (
		site   crawler.Site
		status string
	)
	if err := row.Scan(&site.ID, &site.URL, &site.Name, &status, &site.LastError, &site.StatusTime); err != nil {
		return crawler.Site{}, err
	}
	site.Status = crawler.SiteStatus(status)
	return site, nil
}

// UpsertByURL inserts the site in indexing status or returns the existing row,
// refreshing its name when cfg carries one.
func (s *Store) UpsertByURL(ctx context.Context, cfg crawler.SiteConfig) (crawler.Site, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return crawler.Site{}, errors.New("site url is required")
	}
	query := `
INSERT INTO sites (url, name, status, status_time)
VALUES ($1, $2, $3, $4)
ON CONFLICT (url) DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), sites.name)
RETURNING ` + siteColumns
	row := s.pool.QueryRow(ctx, query, cfg.URL, cfg.Name, string(crawler.SiteStatusIndexing), time.Now().UTC())
	site, err := scanSite(row)
	if err != nil {
		return crawler.Site{}, fmt.Errorf("upsert site %s: %w", cfg.URL, err)
	}
	return site, nil
}

// SaveSite overwrites the stored state of an existing site.
func (s *Store) SaveSite(ctx context.Context, site crawler.Site) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sites SET url = $2, name = $3, status = $4, last_error = $5, status_time = $6
WHERE id = $1`,
		site.ID, site.URL, site.Name, string(site.Status), site.LastError, site.StatusTime,
	)
	if err != nil {
		return fmt.Errorf("save site %d: %w", site.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save site %d: %w", site.ID, crawler.ErrSiteNotFound)
	}
	return nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(ctx context.Context, id int64) (crawler.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, "SELECT "+siteColumns+" FROM sites WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Site{}, fmt.Errorf("get site %d: %w", id, crawler.ErrSiteNotFound)
	}
	if err != nil {
		return crawler.Site{}, fmt.Errorf("get site %d: %w", id, err)
	}
	return site, nil
}

// ListSites returns all sites ordered by ID.
func (s *Store) ListSites(ctx context.Context) ([]crawler.Site, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+siteColumns+" FROM sites ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	sites, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.Site, error) {
		return scanSite(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// ExistsByStatus reports whether any site currently has status.
func (s *Store) ExistsByStatus(ctx context.Context, status crawler.SiteStatus) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM sites WHERE status = $1)", string(status)).Scan(&exists); err != nil {
		return false, fmt.Errorf("sites by status %s: %w", status, err)
	}
	return exists, nil
}

// SavePage upserts the page on (site_id, path) and assigns page.ID.
func (s *Store) SavePage(ctx context.Context, page *crawler.Page) error {
	if page == nil {
		return errors.New("page is required")
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO pages (site_id, path, code, content)
VALUES ($1, $2, $3, $4)
ON CONFLICT (site_id, path) DO UPDATE SET code = EXCLUDED.code, content = EXCLUDED.content
RETURNING id`,
		page.SiteID, page.Path, page.Code, page.Content,
	)
	if err := row.Scan(&page.ID); err != nil {
		return fmt.Errorf("save page %s: %w", page.Path, err)
	}
	return nil
}

// CountBySite returns the number of pages stored for a site.
func (s *Store) CountBySite(ctx context.Context, siteID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pages WHERE site_id = $1", siteID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages of site %d: %w", siteID, err)
	}
	return n, nil
}

// CountAll returns the number of stored pages across all sites.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// DeleteBySite removes every page of a site.
func (s *Store) DeleteBySite(ctx context.Context, siteID int64) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM pages WHERE site_id = $1", siteID); err != nil {
		return fmt.Errorf("delete pages of site %d: %w", siteID, err)
	}
	return nil
}
