// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/sitesearch/internal/crawler"
)

// Store keeps sites and pages in maps. It implements crawler.SiteStore and crawler.PageStore.
type Store struct {
	mu         sync.RWMutex
	sites      map[int64]crawler.Site
	byURL      map[string]int64
	pages      map[int64]map[string]crawler.Page
	nextSiteID int64
	nextPageID int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sites: make(map[int64]crawler.Site),
		byURL: make(map[string]int64),
		pages: make(map[int64]map[string]crawler.Page),
	}
}

// UpsertByURL returns the site with cfg.URL, creating it in indexing status when absent.
func (s *Store) UpsertByURL(_ context.Context, cfg crawler.SiteConfig) (crawler.Site, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return crawler.Site{}, fmt.Errorf("site url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byURL[cfg.URL]; ok {
		site := s.sites[id]
		if cfg.Name != "" {
			site.Name = cfg.Name
			s.sites[id] = site
		}
		return site, nil
	}
	s.nextSiteID++
	site := crawler.Site{
		ID:         s.nextSiteID,
		URL:        cfg.URL,
		Name:       cfg.Name,
		Status:     crawler.SiteStatusIndexing,
		StatusTime: time.Now().UTC(),
	}
	s.sites[site.ID] = site
	s.byURL[site.URL] = site.ID
	return site, nil
}

// SaveSite overwrites the stored state of an existing site.
func (s *Store) SaveSite(_ context.Context, site crawler.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[site.ID]; !ok {
		return fmt.Errorf("save site %d: %w", site.ID, crawler.ErrSiteNotFound)
	}
	s.sites[site.ID] = site
	s.byURL[site.URL] = site.ID
	return nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(_ context.Context, id int64) (crawler.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return crawler.Site{}, fmt.Errorf("get site %d: %w", id, crawler.ErrSiteNotFound)
	}
	return site, nil
}

// ListSites returns all sites ordered by ID.
func (s *Store) ListSites(_ context.Context) ([]crawler.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ExistsByStatus reports whether any site currently has status.
func (s *Store) ExistsByStatus(_ context.Context, status crawler.SiteStatus) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, site := range s.sites {
		if site.Status == status {
			return true, nil
		}
	}
	return false, nil
}

// SavePage inserts or replaces the page at (SiteID, Path) and assigns page.ID.
func (s *Store) SavePage(_ context.Context, page *crawler.Page) error {
	if page == nil {
		return fmt.Errorf("page is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byPath, ok := s.pages[page.SiteID]
	if !ok {
		byPath = make(map[string]crawler.Page)
		s.pages[page.SiteID] = byPath
	}
	if existing, ok := byPath[page.Path]; ok {
		page.ID = existing.ID
	} else {
		s.nextPageID++
		page.ID = s.nextPageID
	}
	byPath[page.Path] = *page
	return nil
}

// CountBySite returns the number of pages stored for a site.
func (s *Store) CountBySite(_ context.Context, siteID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages[siteID]), nil
}

// CountAll returns the number of stored pages across all sites.
func (s *Store) CountAll(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, byPath := range s.pages {
		total += len(byPath)
	}
	return total, nil
}

// DeleteBySite removes every page of a site.
func (s *Store) DeleteBySite(_ context.Context, siteID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, siteID)
	return nil
}

// Page returns a stored page, for inspection in tests and tooling.
func (s *Store) Page(siteID int64, path string) (crawler.Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[siteID][path]
	return page, ok
}
