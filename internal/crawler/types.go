package crawler

import (
	"sync"
	"time"
)

// SiteStatus represents the lifecycle state of a configured site.
type SiteStatus string

// Site status values persisted in the site store.
const (
	SiteStatusIndexing SiteStatus = "INDEXING"
	SiteStatusIndexed  SiteStatus = "INDEXED"
	SiteStatusFailed   SiteStatus = "FAILED"
)

// Terminal error texts written to Site.LastError by the run orchestrator.
const (
	ErrTextHomePageUnreachable = "home page unreachable"
	ErrTextSiteUnreachable     = "site unreachable"
	ErrTextStoppedByUser       = "stopped by user"
	ErrTextInterrupted         = "indexing interrupted"
)

// SiteConfig is one configured crawl target.
type SiteConfig struct {
	URL  string `json:"url" mapstructure:"url"`
	Name string `json:"name" mapstructure:"name"`
}

// Site is the persisted state of a crawl target.
type Site struct {
	ID         int64      `json:"id"`
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	Status     SiteStatus `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
	StatusTime time.Time  `json:"status_time"`
}

// Page is one fetched document. Path is relative to the site's home URL.
type Page struct {
	ID      int64  `json:"id"`
	SiteID  int64  `json:"site_id"`
	Path    string `json:"path"`
	Code    int    `json:"code"`
	Content string `json:"content"`
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Stats summarizes what one crawl did.
type Stats struct {
	Fetched     int64
	Persisted   int64
	Unreachable int64
	Skipped     int64
}

// RunSite guards the Site shared by every fetch task of one run.
type RunSite struct {
	mu   sync.Mutex
	site Site
}

// NewRunSite wraps site for concurrent use.
func NewRunSite(site Site) *RunSite {
	return &RunSite{site: site}
}

// RecordError stores the latest fetch-local failure on the site.
func (r *RunSite) RecordError(msg string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.site.LastError = msg
	r.site.StatusTime = at
}

// Snapshot returns a copy of the current site state.
func (r *RunSite) Snapshot() Site {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.site
}

// ID returns the site identity.
func (r *RunSite) ID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.site.ID
}
