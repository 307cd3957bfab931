package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrSiteNotFound is returned by SiteStore lookups for unknown sites.
	ErrSiteNotFound = errors.New("site not found")
	// ErrQueueClosed is returned by a PageSource once it is closed and drained.
	ErrQueueClosed = errors.New("queue closed")
)

// SiteStore persists site state across runs.
type SiteStore interface {
	UpsertByURL(ctx context.Context, cfg SiteConfig) (Site, error)
	SaveSite(ctx context.Context, site Site) error
	GetSite(ctx context.Context, id int64) (Site, error)
	ListSites(ctx context.Context) ([]Site, error)
	ExistsByStatus(ctx context.Context, status SiteStatus) (bool, error)
}

// PageStore persists fetched pages.
type PageStore interface {
	SavePage(ctx context.Context, page *Page) error
	CountBySite(ctx context.Context, siteID int64) (int, error)
	CountAll(ctx context.Context) (int, error)
	DeleteBySite(ctx context.Context, siteID int64) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes page notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResponse, error)
}

// Limiter throttles fetches per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Handoff accepts persisted pages for the downstream analysis consumer.
type Handoff interface {
	Put(ctx context.Context, page Page) error
}

// PageSource yields handed-off pages until the producer is finished, then ErrQueueClosed.
type PageSource interface {
	Dequeue(ctx context.Context) (Page, error)
}

// Consumer drains a run's pages. Consume returns once the source is closed
// and empty, which is the signal that analysis of the run has finished.
type Consumer interface {
	Consume(ctx context.Context, site Site, source PageSource) error
}

// Hasher computes digests for deduplication/integrity.
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
