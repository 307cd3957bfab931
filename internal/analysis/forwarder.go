// Package analysis hands persisted pages to the downstream text analysis
// pipeline: each page is archived to a blob store and announced on a topic.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/crawler"
)

// Config controls Forwarder behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Stats counts what a Forwarder did across all runs.
type Stats struct {
	Forwarded int64
	Failed    int64
}

// Notification is the message published for every archived page.
type Notification struct {
	RunID     string `json:"run_id,omitempty"`
	SiteID    int64  `json:"site_id"`
	SiteURL   string `json:"site_url"`
	Path      string `json:"path"`
	Code      int    `json:"code"`
	BlobURI   string `json:"blob_uri,omitempty"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

// Forwarder implements crawler.Consumer.
type Forwarder struct {
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	forwarded atomic.Int64
	failed    atomic.Int64
}

// New constructs a Forwarder. blobs and publisher may be nil to skip that step.
func New(
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Forwarder {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Consume drains source until it is closed and empty. A failing page is logged
// and counted; only cancellation of ctx aborts the drain. The run id carried by
// ctx, if any, is stamped on every notification.
func (f *Forwarder) Consume(ctx context.Context, site crawler.Site, source crawler.PageSource) error {
	logger := f.logger.With(
		zap.String("run_id", crawler.RunIDFrom(ctx)),
		zap.Int64("site_id", site.ID),
		zap.String("site", site.URL),
	)
	for {
		page, err := source.Dequeue(ctx)
		if errors.Is(err, crawler.ErrQueueClosed) {
			logger.Debug("handoff drained")
			return nil
		}
		if err != nil {
			return fmt.Errorf("dequeue page: %w", err)
		}
		if err := f.forward(ctx, site, page); err != nil {
			f.failed.Add(1)
			logger.Warn("page forward failed", zap.String("path", page.Path), zap.Error(err))
			continue
		}
		f.forwarded.Add(1)
	}
}

// Stats returns the cumulative counters.
func (f *Forwarder) Stats() Stats {
	return Stats{Forwarded: f.forwarded.Load(), Failed: f.failed.Load()}
}

func (f *Forwarder) blobPath(siteID int64, hash string) string {
	prefix := strings.Trim(f.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%d/%s.html", siteID, hash)
	}
	return fmt.Sprintf("%s/%d/%s.html", prefix, siteID, hash)
}

func (f *Forwarder) forward(ctx context.Context, site crawler.Site, page crawler.Page) error {
	hash, err := f.hasher.Hash([]byte(page.Content))
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}

	var uri string
	if f.blobs != nil {
		uri, err = f.blobs.PutObject(ctx, f.blobPath(site.ID, hash), f.cfg.ContentType, strings.NewReader(page.Content))
		if err != nil {
			return fmt.Errorf("put object: %w", err)
		}
	}

	if f.cfg.Topic == "" || f.publisher == nil {
		return nil
	}
	note := Notification{
		RunID:     crawler.RunIDFrom(ctx),
		SiteID:    site.ID,
		SiteURL:   site.URL,
		Path:      page.Path,
		Code:      page.Code,
		BlobURI:   uri,
		Hash:      hash,
		Timestamp: f.clock.Now().Format(time.RFC3339),
	}
	if _, err := f.publisher.Publish(ctx, f.cfg.Topic, note); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	f.logger.Debug("page forwarded",
		zap.Int64("site_id", site.ID),
		zap.String("path", page.Path),
		zap.String("blob_uri", uri),
		zap.String("hash", hash),
	)
	return nil
}
