// Package dispatcher launches indexing runs over the configured sites and
// records single-page indexing requests.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/indexing"
)

var (
	// ErrAlreadyRunning is returned by StartAll when runs were active; they are stopped.
	ErrAlreadyRunning = indexing.ErrAlreadyRunning
	// ErrNotRunning is returned by StopAll when nothing is running.
	ErrNotRunning = indexing.ErrNotRunning
	// ErrNoSites is returned when no sites are configured.
	ErrNoSites = errors.New("no sites configured")
	// ErrEmptyURL is returned by IndexPage for a blank URL.
	ErrEmptyURL = errors.New("url is empty")
	// ErrInvalidURL is returned by IndexPage for a URL that is not absolute http(s).
	ErrInvalidURL = errors.New("url is invalid")
	// ErrOutOfScope is returned by IndexPage for a URL outside every configured site.
	ErrOutOfScope = errors.New("url is outside the configured sites")
)

// Controller is the run lifecycle the dispatcher drives. *indexing.Controller implements it.
type Controller interface {
	Start(ctx context.Context, site crawler.Site, seed string) error
	Stop() error
	IsRunning() bool
	Wait()
}

// Dispatcher starts runs for configured sites.
type Dispatcher struct {
	sites  []crawler.SiteConfig
	store  crawler.SiteStore
	ctrl   Controller
	logger *zap.Logger

	mu     sync.Mutex
	target string
}

// New builds a Dispatcher. Site URLs are normalized so page paths and scope
// checks share one form.
func New(sites []crawler.SiteConfig, store crawler.SiteStore, ctrl Controller, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make([]crawler.SiteConfig, 0, len(sites))
	for _, s := range sites {
		u, err := crawler.NormalizeURL(s.URL)
		if err != nil {
			return nil, fmt.Errorf("site %q: %w", s.URL, err)
		}
		normalized = append(normalized, crawler.SiteConfig{URL: u, Name: s.Name})
	}
	return &Dispatcher{
		sites:  normalized,
		store:  store,
		ctrl:   ctrl,
		logger: logger.Named("dispatcher"),
	}, nil
}

// Sites returns the normalized site configuration.
func (d *Dispatcher) Sites() []crawler.SiteConfig {
	out := make([]crawler.SiteConfig, len(d.sites))
	copy(out, d.sites)
	return out
}

// StartAll launches runs and returns without waiting for them. When runs are
// already active it stops them and returns ErrAlreadyRunning. A pending
// IndexPage target limits the launch to its owning site, seeded with the target.
func (d *Dispatcher) StartAll(ctx context.Context) error {
	if d.ctrl.IsRunning() {
		if err := d.ctrl.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			d.logger.Warn("stop active runs failed", zap.Error(err))
		}
		return ErrAlreadyRunning
	}
	if len(d.sites) == 0 {
		return ErrNoSites
	}

	if target := d.takeTarget(); target != "" {
		cfg, _ := d.owner(target)
		return d.start(ctx, cfg, target)
	}

	var errs []error
	for _, cfg := range d.sites {
		if err := d.start(ctx, cfg, cfg.URL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunAll is StartAll followed by waiting for every run. Cancelling ctx stops the runs.
func (d *Dispatcher) RunAll(ctx context.Context) error {
	if err := d.StartAll(ctx); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = d.ctrl.Stop() })
	defer stop()
	d.ctrl.Wait()
	return nil
}

// IsRunning reports whether any run is active.
func (d *Dispatcher) IsRunning() bool {
	return d.ctrl.IsRunning()
}

// RecoverInterrupted marks sites a previous process left INDEXING as failed,
// since no run of this process owns them. It does nothing while runs are active.
func (d *Dispatcher) RecoverInterrupted(ctx context.Context, now time.Time) (int, error) {
	if d.ctrl.IsRunning() {
		return 0, nil
	}
	stale, err := d.store.ExistsByStatus(ctx, crawler.SiteStatusIndexing)
	if err != nil {
		return 0, fmt.Errorf("check interrupted sites: %w", err)
	}
	if !stale {
		return 0, nil
	}
	sites, err := d.store.ListSites(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sites: %w", err)
	}
	var recovered int
	for _, site := range sites {
		if site.Status != crawler.SiteStatusIndexing {
			continue
		}
		site.Status = crawler.SiteStatusFailed
		site.LastError = crawler.ErrTextInterrupted
		site.StatusTime = now
		if err := d.store.SaveSite(ctx, site); err != nil {
			return recovered, fmt.Errorf("mark site %s interrupted: %w", site.URL, err)
		}
		recovered++
		d.logger.Warn("interrupted run recovered", zap.Int64("site_id", site.ID), zap.String("site", site.URL))
	}
	return recovered, nil
}

// StopAll stops every active run.
func (d *Dispatcher) StopAll() error {
	if err := d.ctrl.Stop(); err != nil {
		return fmt.Errorf("stop indexing: %w", err)
	}
	return nil
}

// IndexPage records rawURL as the seed of the next StartAll, restricted to the owning site.
func (d *Dispatcher) IndexPage(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	target, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	cfg, ok := d.owner(target)
	if !ok {
		return fmt.Errorf("%w: %q", ErrOutOfScope, rawURL)
	}

	d.mu.Lock()
	d.target = target
	d.mu.Unlock()
	d.logger.Info("single page indexing requested", zap.String("url", target), zap.String("site", cfg.URL))
	return nil
}

// pendingTarget returns the recorded IndexPage URL, if any.
func (d *Dispatcher) pendingTarget() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

func (d *Dispatcher) takeTarget() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.target
	d.target = ""
	return target
}

// owner returns the configured site with the longest URL prefix of target.
func (d *Dispatcher) owner(target string) (crawler.SiteConfig, bool) {
	var (
		best  crawler.SiteConfig
		found bool
	)
	for _, s := range d.sites {
		if crawler.InScope(target, s.URL) && len(s.URL) > len(best.URL) {
			best, found = s, true
		}
	}
	return best, found
}

func (d *Dispatcher) start(ctx context.Context, cfg crawler.SiteConfig, seed string) error {
	site, err := d.store.UpsertByURL(ctx, cfg)
	if err != nil {
		return fmt.Errorf("register site %s: %w", cfg.URL, err)
	}
	if err := d.ctrl.Start(ctx, site, seed); err != nil {
		return fmt.Errorf("start site %s: %w", cfg.URL, err)
	}
	d.logger.Info("indexing launched", zap.Int64("site_id", site.ID), zap.String("site", site.URL), zap.String("seed", seed))
	return nil
}
