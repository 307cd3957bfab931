// Package indexing orchestrates indexing runs: one crawl producer and one
// analysis consumer per site, joined by a bounded handoff queue, followed by
// outcome classification.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/metrics"
	queuememory "github.com/JakeFAU/sitesearch/internal/queue/memory"
)

// DefaultGracePeriod bounds how long in-flight work may continue after Stop.
const DefaultGracePeriod = 5 * time.Second

const finalSaveTimeout = 10 * time.Second

var (
	// ErrAlreadyRunning is returned when a site already has an active run.
	ErrAlreadyRunning = errors.New("indexing already started")
	// ErrNotRunning is returned by Stop when no run is active.
	ErrNotRunning = errors.New("indexing is not running")
)

// Crawler runs one crawl to completion. *crawler.Engine implements it.
type Crawler interface {
	Crawl(ctx context.Context, job crawler.Job) (crawler.Stats, error)
}

// Config tunes the controller.
type Config struct {
	GracePeriod time.Duration
	Handoff     queuememory.Config
}

// Controller starts, stops and tracks indexing runs. Each site has at most one run.
type Controller struct {
	sites    crawler.SiteStore
	pages    crawler.PageStore
	crawler  Crawler
	consumer crawler.Consumer
	clock    crawler.Clock
	ids      crawler.IDGenerator
	cfg      Config
	logger   *zap.Logger

	mu   sync.Mutex
	runs map[int64]*run
	wg   sync.WaitGroup
}

type run struct {
	id      string
	siteID  int64
	stopped atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	teardown context.Context
	abort    context.CancelFunc

	timerMu sync.Mutex
	timer   *time.Timer
}

// New constructs a Controller. consumer and ids may be nil.
func New(
	sites crawler.SiteStore,
	pages crawler.PageStore,
	crawl Crawler,
	consumer crawler.Consumer,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		sites:    sites,
		pages:    pages,
		crawler:  crawl,
		consumer: consumer,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger.Named("indexing"),
		runs:     make(map[int64]*run),
	}
}

// Start registers a run for site and executes it in the background. ctx only
// provides values; the run ends through completion or Stop.
func (c *Controller) Start(ctx context.Context, site crawler.Site, seed string) error {
	r, err := c.register(context.WithoutCancel(ctx), site.ID)
	if err != nil {
		return err
	}
	go func() {
		if _, err := c.execute(r, site, seed); err != nil {
			c.logger.Error("indexing run failed", zap.String("run_id", r.id), zap.Int64("site_id", site.ID), zap.Error(err))
		}
	}()
	return nil
}

// Run executes a run for site and blocks until it has been classified and
// saved. Cancelling ctx behaves like Stop for this run.
func (c *Controller) Run(ctx context.Context, site crawler.Site, seed string) (crawler.Site, error) {
	r, err := c.register(ctx, site.ID)
	if err != nil {
		return crawler.Site{}, err
	}
	release := context.AfterFunc(ctx, func() { c.stopRun(r) })
	defer release()
	return c.execute(r, site, seed)
}

// Stop asks every active run to stop: no new tasks or fetches start at once,
// and in-flight work is aborted after the grace period.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runs) == 0 {
		return ErrNotRunning
	}
	for _, r := range c.runs {
		c.stopRun(r)
	}
	c.logger.Info("indexing stop requested", zap.Int("runs", len(c.runs)))
	return nil
}

// IsRunning reports whether any run is active.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs) > 0
}

// Active returns the IDs of sites with an active run.
func (c *Controller) Active() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Wait blocks until every run has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) register(parent context.Context, siteID int64) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[siteID]; ok {
		return nil, fmt.Errorf("site %d: %w", siteID, ErrAlreadyRunning)
	}
	r := &run{siteID: siteID}
	if c.ids != nil {
		if id, err := c.ids.NewID(); err == nil {
			r.id = id
		}
	}
	r.ctx, r.cancel = context.WithCancel(parent)
	r.teardown, r.abort = context.WithCancel(context.WithoutCancel(parent))
	c.runs[siteID] = r
	c.wg.Add(1)
	metrics.IncActiveRuns()
	return r, nil
}

func (c *Controller) unregister(r *run) {
	r.timerMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerMu.Unlock()
	r.cancel()
	r.abort()

	c.mu.Lock()
	delete(c.runs, r.siteID)
	c.mu.Unlock()
	metrics.DecActiveRuns()
	c.wg.Done()
}

func (c *Controller) stopRun(r *run) {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	r.timerMu.Lock()
	r.timer = time.AfterFunc(c.cfg.GracePeriod, r.abort)
	r.timerMu.Unlock()
}

func (c *Controller) execute(r *run, site crawler.Site, seed string) (crawler.Site, error) {
	defer c.unregister(r)
	logger := c.logger.With(zap.String("run_id", r.id), zap.Int64("site_id", site.ID), zap.String("site", site.URL))

	site.Status = crawler.SiteStatusIndexing
	site.LastError = ""
	site.StatusTime = c.clock.Now()
	if err := c.sites.SaveSite(r.teardown, site); err != nil {
		return site, fmt.Errorf("mark site indexing: %w", err)
	}
	if seed == "" {
		seed = site.URL
	}
	if isFullRun(site.URL, seed) {
		if err := c.pages.DeleteBySite(r.teardown, site.ID); err != nil {
			err = fmt.Errorf("clear previous pages: %w", err)
			site.Status = crawler.SiteStatusFailed
			site.LastError = err.Error()
			site.StatusTime = c.clock.Now()
			if saveErr := c.saveFinal(r, site); saveErr != nil {
				err = errors.Join(err, saveErr)
			}
			metrics.ObserveRun(string(site.Status))
			logger.Error("indexing aborted", zap.Error(err))
			return site, err
		}
	}
	if total, err := c.pages.CountAll(r.teardown); err == nil {
		logger.Info("indexing started", zap.String("seed", seed), zap.Int("pages_total", total))
	}

	registry := crawler.NewRegistry()
	defer registry.Reset()
	runSite := crawler.NewRunSite(site)
	handoffCfg := c.cfg.Handoff
	handoffCfg.Label = site.URL
	queue := queuememory.NewQueue(handoffCfg)

	job := crawler.Job{
		Seed:     seed,
		HomeURL:  site.URL,
		Site:     runSite,
		Registry: registry,
		Teardown: r.teardown,
	}
	if c.consumer != nil {
		job.Handoff = queue
	}

	start := time.Now()
	var (
		g     errgroup.Group
		stats crawler.Stats
	)
	g.Go(func() error {
		defer queue.Close()
		var crawlErr error
		stats, crawlErr = c.crawler.Crawl(r.ctx, job)
		return crawlErr
	})
	if c.consumer != nil {
		g.Go(func() error {
			consumeErr := c.consumer.Consume(crawler.WithRunID(r.teardown, r.id), site, queue)
			if consumeErr != nil {
				queue.Close()
			}
			return consumeErr
		})
	}
	runErr := g.Wait()

	result := classify(runSite.Snapshot(), registry.PersistedCount(), r.stopped.Load())
	result.StatusTime = c.clock.Now()

	if err := c.saveFinal(r, result); err != nil {
		return result, errors.Join(runErr, err)
	}

	metrics.ObserveRun(string(result.Status))
	logger.Info("indexing finished",
		zap.String("status", string(result.Status)),
		zap.String("last_error", result.LastError),
		zap.Int("pages", registry.PersistedCount()),
		zap.Int64("unreachable", stats.Unreachable),
		zap.Bool("stopped", r.stopped.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, runErr
}

// saveFinal persists a terminal site state. It survives the teardown abort so
// a stopped run still records its outcome.
func (c *Controller) saveFinal(r *run, site crawler.Site) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.teardown), finalSaveTimeout)
	defer cancel()
	if err := c.sites.SaveSite(ctx, site); err != nil {
		return fmt.Errorf("save final site state: %w", err)
	}
	return nil
}

// classify derives the terminal site state from the number of persisted pages.
func classify(site crawler.Site, persisted int, stopped bool) crawler.Site {
	switch {
	case stopped:
		site.Status = crawler.SiteStatusFailed
		site.LastError = crawler.ErrTextStoppedByUser
	case persisted == 0:
		site.Status = crawler.SiteStatusFailed
		site.LastError = crawler.ErrTextHomePageUnreachable
	case persisted == 1:
		site.Status = crawler.SiteStatusFailed
		site.LastError = crawler.ErrTextSiteUnreachable
	default:
		site.Status = crawler.SiteStatusIndexed
		site.LastError = ""
	}
	return site
}

func isFullRun(siteURL, seed string) bool {
	home, err := crawler.NormalizeURL(siteURL)
	if err != nil {
		return false
	}
	normSeed, err := crawler.NormalizeURL(seed)
	if err != nil {
		return false
	}
	return home == normSeed
}
