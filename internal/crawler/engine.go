package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/sitesearch/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EngineConfig holds tuning knobs for the crawl engine.
type EngineConfig struct {
	// Parallelism bounds concurrently executing fetch tasks per crawl.
	// Zero means runtime.NumCPU().
	Parallelism int
}

// Engine runs fork/join crawls over one site at a time.
type Engine struct {
	cfg     EngineConfig
	fetcher Fetcher
	pages   PageStore
	limiter Limiter
	clock   Clock
	logger  *zap.Logger
}

// Job describes one crawl invocation.
type Job struct {
	// Seed is the first URL fetched.
	Seed string
	// HomeURL is the site root; page paths are relative to it and child links
	// must start with it.
	HomeURL string
	// Site receives fetch-local errors and provides the SiteID of saved pages.
	Site *RunSite
	// Registry holds the run's dedup sets.
	Registry *Registry
	// Handoff receives every persisted page. Optional.
	Handoff Handoff
	// Teardown bounds in-flight fetches and saves. When nil the crawl context
	// without its cancellation is used.
	Teardown context.Context
}

// NewEngine wires an engine with its collaborators. limiter may be nil.
func NewEngine(
	cfg EngineConfig,
	fetcher Fetcher,
	pages PageStore,
	limiter Limiter,
	clock Clock,
	logger *zap.Logger,
) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		pages:   pages,
		limiter: limiter,
		clock:   clock,
		logger:  logger,
	}
}

// Crawl visits job.Seed and every reachable in-scope document, returning when
// all tasks of the crawl have finished. Cancelling ctx stops new tasks and new
// fetches; tasks already fetching run until job.Teardown is cancelled.
func (e *Engine) Crawl(ctx context.Context, job Job) (Stats, error) {
	if job.Site == nil || job.Registry == nil {
		return Stats{}, errors.New("crawl job requires a site and a registry")
	}
	home, err := NormalizeURL(job.HomeURL)
	if err != nil {
		return Stats{}, fmt.Errorf("home url: %w", err)
	}
	seed, err := NormalizeURL(job.Seed)
	if err != nil {
		return Stats{}, fmt.Errorf("seed url: %w", err)
	}
	if !InScope(seed, home) {
		return Stats{}, fmt.Errorf("seed %q is outside %q", seed, home)
	}
	teardown := job.Teardown
	if teardown == nil {
		teardown = context.WithoutCancel(ctx)
	}

	c := &crawl{
		engine:   e,
		job:      job,
		home:     home,
		teardown: teardown,
		sem:      semaphore.NewWeighted(int64(e.cfg.Parallelism)),
		logger:   e.logger.With(zap.Int64("site_id", job.Site.ID()), zap.String("home", home)),
	}
	c.spawn(ctx, seed)
	c.tasks.Wait()

	stats := c.stats()
	c.logger.Info("crawl finished",
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("persisted", stats.Persisted),
		zap.Int64("unreachable", stats.Unreachable),
		zap.Int64("skipped", stats.Skipped),
	)
	return stats, nil
}

type crawl struct {
	engine   *Engine
	job      Job
	home     string
	teardown context.Context
	sem      *semaphore.Weighted
	logger   *zap.Logger

	// tasks counts live tasks. A child is added before its parent finishes,
	// so Wait returns only when the whole tree is done.
	tasks sync.WaitGroup

	fetched     atomic.Int64
	persisted   atomic.Int64
	unreachable atomic.Int64
	skipped     atomic.Int64
}

func (c *crawl) spawn(ctx context.Context, target string) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		for _, child := range c.visit(ctx, target) {
			if ctx.Err() != nil {
				return
			}
			if c.job.Registry.IsVisited(child) {
				continue
			}
			c.spawn(ctx, child)
		}
	}()
}

// visit runs one fetch task and returns the links it may fork.
func (c *crawl) visit(ctx context.Context, target string) []string {
	if ctx.Err() != nil || !c.job.Registry.MarkVisited(target) {
		c.skipped.Add(1)
		metrics.ObservePage(c.home, metrics.PageSkipped, 0)
		return nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.skipped.Add(1)
		return nil
	}
	defer c.sem.Release(1)

	if c.engine.limiter != nil {
		if err := c.engine.limiter.Wait(ctx, target); err != nil {
			c.skipped.Add(1)
			return nil
		}
	}
	if ctx.Err() != nil {
		c.skipped.Add(1)
		return nil
	}

	resp, err := c.engine.fetcher.Fetch(c.teardown, target)
	if err != nil {
		c.markUnreachable(target, err.Error())
		return nil
	}
	c.fetched.Add(1)
	if !IsAcceptableContentType(resp.ContentType) {
		c.markUnreachable(target, fmt.Sprintf("unsupported content type %q for %s", resp.ContentType, target))
		return nil
	}

	base := resp.URL
	if base == "" {
		base = target
	}
	doc, err := SanitizeDocument(resp.Body, base)
	if err != nil {
		c.markUnreachable(target, err.Error())
		return nil
	}

	c.persist(target, resp, doc)
	return FilterChildLinks(target, c.home, doc.Links(), c.job.Registry)
}

func (c *crawl) persist(target string, resp FetchResponse, doc Document) {
	path := PathFor(target, c.home)
	if !c.job.Registry.MarkPersisted(path) {
		return
	}
	page := Page{
		SiteID:  c.job.Site.ID(),
		Path:    path,
		Code:    resp.StatusCode,
		Content: doc.HTML,
	}
	if err := c.engine.pages.SavePage(c.teardown, &page); err != nil {
		c.job.Registry.UnmarkPersisted(path)
		c.job.Site.RecordError(fmt.Sprintf("save %s: %v", path, err), c.engine.clock.Now())
		c.logger.Warn("page save failed", zap.String("path", path), zap.Error(err))
		return
	}
	c.persisted.Add(1)
	metrics.ObservePage(c.home, metrics.PagePersisted, len(resp.Body))
	c.logger.Debug("page saved", zap.String("path", path), zap.Int("code", page.Code))

	if c.job.Handoff == nil {
		return
	}
	if err := c.job.Handoff.Put(c.teardown, page); err != nil {
		c.logger.Warn("page handoff failed", zap.String("path", path), zap.Error(err))
	}
}

func (c *crawl) markUnreachable(target, msg string) {
	c.job.Registry.MarkUnreachable(target)
	c.job.Site.RecordError(msg, c.engine.clock.Now())
	c.unreachable.Add(1)
	metrics.ObservePage(c.home, metrics.PageUnreachable, 0)
	c.logger.Warn("page unreachable", zap.String("url", target), zap.String("error", msg))
}

func (c *crawl) stats() Stats {
	return Stats{
		Fetched:     c.fetched.Load(),
		Persisted:   c.persisted.Load(),
		Unreachable: c.unreachable.Load(),
		Skipped:     c.skipped.Load(),
	}
}
