// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sitesearch/internal/crawler"
)

// Request identity sent with every fetch unless overridden.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows; U; WindowsNT 5.1; en-US; rv1.8.1.6) Gecko/20070725 Firefox/2.0.0.6"
	DefaultReferrer  = "http://www.google.com"
	DefaultTimeout   = 15 * time.Second
	DefaultMaxBody   = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Referrer      string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
}

// Fetcher implements crawler.Fetcher using a Colly collector cloned per request.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher, filling zero config fields with defaults.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Referrer == "" {
		cfg.Referrer = DefaultReferrer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBody
	}

	// The crawl registry decides what to visit, so colly's own visited set is bypassed.
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Fetcher{cfg: cfg, base: c}
}

// Fetch executes a single HTTP GET. Non-2xx responses and transport failures are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.base.Clone()
	collector.Context = ctx
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Referer", f.cfg.Referrer)
	})
	collector.OnResponse(func(r *colly.Response) {
		result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.ContentType = r.Headers.Get("Content-Type")
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s canceled: %w", rawURL, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		return result, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
