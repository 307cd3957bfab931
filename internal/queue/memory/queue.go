// Package memory provides the bounded in-memory handoff queue between the
// crawl engine and the analysis consumer.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// Defaults applied when Config fields are zero.
const (
	DefaultCapacity       = 100
	DefaultLowWater       = 5
	DefaultInitialBackoff = 10 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Put after Close.
var ErrClosed = crawler.ErrQueueClosed

// Config tunes a Queue.
type Config struct {
	Capacity int
	// LowWater is the free capacity below which producers back off before
	// trying to send.
	LowWater       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Label identifies the queue in metrics, usually the site URL.
	Label string
}

// Queue is a bounded FIFO of pages with producer backpressure.
type Queue struct {
	cfg  Config
	ch   chan crawler.Page
	done chan struct{}
	once sync.Once
}

// NewQueue constructs a queue, filling zero config fields with defaults.
func NewQueue(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = DefaultLowWater
	}
	if cfg.LowWater > cfg.Capacity {
		cfg.LowWater = cfg.Capacity
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Queue{
		cfg:  cfg,
		ch:   make(chan crawler.Page, cfg.Capacity),
		done: make(chan struct{}),
	}
}

// Put enqueues page. While free capacity is under the low-water mark it
// sleeps with exponential backoff capped at MaxBackoff, then blocks on the
// send. It returns early when ctx ends or the queue is closed.
func (q *Queue) Put(ctx context.Context, page crawler.Page) error {
	// select alone picks randomly between done and a free slot.
	if q.Closed() {
		return ErrClosed
	}
	backoff := q.cfg.InitialBackoff
	for q.Free() < q.cfg.LowWater {
		metrics.ObserveBackoff(q.cfg.Label)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("put canceled: %w", ctx.Err())
		case <-q.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
		backoff = min(backoff*2, q.cfg.MaxBackoff)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("put canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- page:
		metrics.SetQueueDepth(q.cfg.Label, len(q.ch))
		return nil
	}
}

// Dequeue pops the next page. After Close it keeps returning buffered pages
// and then ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Page, error) {
	select {
	case page := <-q.ch:
		return q.took(page), nil
	default:
	}

	select {
	case <-ctx.Done():
		return crawler.Page{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case page := <-q.ch:
		return q.took(page), nil
	case <-q.done:
		select {
		case page := <-q.ch:
			return q.took(page), nil
		default:
			return crawler.Page{}, ErrClosed
		}
	}
}

func (q *Queue) took(page crawler.Page) crawler.Page {
	metrics.SetQueueDepth(q.cfg.Label, len(q.ch))
	return page
}

// Close marks the producer as finished. It is safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered pages.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Free returns the remaining capacity.
func (q *Queue) Free() int { return cap(q.ch) - len(q.ch) }
