package crawler

import "sync"

// Registry tracks the URLs and paths one indexing run has already handled.
// Every check-and-mark happens under a single mutex so two tasks racing on the
// same key can never both win.
type Registry struct {
	mu          sync.Mutex
	visited     map[string]struct{}
	unreachable map[string]struct{}
	persisted   map[string]struct{}
}

// NewRegistry returns an empty run-scoped registry.
func NewRegistry() *Registry {
	return &Registry{
		visited:     make(map[string]struct{}),
		unreachable: make(map[string]struct{}),
		persisted:   make(map[string]struct{}),
	}
}

// MarkVisited stores the URL if it has not been seen before and returns true.
// The caller that receives true owns the fetch of that URL for the run.
func (r *Registry) MarkVisited(url string) bool {
	if url == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return insertIfAbsent(r.visited, url)
}

// MarkUnreachable records a URL whose fetch failed or was rejected.
func (r *Registry) MarkUnreachable(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable[url] = struct{}{}
}

// MarkPersisted stores the path if no page was saved for it yet and returns true.
func (r *Registry) MarkPersisted(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return insertIfAbsent(r.persisted, path)
}

// UnmarkPersisted releases a path whose save failed so a later task may retry it.
func (r *Registry) UnmarkPersisted(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.persisted, path)
}

// IsVisited reports whether a fetch was attempted for url.
func (r *Registry) IsVisited(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.visited[url]
	return ok
}

// IsUnreachable reports whether url failed during this run.
func (r *Registry) IsUnreachable(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.unreachable[url]
	return ok
}

// IsPersisted reports whether a page was saved for path.
func (r *Registry) IsPersisted(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.persisted[path]
	return ok
}

// PersistedCount returns the number of pages saved during the run.
func (r *Registry) PersistedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.persisted)
}

// Len returns the total number of entries across all sets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visited) + len(r.unreachable) + len(r.persisted)
}

// Reset drops every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.visited)
	clear(r.unreachable)
	clear(r.persisted)
}

func insertIfAbsent(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = struct{}{}
	return true
}
