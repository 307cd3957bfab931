package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/config"
	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/dispatcher"
	storememory "github.com/JakeFAU/sitesearch/internal/storage/memory"
)

func TestServer_StartIndexing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
		want     resultResponse
	}{
		{name: "started", wantCode: http.StatusOK, want: resultResponse{Result: true}},
		{
			name:     "already running",
			err:      dispatcher.ErrAlreadyRunning,
			wantCode: http.StatusOK,
			want:     resultResponse{Error: "indexing already started"},
		},
		{
			name:     "no sites",
			err:      dispatcher.ErrNoSites,
			wantCode: http.StatusBadRequest,
			want:     resultResponse{Error: "no sites configured"},
		},
		{
			name:     "store failure",
			err:      errors.New("db down"),
			wantCode: http.StatusInternalServerError,
			want:     resultResponse{Error: "db down"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			indexer := &fakeIndexer{startErr: tt.err}
			server := newTestServer(indexer, storememory.NewStore())

			rec := serve(server, http.MethodGet, "/api/startIndexing", nil)

			require.Equal(t, tt.wantCode, rec.Code)
			require.Equal(t, tt.want, decodeResult(t, rec))
			require.Equal(t, 1, indexer.startCalls())
		})
	}
}

func TestServer_StopIndexing(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeIndexer{}, storememory.NewStore())
	rec := serve(server, http.MethodGet, "/api/stopIndexing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, resultResponse{Result: true}, decodeResult(t, rec))

	idle := &fakeIndexer{stopErr: fmt.Errorf("stop indexing: %w", dispatcher.ErrNotRunning)}
	server = newTestServer(idle, storememory.NewStore())
	rec = serve(server, http.MethodGet, "/api/stopIndexing", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, resultResponse{Error: "indexing is not running"}, decodeResult(t, rec))
}

func TestServer_IndexPage_QueryAndForm(t *testing.T) {
	t.Parallel()

	indexer := &fakeIndexer{}
	server := newTestServer(indexer, storememory.NewStore())

	rec := serve(server, http.MethodPost, "/api/indexPage?url="+url.QueryEscape("https://example.com/a"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, resultResponse{Result: true}, decodeResult(t, rec))

	form := url.Values{"url": {"https://example.com/b"}}
	rec = serve(server, http.MethodPost, "/api/indexPage", form)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, indexer.indexed())
}

func TestServer_IndexPage_ValidationErrors(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{dispatcher.ErrEmptyURL, dispatcher.ErrInvalidURL, dispatcher.ErrOutOfScope} {
		indexer := &fakeIndexer{indexErr: fmt.Errorf("%w: %q", sentinel, "x")}
		server := newTestServer(indexer, storememory.NewStore())

		rec := serve(server, http.MethodPost, "/api/indexPage?url=x", nil)

		require.Equal(t, http.StatusBadRequest, rec.Code, sentinel.Error())
		got := decodeResult(t, rec)
		require.False(t, got.Result)
		require.Contains(t, got.Error, sentinel.Error())
	}
}

func TestServer_IndexPage_RejectsGet(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeIndexer{}, storememory.NewStore())
	rec := serve(server, http.MethodGet, "/api/indexPage?url=https://example.com", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Statistics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewStore()
	site, err := store.UpsertByURL(ctx, crawler.SiteConfig{URL: "https://example.com/", Name: "Example"})
	require.NoError(t, err)
	site.Status = crawler.SiteStatusFailed
	site.LastError = crawler.ErrTextSiteUnreachable
	site.StatusTime = time.UnixMilli(1_700_000_000_000)
	require.NoError(t, store.SaveSite(ctx, site))
	_, err = store.UpsertByURL(ctx, crawler.SiteConfig{URL: "https://other.example.org/", Name: "Other"})
	require.NoError(t, err)
	for _, path := range []string{"/", "/a", "/b"} {
		require.NoError(t, store.SavePage(ctx, &crawler.Page{SiteID: site.ID, Path: path, Code: 200}))
	}

	server := newTestServer(&fakeIndexer{running: true}, store)
	rec := serve(server, http.MethodGet, "/api/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statisticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Result)
	require.Equal(t, totalStatistics{Sites: 2, Pages: 3, Indexing: true}, resp.Statistics.Total)
	require.Len(t, resp.Statistics.Detailed, 2)

	byURL := map[string]siteStatistics{}
	for _, d := range resp.Statistics.Detailed {
		byURL[d.URL] = d
	}
	first := byURL["https://example.com/"]
	require.Equal(t, "Example", first.Name)
	require.Equal(t, string(crawler.SiteStatusFailed), first.Status)
	require.Equal(t, crawler.ErrTextSiteUnreachable, first.Error)
	require.Equal(t, int64(1_700_000_000_000), first.StatusTime)
	require.Equal(t, 3, first.Pages)
	require.Equal(t, 0, byURL["https://other.example.org/"].Pages)
}

func TestServer_HealthReadyAndMetrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeIndexer{}, storememory.NewStore())

	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ReadyzUnavailable(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeIndexer{}, failingSiteStore{}, storememory.NewStore(), config.Config{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RequestIDPropagated(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeIndexer{}, storememory.NewStore())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(&fakeIndexer{}, storememory.NewStore(), storememory.NewStore(), cfg, zap.NewNop())

	rec := serve(server, http.MethodGet, "/api/stopIndexing", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stopIndexing", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/api/stopIndexing?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	handler := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "request timed out")
}

func newTestServer(indexer Indexer, store *storememory.Store) *Server {
	return NewServer(indexer, store, store, config.Config{}, zap.NewNop())
}

func serve(server *Server, method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) resultResponse {
	t.Helper()
	var got resultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	return got
}

type fakeIndexer struct {
	startErr error
	stopErr  error
	indexErr error
	running  bool

	mu      sync.Mutex
	starts  int
	targets []string
}

func (f *fakeIndexer) StartAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeIndexer) StopAll() error {
	return f.stopErr
}

func (f *fakeIndexer) IndexPage(rawURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return f.indexErr
	}
	f.targets = append(f.targets, rawURL)
	return nil
}

func (f *fakeIndexer) IsRunning() bool {
	return f.running
}

func (f *fakeIndexer) startCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeIndexer) indexed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...)
}

type failingSiteStore struct {
	crawler.SiteStore
}

func (failingSiteStore) ListSites(context.Context) ([]crawler.Site, error) {
	return nil, errors.New("unavailable")
}
