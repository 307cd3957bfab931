package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, crawlPagesTotal)
	require.NotNil(t, indexingRunsTotal)

	before := testutil.ToFloat64(crawlPagesTotal.WithLabelValues("init.example", PagePersisted))
	ObservePage("https://init.example/a", PagePersisted, 10)
	require.InDelta(t, before+1, testutil.ToFloat64(crawlPagesTotal.WithLabelValues("init.example", PagePersisted)), 0.001)
	require.InDelta(t, 10, testutil.ToFloat64(crawlBytesTotal.WithLabelValues("init.example")), 0.001)
}

func TestActiveRunsGauge(t *testing.T) {
	IncActiveRuns()
	start := testutil.ToFloat64(indexingActiveRuns)
	IncActiveRuns()
	require.InDelta(t, start+1, testutil.ToFloat64(indexingActiveRuns), 0.001)
	DecActiveRuns()
	DecActiveRuns()
	require.InDelta(t, start-1, testutil.ToFloat64(indexingActiveRuns), 0.001)
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	Init()
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), 0.001)
	require.GreaterOrEqual(t, testutil.CollectAndCount(httpRequestDurationSeconds), 1)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
