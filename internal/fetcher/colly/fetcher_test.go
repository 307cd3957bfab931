package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchReturnsBodyAndSendsIdentity(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	t.Cleanup(srv.Close)

	resp, err := New(Config{}).Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html; charset=utf-8", resp.ContentType)
	require.Equal(t, "<html><body>ok</body></html>", string(resp.Body))
	require.Equal(t, srv.URL+"/page", resp.URL)
	got := <-headers
	require.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	require.Equal(t, DefaultReferrer, got.Get("Referer"))
}

func TestFetchAllowsRepeatedVisits(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("again"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "test-agent"})
	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		require.Equal(t, "again", string(resp.Body))
	}
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := New(Config{}).Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := New(Config{Timeout: 10 * time.Second}).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{RespectRobots: true})
	require.Equal(t, DefaultUserAgent, f.cfg.UserAgent)
	require.Equal(t, DefaultTimeout, f.cfg.Timeout)
	require.False(t, f.base.IgnoreRobotsTxt)
	require.True(t, f.base.AllowURLRevisit)
}
