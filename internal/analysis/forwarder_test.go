package analysis

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/sitesearch/internal/publisher/memory"
	queuememory "github.com/JakeFAU/sitesearch/internal/queue/memory"
	"github.com/JakeFAU/sitesearch/internal/storage/memory"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func fillQueue(t *testing.T, pages ...crawler.Page) *queuememory.Queue {
	t.Helper()
	q := queuememory.NewQueue(queuememory.Config{Capacity: 10, LowWater: 1})
	for _, p := range pages {
		require.NoError(t, q.Put(context.Background(), p))
	}
	q.Close()
	return q
}

func TestForwarderArchivesAndPublishes(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	f := New(blobs, pub, sha256.New(), fixedClock{}, Config{BlobPrefix: "/pages/", Topic: "page-events"}, nil)

	site := crawler.Site{ID: 4, URL: "https://example.com/"}
	q := fillQueue(t,
		crawler.Page{SiteID: 4, Path: "/", Code: 200, Content: "home"},
		crawler.Page{SiteID: 4, Path: "/a", Code: 200, Content: "about"},
	)
	require.NoError(t, f.Consume(context.Background(), site, q))
	require.Equal(t, Stats{Forwarded: 2}, f.Stats())
	require.Equal(t, 2, blobs.Len())

	homeHash, err := sha256.New().Hash([]byte("home"))
	require.NoError(t, err)
	data, contentType, ok := blobs.Object("pages/4/" + homeHash + ".html")
	require.True(t, ok)
	require.Equal(t, "home", string(data))
	require.Equal(t, "text/html; charset=utf-8", contentType)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "page-events", msgs[0].Topic)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, Notification{
		SiteID:    4,
		SiteURL:   "https://example.com/",
		Path:      "/",
		Code:      200,
		BlobURI:   "memory://pages/4/" + homeHash + ".html",
		Hash:      homeHash,
		Timestamp: "2024-05-01T12:00:00Z",
	}, note)
}

func TestForwarderKeepsDrainingAfterFailures(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	f := New(failingBlobs{}, pub, sha256.New(), fixedClock{}, Config{Topic: "page-events"}, nil)
	q := fillQueue(t,
		crawler.Page{Path: "/"},
		crawler.Page{Path: "/a"},
		crawler.Page{Path: "/b"},
	)
	require.NoError(t, f.Consume(context.Background(), crawler.Site{ID: 1}, q))
	require.Equal(t, Stats{Failed: 3}, f.Stats())
	require.Empty(t, pub.Messages())
	require.Zero(t, q.Len())
}

func TestForwarderWithoutTopicOnlyArchives(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	f := New(blobs, pub, sha256.New(), fixedClock{}, Config{}, nil)
	q := fillQueue(t, crawler.Page{Path: "/", Content: "x"})

	require.NoError(t, f.Consume(context.Background(), crawler.Site{ID: 2}, q))
	require.Equal(t, 1, blobs.Len())
	require.Empty(t, pub.Messages())
}

func TestForwarderStopsOnCancellation(t *testing.T) {
	t.Parallel()

	f := New(nil, nil, sha256.New(), fixedClock{}, Config{}, nil)
	q := queuememory.NewQueue(queuememory.Config{Capacity: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.Consume(ctx, crawler.Site{ID: 1}, q)
	require.ErrorIs(t, err, context.Canceled)
}

func TestForwarderStampsRunID(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	f := New(nil, pub, sha256.New(), fixedClock{}, Config{Topic: "page-events"}, nil)
	q := fillQueue(t, crawler.Page{SiteID: 3, Path: "/", Code: 200, Content: "home"})

	ctx := crawler.WithRunID(context.Background(), "run-42")
	require.NoError(t, f.Consume(ctx, crawler.Site{ID: 3, URL: "https://example.com/"}, q))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "run-42", note.RunID)
	require.Empty(t, note.BlobURI)
}
