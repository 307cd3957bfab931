package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/stretchr/testify/require"
)

func TestStoreUpsertByURLIsStable(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	first, err := store.UpsertByURL(ctx, crawler.SiteConfig{URL: "https://a.example/", Name: "A"})
	require.NoError(t, err)
	require.Equal(t, crawler.SiteStatusIndexing, first.Status)

	again, err := store.UpsertByURL(ctx, crawler.SiteConfig{URL: "https://a.example/", Name: "A renamed"})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, "A renamed", again.Name)

	other, err := store.UpsertByURL(ctx, crawler.SiteConfig{URL: "https://b.example/"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	sites, err := store.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	require.Equal(t, first.ID, sites[0].ID)

	_, err = store.UpsertByURL(ctx, crawler.SiteConfig{})
	require.Error(t, err)
}

func TestStoreSaveAndGetSite(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	site, err := store.UpsertByURL(ctx, crawler.SiteConfig{URL: "https://a.example/"})
	require.NoError(t, err)

	site.Status = crawler.SiteStatusFailed
	site.LastError = crawler.ErrTextSiteUnreachable
	require.NoError(t, store.SaveSite(ctx, site))

	got, err := store.GetSite(ctx, site.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.SiteStatusFailed, got.Status)
	require.Equal(t, crawler.ErrTextSiteUnreachable, got.LastError)

	exists, err := store.ExistsByStatus(ctx, crawler.SiteStatusFailed)
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = store.ExistsByStatus(ctx, crawler.SiteStatusIndexed)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = store.GetSite(ctx, 999)
	require.ErrorIs(t, err, crawler.ErrSiteNotFound)
	require.ErrorIs(t, store.SaveSite(ctx, crawler.Site{ID: 999}), crawler.ErrSiteNotFound)
}

func TestStorePagesUpsertOnSiteAndPath(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	home := &crawler.Page{SiteID: 1, Path: "/", Code: 200, Content: "v1"}
	require.NoError(t, store.SavePage(ctx, home))
	require.NotZero(t, home.ID)

	replaced := &crawler.Page{SiteID: 1, Path: "/", Code: 200, Content: "v2"}
	require.NoError(t, store.SavePage(ctx, replaced))
	require.Equal(t, home.ID, replaced.ID)

	require.NoError(t, store.SavePage(ctx, &crawler.Page{SiteID: 1, Path: "/a", Code: 200}))
	require.NoError(t, store.SavePage(ctx, &crawler.Page{SiteID: 2, Path: "/", Code: 200}))

	count, err := store.CountBySite(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	total, err := store.CountAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, total)

	page, ok := store.Page(1, "/")
	require.True(t, ok)
	require.Equal(t, "v2", page.Content)

	require.NoError(t, store.DeleteBySite(ctx, 1))
	count, err = store.CountBySite(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, count)
	total, err = store.CountAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, total)
}
