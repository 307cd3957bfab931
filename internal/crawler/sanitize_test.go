package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeDocument(t *testing.T) {
	t.Parallel()

	body := []byte(`<!DOCTYPE html>
<html>
<head>
  <title>Home</title>
  <meta name="description" content="ignored">
  <style>body { color: red; }</style>
</head>
<body>
  <h1 onclick="steal()">Hello</h1>
  <script>alert("x")</script>
  <p>Read <a href="/a" onmouseover="x()">this</a> and <a href="b.html">that</a>.</p>
  <form action="/post"><input name="q"></form>
</body>
</html>`)

	doc, err := SanitizeDocument(body, "https://example.com/dir/")
	require.NoError(t, err)

	require.Equal(t, "Home", doc.Title)
	require.Contains(t, doc.HTML, "<title>Home</title>")
	require.Contains(t, doc.HTML, "<h1>Hello</h1>")
	require.Contains(t, doc.HTML, `<a href="/a">this</a>`)
	require.NotContains(t, doc.HTML, "script")
	require.NotContains(t, doc.HTML, "alert")
	require.NotContains(t, doc.HTML, "onclick")
	require.NotContains(t, doc.HTML, "onmouseover")
	require.NotContains(t, doc.HTML, "color: red")
	require.NotContains(t, doc.HTML, "<form")
	require.NotContains(t, doc.HTML, "<meta")

	require.Equal(t, []string{"https://example.com/a", "https://example.com/dir/b.html"}, doc.Links())
}

func TestSanitizeDocumentWithoutTitle(t *testing.T) {
	t.Parallel()

	doc, err := SanitizeDocument([]byte(`<p>plain</p>`), "https://example.com/")
	require.NoError(t, err)
	require.Empty(t, doc.Title)
	require.Contains(t, doc.HTML, "<title></title>")
	require.Contains(t, doc.HTML, "<p>plain</p>")
	require.Empty(t, doc.Links())
}
