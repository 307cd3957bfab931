package crawler

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/kennygrant/sanitize"
)

// Tags kept by the sanitizer; everything else is stripped, and script-like
// elements are dropped together with their content.
var allowedTags = []string{
	"a", "b", "blockquote", "br", "caption", "cite", "code", "col", "colgroup", "dd", "div", "dl", "dt",
	"em", "h1", "h2", "h3", "h4", "h5", "h6", "i", "img", "li", "ol", "p", "pre", "q", "small", "span",
	"strike", "strong", "sub", "sup", "table", "tbody", "td", "tfoot", "th", "thead", "tr", "u", "ul",
}

var allowedAttributes = []string{
	"href", "src", "alt", "title", "cite", "class", "colspan", "rowspan", "span", "width", "height",
	"align", "abbr", "axis", "scope", "start", "type", "summary", "lang",
}

// Document is a sanitized HTML page.
type Document struct {
	Title string
	HTML  string
	links []string
}

// Links returns the absolute targets of the document's anchors.
func (d Document) Links() []string {
	out := make([]string, len(d.links))
	copy(out, d.links)
	return out
}

// SanitizeDocument cleans body against the tag and attribute allow-list,
// restores the original title and collects anchor targets resolved against baseURL.
func SanitizeDocument(body []byte, baseURL string) (Document, error) {
	original, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(original.Find("title").First().Text())

	cleaned, err := sanitize.HTMLAllowing(string(body), allowedTags, allowedAttributes)
	if err != nil {
		return Document{}, fmt.Errorf("sanitize html: %w", err)
	}

	var b strings.Builder
	b.WriteString("<html><head><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head><body>")
	b.WriteString(strings.TrimSpace(cleaned))
	b.WriteString("</body></html>")

	doc := Document{Title: title, HTML: b.String()}
	doc.links, err = extractLinks(doc.HTML, baseURL)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func extractLinks(markup, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse sanitized html: %w", err)
	}
	var links []string
	parsed.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		links = append(links, base.ResolveReference(ref).String())
	})
	return links, nil
}
