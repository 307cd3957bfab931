package crawler

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

var acceptableContentTypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
}

var documentExtensions = map[string]struct{}{
	"html": {}, "htm": {}, "xhtml": {}, "shtml": {},
	"php": {}, "asp": {}, "aspx": {}, "jsp": {},
}

// Extensions of links that never lead to an HTML document.
var fileExtensions = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "bmp": {}, "webp": {}, "svg": {}, "ico": {}, "tif": {}, "tiff": {},
	"pdf": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "ppt": {}, "pptx": {}, "odt": {}, "ods": {}, "rtf": {},
	"txt": {}, "csv": {}, "xml": {}, "json": {}, "rss": {}, "atom": {},
	"zip": {}, "rar": {}, "7z": {}, "tar": {}, "gz": {}, "tgz": {}, "bz2": {}, "xz": {},
	"exe": {}, "msi": {}, "dmg": {}, "iso": {}, "apk": {}, "bin": {},
	"mp3": {}, "mp4": {}, "avi": {}, "mov": {}, "mkv": {}, "wmv": {}, "flv": {}, "webm": {}, "wav": {}, "ogg": {}, "m4a": {},
	"css": {}, "js": {}, "woff": {}, "woff2": {}, "ttf": {}, "eot": {}, "otf": {},
}

// IsAcceptableContentType reports whether a Content-Type header names an HTML-like document.
func IsAcceptableContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := acceptableContentTypes[strings.ToLower(mediaType)]
	return ok
}

// IsDocumentLink reports whether the URL looks like it leads to a document.
// Links without an extension, or with an unknown one, count as documents.
func IsDocumentLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	if ext == "" {
		return true
	}
	if _, ok := documentExtensions[ext]; ok {
		return true
	}
	_, isFile := fileExtensions[ext]
	return !isFile
}

// FilterChildLinks keeps the links a task may fork: inside scope, without a
// fragment, different from the current URL, unknown to the registry and
// document-like. Hrefs must already be absolute; the result is normalized and
// free of duplicates.
func FilterChildLinks(currentURL, scopeURL string, hrefs []string, reg *Registry) []string {
	seen := make(map[string]struct{}, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		if href == "" || strings.Contains(href, "#") {
			continue
		}
		link, err := NormalizeURL(href)
		if err != nil {
			continue
		}
		if link == currentURL || !InScope(link, scopeURL) {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		if reg != nil && known(reg, link, scopeURL) {
			continue
		}
		if !IsDocumentLink(link) {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

// known checks the URL-keyed sets by link and the persisted set by the path
// the link would be saved under.
func known(reg *Registry, link, scopeURL string) bool {
	return reg.IsVisited(link) || reg.IsUnreachable(link) || reg.IsPersisted(PathFor(link, scopeURL))
}
