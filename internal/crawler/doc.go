// Package crawler implements the site crawl engine together with the domain
// types, collaborator interfaces, dedup registry, link filter and HTML
// sanitizer that the indexing run orchestrator builds on.
package crawler
