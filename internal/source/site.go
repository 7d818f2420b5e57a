// Package source talks to the syllabus web site: it builds page URLs,
// fetches them and hands the markup to the list and detail readers.
package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/syllabus-indexer/internal/extract"
	"github.com/JakeFAU/syllabus-indexer/internal/listing"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// DefaultBaseURL is the public syllabus site.
const DefaultBaseURL = "https://www.syllabus.kit.ac.jp/"

// DefaultCategory is the search key listing every subject.
const DefaultCategory = "99"

// Site reads list and detail pages through a Fetcher.
type Site struct {
	base    *url.URL
	fetcher syllabus.Fetcher
}

// NewSite parses baseURL and wraps fetcher.
func NewSite(baseURL string, fetcher syllabus.Fetcher) (*Site, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse source base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("source base url %q must be absolute", baseURL)
	}
	return &Site{base: base, fetcher: fetcher}, nil
}

// ListURL returns the URL of result page n for a search category.
func (s *Site) ListURL(category string, page int) string {
	return s.withQuery("c", "search_list", "sk", category, "page", strconv.Itoa(page))
}

// DetailURL returns the URL of the subject detail page.
func (s *Site) DetailURL(key int) string {
	return s.withQuery("c", "detail", "pk", strconv.Itoa(key))
}

// withQuery keeps parameters in the order given, matching the links the
// site renders itself.
func (s *Site) withQuery(pairs ...string) string {
	u := *s.base
	var buf bytes.Buffer
	for i := 0; i+1 < len(pairs); i += 2 {
		if buf.Len() > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(url.QueryEscape(pairs[i]))
		buf.WriteByte('=')
		buf.WriteString(url.QueryEscape(pairs[i+1]))
	}
	u.RawQuery = buf.String()
	return u.String()
}

// ListPage fetches and reads result page n.
func (s *Site) ListPage(ctx context.Context, category string, page int) (syllabus.ListPage, error) {
	doc, _, err := s.load(ctx, s.ListURL(category, page))
	if err != nil {
		return syllabus.ListPage{}, err
	}
	result, err := listing.Read(doc, page)
	if err != nil {
		return syllabus.ListPage{}, fmt.Errorf("read list page %d: %w", page, err)
	}
	return result, nil
}

// Subject fetches and extracts a detail page. The raw markup is returned for
// archiving.
func (s *Site) Subject(ctx context.Context, key int) (syllabus.LocalizedSubject, []byte, error) {
	doc, raw, err := s.load(ctx, s.DetailURL(key))
	if err != nil {
		return syllabus.LocalizedSubject{}, nil, err
	}
	subject, err := extract.Subject(doc, key)
	if err != nil {
		return syllabus.LocalizedSubject{}, raw, fmt.Errorf("extract subject %d: %w", key, err)
	}
	return subject, raw, nil
}

func (s *Site) load(ctx context.Context, target string) (*goquery.Document, []byte, error) {
	page, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, nil, &syllabus.ParseError{Op: "html", Reason: err.Error()}
	}
	return doc, page.Body, nil
}
