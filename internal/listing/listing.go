// Package listing reads one page of the syllabus search result listing.
package listing

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/syllabus-indexer/internal/htmltext"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// categorySeparator joins the levels of a category group header.
const categorySeparator = "＞"

var primaryKeyPattern = regexp.MustCompile(`pk=(\d+)`)

// Read parses list page number page into summaries and pagination flags.
func Read(doc *goquery.Document, page int) (syllabus.ListPage, error) {
	result := syllabus.ListPage{
		Items:       []syllabus.LocalizedSummary{},
		HasNext:     linksToPage(doc, page+1),
		HasPrevious: page > 1 && linksToPage(doc, page-1),
	}

	tables := doc.Find(".data_list_tbl > tbody")
	headers := doc.Find(".data_list_header")
	if tables.Length() != headers.Length() {
		err := syllabus.NewParseError("list", "%d category headers for %d data tables", headers.Length(), tables.Length())
		err.Page = page
		return syllabus.ListPage{}, err
	}

	var parseErr error
	tables.EachWithBreak(func(i int, tbody *goquery.Selection) bool {
		header := headers.Eq(i)
		categoryJA := splitCategory(htmltext.FirstChildText(header))
		categoryEN := splitCategory(htmltext.LastChildText(header))

		tbody.Find("tr:not(:first-child)").EachWithBreak(func(_ int, row *goquery.Selection) bool {
			if row.Find("td").Length() == 0 {
				return true
			}
			item, err := readRow(row, categoryJA, categoryEN)
			if err != nil {
				err.Page = page
				parseErr = err
				return false
			}
			result.Items = append(result.Items, item)
			return true
		})
		return parseErr == nil
	})
	if parseErr != nil {
		return syllabus.ListPage{}, parseErr
	}
	return result, nil
}

func readRow(row *goquery.Selection, categoryJA, categoryEN []string) (syllabus.LocalizedSummary, *syllabus.ParseError) {
	cells := row.Children()
	titleCell := cells.Eq(1)

	action := htmltext.Attr(titleCell.Find("form").First(), "action")
	m := primaryKeyPattern.FindStringSubmatch(action)
	if m == nil {
		return syllabus.LocalizedSummary{}, syllabus.NewParseError("list", "row without primary key in form action %q", action)
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return syllabus.LocalizedSummary{}, syllabus.NewParseError("list", "primary key %q: %v", m[1], err)
	}

	link := titleCell.Find("a").First()
	ja := syllabus.Summary{
		ID:          id,
		TimetableID: htmltext.Blank(strings.TrimSpace(cells.Eq(0).Text())),
		Title:       strings.TrimSpace(htmltext.FirstChildText(link)),
		Class:       strings.TrimSpace(htmltext.FirstChildText(cells.Eq(2))),
		Type:        strings.TrimSpace(htmltext.FirstChildText(cells.Eq(3))),
		Credits:     parseCredits(cells.Eq(4).Text()),
		Category:    categoryJA,
	}
	en := ja
	en.Title = strings.TrimSpace(htmltext.LastChildText(link))
	en.Class = strings.TrimSpace(htmltext.LastChildText(cells.Eq(2)))
	en.Type = strings.TrimSpace(htmltext.LastChildText(cells.Eq(3)))
	en.Category = categoryEN
	return syllabus.LocalizedSummary{JA: ja, EN: en}, nil
}

// linksToPage reports whether any link carries page=n as its page parameter.
func linksToPage(doc *goquery.Document, n int) bool {
	if n < 1 {
		return false
	}
	want := strconv.Itoa(n)
	return doc.Find("[href]").FilterFunction(func(_ int, sel *goquery.Selection) bool {
		href := htmltext.Attr(sel, "href")
		u, err := url.Parse(href)
		if err != nil {
			return false
		}
		return u.Query().Get("page") == want
	}).Length() > 0
}

func splitCategory(raw string) []string {
	parts := []string{}
	for _, p := range strings.Split(htmltext.StripLayout(raw), categorySeparator) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// parseCredits returns syllabus.CreditsUnknown for non-numeric cells.
func parseCredits(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return syllabus.CreditsUnknown
	}
	return n
}
