// Package htmltext holds the text normalization rules shared by the list and
// detail page readers.
package htmltext

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Placeholder is the literal the source uses for an empty cell.
const Placeholder = "-"

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

var layoutWhitespace = strings.NewReplacer("\r", "", "\n", "", "\t", "")

// Blank maps the placeholder to the empty string.
func Blank(s string) string {
	if s == Placeholder {
		return ""
	}
	return s
}

// Cell renders the direct children of a cell: text without line breaks,
// <br> as a newline and links as their href. The placeholder becomes "".
func Cell(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	return Blank(NodeText(sel.Get(0)))
}

// NodeText renders the direct children of n using the Cell rules.
func NodeText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			b.WriteString(lineBreaks.Replace(c.Data))
		case html.ElementNode:
			switch c.Data {
			case "br":
				b.WriteByte('\n')
			case "a":
				b.WriteString(attr(c, "href"))
			}
		}
	}
	return norm.NFC.String(b.String())
}

// Content returns the concatenated text of n and its descendants.
func Content(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// Trimmed returns the selection text with surrounding space removed and the
// placeholder mapped to "".
func Trimmed(sel *goquery.Selection) string {
	return Blank(norm.NFC.String(strings.TrimSpace(sel.Text())))
}

// FirstChildText is the text content of the first child node of the first
// matched element, including bare text nodes.
func FirstChildText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	return Content(sel.Get(0).FirstChild)
}

// LastChildText is the text content of the last child node of the first
// matched element, including bare text nodes.
func LastChildText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	return Content(sel.Get(0).LastChild)
}

// StripLayout removes CR, LF and tab characters and trims the result.
func StripLayout(s string) string {
	return norm.NFC.String(strings.TrimSpace(layoutWhitespace.Replace(s)))
}

// Attr returns the named attribute of the first matched element.
func Attr(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return v
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
