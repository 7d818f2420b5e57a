package listing

import (
	"fmt"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

const rowTemplate = `<tr>
<td>%s</td>
<td><form action="./?c=detail&amp;pk=%d" method="post"></form><a href="#">%s<br>%s</a></td>
<td>前<br>A</td>
<td>講義<br>Lecture</td>
<td>%s</td>
</tr>`

func page(t *testing.T, links string, tables ...string) *goquery.Document {
	t.Helper()
	var b strings.Builder
	b.WriteString("<html><body>")
	b.WriteString(links)
	for i, tbl := range tables {
		fmt.Fprintf(&b, `<div class="data_list_header">工芸科学部＞機械工学課程 %d<br>School＞Mechanical %d</div>`, i, i)
		fmt.Fprintf(&b, `<table class="data_list_tbl"><tbody><tr><th>header</th></tr>%s</tbody></table>`, tbl)
	}
	b.WriteString("</body></html>")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(b.String()))
	require.NoError(t, err)
	return doc
}

func row(timetable string, pk int, ja, en, credits string) string {
	return fmt.Sprintf(rowTemplate, timetable, pk, ja, en, credits)
}

func TestReadItemsAndPagination(t *testing.T) {
	t.Parallel()

	doc := page(t,
		`<a href="./?c=search_list&sk=99&page=1">1</a><a href="./?c=search_list&sk=99&page=3">3</a>`,
		row("12345", 101, "線形代数", "Linear Algebra", "2")+
			`<tr><th colspan="5">subheader</th></tr>`+
			row("-", 102, "解析学", "Analysis", "-"),
		row("999", 103, "物理", "Physics", "1"),
	)

	got, err := Read(doc, 2)
	require.NoError(t, err)
	require.True(t, got.HasNext)
	require.True(t, got.HasPrevious)
	require.Len(t, got.Items, 3)

	first := got.Items[0]
	require.Equal(t, syllabus.Summary{
		ID:          101,
		TimetableID: "12345",
		Title:       "線形代数",
		Class:       "前",
		Type:        "講義",
		Credits:     2,
		Category:    []string{"工芸科学部", "機械工学課程 0"},
	}, first.JA)
	require.Equal(t, "Linear Algebra", first.EN.Title)
	require.Equal(t, "A", first.EN.Class)
	require.Equal(t, "Lecture", first.EN.Type)
	require.Equal(t, []string{"School", "Mechanical 0"}, first.EN.Category)

	second := got.Items[1]
	require.Equal(t, 102, second.JA.ID)
	require.Empty(t, second.JA.TimetableID)
	require.Equal(t, syllabus.CreditsUnknown, second.JA.Credits)
	require.Equal(t, syllabus.CreditsUnknown, second.EN.Credits)

	require.Equal(t, []string{"工芸科学部", "機械工学課程 1"}, got.Items[2].JA.Category)
}

func TestReadPageLinksMatchExactly(t *testing.T) {
	t.Parallel()

	doc := page(t, `<a href="./?c=search_list&sk=99&page=10">10</a><a href="./?c=search_list&sk=99&page=12">12</a>`)

	got, err := Read(doc, 1)
	require.NoError(t, err)
	require.False(t, got.HasNext, "page=10 must not count as page 2")
	require.False(t, got.HasPrevious)

	got, err = Read(doc, 11)
	require.NoError(t, err)
	require.True(t, got.HasNext)
	require.True(t, got.HasPrevious)
}

func TestReadEmptyPage(t *testing.T) {
	t.Parallel()

	got, err := Read(page(t, `<a href="?c=search_list&page=4">prev</a>`), 5)
	require.NoError(t, err)
	require.Empty(t, got.Items)
	require.NotNil(t, got.Items)
	require.False(t, got.HasNext)
	require.True(t, got.HasPrevious)
}

func TestReadHeaderTableMismatch(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<div class="data_list_header">a<br>b</div><div class="data_list_header">c<br>d</div>` +
			`<table class="data_list_tbl"><tbody><tr><th>h</th></tr></tbody></table>`))
	require.NoError(t, err)

	_, err = Read(doc, 3)
	var pErr *syllabus.ParseError
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, 3, pErr.Page)
}

func TestReadMissingPrimaryKey(t *testing.T) {
	t.Parallel()

	broken := `<tr><td>1</td><td><a href="#">x<br>y</a></td><td>a</td><td>b</td><td>2</td></tr>`
	_, err := Read(page(t, "", broken), 4)
	var pErr *syllabus.ParseError
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, 4, pErr.Page)
	require.False(t, syllabus.Retryable(err))
}
