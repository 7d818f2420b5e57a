// Package extract turns a syllabus detail page into a validated bilingual
// subject record.
package extract

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/syllabus-indexer/internal/htmltext"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Base info header labels.
const (
	headerTimetable  = "時間割番号 / Timetable Number"
	headerCourse     = "科目番号 / Course Number"
	headerCredits    = "単位数 / Credits"
	headerCode       = "科目ナンバリング / Numbering Code"
	headerType       = "授業形態 / Course Type"
	headerClass      = "クラス / Class"
	headerTitle      = "授業科目名 / Course Title"
	headerInstructor = "担当教員名"
	headerOther      = "その他"
)

// Classification header labels.
const (
	headerAvailability = "今年度開講 / Availability"
	headerYear         = "年次 / Year"
	headerSemester     = "学期 / Semester"
	headerFaculty      = "学部等 / Faculty"
	headerField        = "学域等 / Field"
	headerProgram      = "課程等 / Program"
	headerCategory     = "分類 / Category"
	headerDayPeriod    = "曜日時限 / Day & Period"
)

const (
	unknownInstructor = "unknown"
	otherInstructors  = "他"
	availableMarker   = "有"
)

var instructorIDPattern = regexp.MustCompile(`ja\.([a-f0-9]+)\.html`)

var flagLabels = map[string]syllabus.Flag{
	"Internship":             syllabus.FlagInternship,
	"IGP":                    syllabus.FlagIGP,
	"Active Learning":        syllabus.FlagAL,
	"Project Based Learning": syllabus.FlagPBL,
	"Practical Teacher":      syllabus.FlagPT,
}

var iconFlags = []struct {
	suffix string
	flag   syllabus.Flag
}{
	{"/notes_icon1.png", syllabus.FlagUniv3},
	{"/notes_icon2.png", syllabus.FlagKyoto},
	{"/notes_icon3.png", syllabus.FlagLottery},
}

// Subject extracts the locale pair for primary key from a detail page.
// Failures are *syllabus.ParseError or *syllabus.ValidationError.
func Subject(doc *goquery.Document, key int) (syllabus.LocalizedSubject, error) {
	pair, err := assemble(doc, key)
	if err != nil {
		var pErr *syllabus.ParseError
		if errors.As(err, &pErr) {
			pErr.Key = key
		}
		return syllabus.LocalizedSubject{}, err
	}
	return syllabus.Validate(pair)
}

func assemble(doc *goquery.Document, key int) (syllabus.LocalizedSubject, error) {
	base, err := readBaseInfo(doc.Find("#base_info_tbl").First())
	if err != nil {
		return syllabus.LocalizedSubject{}, err
	}
	class, err := readClassification(doc.Find("#classification_tbl").First())
	if err != nil {
		return syllabus.LocalizedSubject{}, err
	}

	sections := map[string]*[2]string{}
	for _, id := range []string{
		"outline_tbl", "objective_tbl", "take_reserve_tbl", "heed_points_tbl",
		"text_col_tbl", "report_card_tbl", "recital_tbl", "investigation_aegis_tbl",
	} {
		pair, err := readTwoLangTable(doc.Find("#"+id).First(), id)
		if err != nil {
			return syllabus.LocalizedSubject{}, err
		}
		sections[id] = &pair
	}

	plansJA, plansEN, err := readPlans(doc.Find("#plan_tbl").First())
	if err != nil {
		return syllabus.LocalizedSubject{}, err
	}
	goalJA, goalEN, err := readGoal(doc.Find("#evaluation_tbl").First())
	if err != nil {
		return syllabus.LocalizedSubject{}, err
	}
	attachments := readAttachments(doc.Find("#tempfile_tbl").First())

	flags := append(append([]syllabus.Flag{}, base.flags...), class.flags...)

	ja := syllabus.SubjectEntity{
		ID:            key,
		TimetableID:   base.value(headerTimetable, 0),
		CourseID:      base.value(headerCourse, 0),
		Credits:       parseCredits(base.value(headerCredits, 0)),
		Code:          base.value(headerCode, 0),
		Flags:         flags,
		Categories:    class.ja,
		Type:          base.localized(headerType, 0),
		Class:         base.localized(headerClass, 0),
		Title:         base.localized(headerTitle, 0),
		Instructors:   base.instructorsJA,
		Outline:       sections["outline_tbl"][0],
		Purpose:       sections["objective_tbl"][0],
		Requirement:   sections["take_reserve_tbl"][0],
		Point:         sections["heed_points_tbl"][0],
		Textbook:      sections["text_col_tbl"][0],
		GradingPolicy: sections["report_card_tbl"][0],
		Remark:        sections["recital_tbl"][0],
		ResearchPlan:  sections["investigation_aegis_tbl"][0],
		Plans:         plansJA,
		Goal:          goalJA,
		Attachments:   attachments,
	}

	en := ja
	en.Flags = append([]syllabus.Flag{}, flags...)
	en.Categories = class.en
	en.Type = base.localized(headerType, 1)
	en.Class = base.localized(headerClass, 1)
	en.Title = base.localized(headerTitle, 1)
	en.Instructors = base.instructorsEN
	en.Outline = sections["outline_tbl"][1]
	en.Purpose = sections["objective_tbl"][1]
	en.Requirement = sections["take_reserve_tbl"][1]
	en.Point = sections["heed_points_tbl"][1]
	en.Textbook = sections["text_col_tbl"][1]
	en.GradingPolicy = sections["report_card_tbl"][1]
	en.Remark = sections["recital_tbl"][1]
	en.ResearchPlan = sections["investigation_aegis_tbl"][1]
	en.Plans = plansEN
	en.Goal = goalEN
	if attachments != nil {
		en.Attachments = append([]syllabus.Attachment{}, attachments...)
	}

	return syllabus.LocalizedSubject{JA: ja, EN: en}, nil
}

// readTwoLangTable reads a table holding exactly one ja cell and one en cell.
// Each side falls back to the other when empty.
func readTwoLangTable(table *goquery.Selection, id string) ([2]string, error) {
	if table.Length() == 0 {
		return [2]string{}, nil
	}
	cells := table.Find("td")
	if cells.Length() != 2 {
		return [2]string{}, syllabus.NewParseError("two-language table", "#%s has %d cells, want 2", id, cells.Length())
	}
	ja, en := htmltext.Cell(cells.Eq(0)), htmltext.Cell(cells.Eq(1))
	return [2]string{fallback(ja, en), fallback(en, ja)}, nil
}

type baseInfo struct {
	items         map[string][]string
	instructorsJA []syllabus.Instructor
	instructorsEN []syllabus.Instructor
	flags         []syllabus.Flag
}

// value returns the idx-th value of a header, or "".
func (b baseInfo) value(header string, idx int) string {
	values := b.items[header]
	if idx < len(values) {
		return values[idx]
	}
	return ""
}

// localized returns the idx-th value of a ja/en header, falling back to the
// other locale when empty.
func (b baseInfo) localized(header string, idx int) string {
	return fallback(b.value(header, idx), b.value(header, 1-idx))
}

func readBaseInfo(table *goquery.Selection) (baseInfo, error) {
	info := baseInfo{items: map[string][]string{}}
	headers := table.Find("th")

	headers.Each(func(_ int, th *goquery.Selection) {
		label := th.Text()
		if label == "" || strings.Contains(label, headerInstructor) || strings.Contains(label, headerOther) {
			return
		}
		td := th.Next()
		if goquery.NodeName(td) != "td" || td.Text() == "" {
			return
		}
		var values []string
		for _, part := range strings.Split(td.Text(), "/") {
			if v := htmltext.Blank(strings.TrimSpace(part)); v != "" {
				values = append(values, v)
			}
		}
		info.items[strings.TrimSpace(label)] = values
	})

	cell := headers.FilterFunction(func(_ int, th *goquery.Selection) bool {
		return strings.Contains(th.Text(), headerInstructor)
	}).First().Next()
	info.instructorsJA = readInstructorsJA(cell)
	info.instructorsEN = readInstructorsEN(cell, info.instructorsJA)

	flagRow := headers.FilterFunction(func(_ int, th *goquery.Selection) bool {
		return strings.Contains(th.Text(), headerOther)
	}).First().Parent()
	if flagRow.Length() == 0 {
		return baseInfo{}, syllabus.NewParseError("flags", "no %s row in base info", headerOther)
	}
	flags, err := readFlagGrid(flagRow)
	if err != nil {
		return baseInfo{}, err
	}
	info.flags = flags
	return info, nil
}

func readInstructorsJA(cell *goquery.Selection) []syllabus.Instructor {
	if cell.Length() == 0 || cell.Children().Length() == 0 {
		name := htmltext.StripLayout(cell.Text())
		if name == "" {
			name = unknownInstructor
		}
		return []syllabus.Instructor{{Name: name}}
	}
	instructors := []syllabus.Instructor{}
	cell.Find("a").Each(func(_ int, a *goquery.Selection) {
		name := strings.TrimSpace(a.Text())
		if name == otherInstructors {
			return
		}
		if name == "" {
			name = unknownInstructor
		}
		in := syllabus.Instructor{Name: name}
		if m := instructorIDPattern.FindStringSubmatch(htmltext.Attr(a, "href")); m != nil {
			id := m[1]
			in.ID = &id
		}
		instructors = append(instructors, in)
	})
	return instructors
}

// readInstructorsEN reads the english names from the row after the
// instructor row and zips them with the ja ids by position.
func readInstructorsEN(cell *goquery.Selection, ja []syllabus.Instructor) []syllabus.Instructor {
	row := cell.Parent().Next().Find("td").First()
	var names []string
	for _, name := range strings.Split(row.Text(), "、") {
		if name = htmltext.StripLayout(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return append([]syllabus.Instructor{}, ja...)
	}
	instructors := make([]syllabus.Instructor, 0, len(names))
	for i, name := range names {
		in := syllabus.Instructor{Name: name}
		if i < len(ja) {
			in.ID = ja[i].ID
		}
		instructors = append(instructors, in)
	}
	return instructors
}

func readFlagGrid(row *goquery.Selection) ([]syllabus.Flag, error) {
	var labels []string
	var missing bool
	row.Find("th.txt_center").Each(func(_ int, th *goquery.Selection) {
		label := strings.TrimSpace(htmltext.LastChildText(th))
		if label == "" {
			missing = true
		}
		labels = append(labels, label)
	})
	if missing {
		return nil, syllabus.NewParseError("flags", "empty flag label")
	}

	flags := []syllabus.Flag{}
	row.Next().Children().Each(func(i int, cell *goquery.Selection) {
		if strings.TrimSpace(cell.Text()) == htmltext.Placeholder || i >= len(labels) {
			return
		}
		if flag, ok := flagLabels[labels[i]]; ok {
			flags = append(flags, flag)
		}
	})
	return flags, nil
}

type localizedValue struct {
	ja string
	en string
}

type classification struct {
	flags []syllabus.Flag
	ja    []syllabus.Category
	en    []syllabus.Category
}

func readClassification(table *goquery.Selection) (classification, error) {
	if table.Length() == 0 {
		return classification{}, syllabus.NewParseError("classification", "table missing")
	}

	var out classification
	for _, icon := range iconFlags {
		found := table.Find("img").FilterFunction(func(_ int, img *goquery.Selection) bool {
			return strings.HasSuffix(htmltext.Attr(img, "src"), icon.suffix)
		}).Length() > 0
		if found {
			out.flags = append(out.flags, icon.flag)
		}
	}

	items := map[string][]localizedValue{}
	table.Find("th").Each(func(_ int, th *goquery.Selection) {
		label := th.Text()
		td := th.Next()
		if label == "" || goquery.NodeName(td) != "td" || td.Text() == "" {
			return
		}
		parts := strings.Split(td.Text(), "/")
		ja := htmltext.Blank(strings.TrimSpace(parts[0]))
		en := ""
		if len(parts) > 1 {
			en = htmltext.Blank(strings.TrimSpace(parts[1]))
		}
		key := strings.TrimSpace(label)
		items[key] = append(items[key], localizedValue{ja: ja, en: fallback(en, ja)})
	})

	count := -1
	for header, values := range items {
		switch {
		case count < 0:
			count = len(values)
		case count != len(values):
			return classification{}, syllabus.NewParseError("classification",
				"header %q has %d values, others have %d", header, len(values), count)
		}
	}
	if count < 0 {
		return classification{}, syllabus.NewParseError("classification", "no classification headers")
	}

	at := func(header string, idx int) localizedValue {
		if values := items[header]; idx < len(values) {
			return values[idx]
		}
		return localizedValue{}
	}

	out.ja = make([]syllabus.Category, 0, count)
	out.en = make([]syllabus.Category, 0, count)
	for i := 0; i < count; i++ {
		years := []int{}
		if raw := at(headerYear, i).ja; raw != "" {
			parsed, err := ParseYear(raw)
			if err != nil {
				return classification{}, err
			}
			years = parsed
		}
		schedule, err := ParseDay(at(headerDayPeriod, i).ja)
		if err != nil {
			return classification{}, err
		}
		ja := syllabus.Category{
			Available: strings.Contains(at(headerAvailability, i).ja, availableMarker),
			Year:      years,
			Semester:  at(headerSemester, i).ja,
			Faculty:   at(headerFaculty, i).ja,
			Field:     at(headerField, i).ja,
			Program:   at(headerProgram, i).ja,
			Category:  at(headerCategory, i).ja,
			Schedule:  schedule,
		}
		en := ja
		en.Year = append([]int{}, years...)
		en.Schedule.Days = append([]syllabus.DayPeriod(nil), schedule.Days...)
		en.Semester = at(headerSemester, i).en
		en.Faculty = at(headerFaculty, i).en
		en.Field = at(headerField, i).en
		en.Program = at(headerProgram, i).en
		en.Category = at(headerCategory, i).en
		out.ja = append(out.ja, ja)
		out.en = append(out.en, en)
	}
	return out, nil
}

// planHeaderRows is the number of header rows before the first session row.
const planHeaderRows = 2

func readPlans(table *goquery.Selection) ([]syllabus.ClassPlan, []syllabus.ClassPlan, error) {
	ja, en := []syllabus.ClassPlan{}, []syllabus.ClassPlan{}
	if table.Length() == 0 {
		return ja, en, nil
	}
	rows := table.Find("tbody").First().Find("tr")
	if rows.Length() <= planHeaderRows {
		return ja, en, nil
	}
	rows = rows.Slice(planHeaderRows, rows.Length())
	if rows.Length()%2 != 0 {
		return nil, nil, syllabus.NewParseError("plan", "%d session rows is not a ja/en pair count", rows.Length())
	}

	for i := 0; i < rows.Length(); i += 2 {
		cellsJA, cellsEN := rows.Eq(i).Find("td"), rows.Eq(i+1).Find("td")
		if cellsJA.Length() < 2 || cellsEN.Length() < 2 {
			return nil, nil, syllabus.NewParseError("plan", "session row %d has too few cells", i/2+1)
		}
		topicJA, contentJA := htmltext.Trimmed(cellsJA.Eq(0)), htmltext.Trimmed(cellsJA.Eq(1))
		topicEN, contentEN := htmltext.Trimmed(cellsEN.Eq(0)), htmltext.Trimmed(cellsEN.Eq(1))
		if plan, ok := classPlan(fallback(topicJA, topicEN), fallback(contentJA, contentEN)); ok {
			ja = append(ja, plan)
		}
		if plan, ok := classPlan(fallback(topicEN, topicJA), fallback(contentEN, contentJA)); ok {
			en = append(en, plan)
		}
	}
	return ja, en, nil
}

func classPlan(topic, content string) (syllabus.ClassPlan, bool) {
	if topic == "" {
		return syllabus.ClassPlan{}, false
	}
	plan := syllabus.ClassPlan{Topic: topic}
	if content != "" {
		plan.Content = &content
	}
	return plan, true
}

// Goal table layout: rows 2 and 3 hold the ja/en descriptions, evaluation
// row pairs start at row 5.
const (
	goalDescriptionRowJA = 2
	goalDescriptionRowEN = 3
	goalEvaluationStart  = 5
)

func readGoal(table *goquery.Selection) (*syllabus.Goal, *syllabus.Goal, error) {
	if table.Length() == 0 {
		return nil, nil, nil
	}
	tbody := table.Find("tbody").First()
	if tbody.Length() == 0 {
		return nil, nil, syllabus.NewParseError("goal", "no tbody")
	}
	rows := tbody.Children()
	descJA := rows.Eq(goalDescriptionRowJA).Children().First()
	descEN := rows.Eq(goalDescriptionRowEN).Children().First()
	if descJA.Length() == 0 || descEN.Length() == 0 {
		return nil, nil, syllabus.NewParseError("goal", "description cells missing")
	}
	ja := &syllabus.Goal{Description: htmltext.Cell(descJA), Evaluations: []syllabus.Evaluation{}}
	en := &syllabus.Goal{Description: fallback(htmltext.Cell(descEN), ja.Description), Evaluations: []syllabus.Evaluation{}}

	if rows.Length() <= goalEvaluationStart {
		return ja, en, nil
	}
	evalRows := rows.Slice(goalEvaluationStart, rows.Length())
	if evalRows.Length()%2 != 0 {
		return nil, nil, syllabus.NewParseError("goal", "%d evaluation rows is not a ja/en pair count", evalRows.Length())
	}
	for i := 0; i < evalRows.Length(); i += 2 {
		row, next := evalRows.Eq(i), evalRows.Eq(i+1)
		label := row.Find("th:nth-child(2)").First()
		ja.Evaluations = append(ja.Evaluations, syllabus.Evaluation{
			Label:       htmltext.Blank(strings.TrimSpace(htmltext.FirstChildText(label))),
			Description: htmltext.Trimmed(row.Find("td").First()),
		})
		en.Evaluations = append(en.Evaluations, syllabus.Evaluation{
			Label:       htmltext.Blank(strings.TrimSpace(htmltext.LastChildText(label))),
			Description: htmltext.Trimmed(next.Find("td").First()),
		})
	}
	return ja, en, nil
}

func readAttachments(table *goquery.Selection) []syllabus.Attachment {
	if table.Length() == 0 {
		return nil
	}
	attachments := []syllabus.Attachment{}
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		span := row.Find("span").First()
		if span.Length() == 0 {
			return
		}
		name := strings.TrimSpace(span.Text())
		key := htmltext.Attr(row.Find("button").First(), "value")
		if name == "" || key == "" {
			return
		}
		attachments = append(attachments, syllabus.Attachment{Name: name, Key: key})
	})
	return attachments
}

// parseCredits returns nil for non-numeric credit text.
func parseCredits(raw string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func fallback(primary, secondary string) string {
	if primary == "" {
		return secondary
	}
	return primary
}
