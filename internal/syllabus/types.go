// Package syllabus defines the shared domain types, interfaces and error
// taxonomy used by the syllabus indexer.
package syllabus

import (
	"fmt"
	"strings"
)

// Locale identifies one language view of a subject.
type Locale string

const (
	// LocaleJA is the Japanese view.
	LocaleJA Locale = "ja"
	// LocaleEN is the English view.
	LocaleEN Locale = "en"
)

// Locales lists every locale in publication order.
var Locales = []Locale{LocaleJA, LocaleEN}

// ParseLocale validates a locale string. Empty input resolves to LocaleJA.
func ParseLocale(raw string) (Locale, error) {
	switch Locale(strings.ToLower(strings.TrimSpace(raw))) {
	case "", LocaleJA:
		return LocaleJA, nil
	case LocaleEN:
		return LocaleEN, nil
	default:
		return "", fmt.Errorf("unsupported locale %q", raw)
	}
}

// Flag is one entry of the fixed subject flag vocabulary.
type Flag string

// Flag vocabulary.
const (
	FlagInternship Flag = "internship"
	FlagIGP        Flag = "igp"
	FlagAL         Flag = "al"
	FlagPBL        Flag = "pbl"
	FlagPT         Flag = "pt"
	FlagUniv3      Flag = "univ3"
	FlagKyoto      Flag = "kyoto"
	FlagLottery    Flag = "lottery"
)

// Valid reports whether f belongs to the vocabulary.
func (f Flag) Valid() bool {
	switch f {
	case FlagInternship, FlagIGP, FlagAL, FlagPBL, FlagPT, FlagUniv3, FlagKyoto, FlagLottery:
		return true
	}
	return false
}

// Instructor is a teaching staff member. ID is only set when the source links
// to a researcher profile.
type Instructor struct {
	ID   *string `json:"id"`
	Name string  `json:"name"`
}

// ScheduleType tags the Schedule variant.
type ScheduleType string

// Schedule variants.
const (
	ScheduleIntensive ScheduleType = "intensive"
	ScheduleFixed     ScheduleType = "fixed"
	ScheduleUnknown   ScheduleType = "unknown"
)

// DayPeriod is one weekly slot. Day is 0 for Monday.
type DayPeriod struct {
	Day    int `json:"date"`
	Period int `json:"hour"`
}

// Schedule describes when a category meets. Days is only set for fixed schedules.
type Schedule struct {
	Type ScheduleType `json:"type"`
	Days []DayPeriod  `json:"days,omitempty"`
}

// Category is one faculty/field/program combination a subject is offered under.
type Category struct {
	Faculty   string   `json:"faculty,omitempty"`
	Field     string   `json:"field,omitempty"`
	Program   string   `json:"program,omitempty"`
	Category  string   `json:"category,omitempty"`
	Semester  string   `json:"semester"`
	Available bool     `json:"available"`
	Year      []int    `json:"year"`
	Schedule  Schedule `json:"schedule"`
}

// ClassPlan is one lecture session entry.
type ClassPlan struct {
	Topic    string  `json:"topic"`
	Content  *string `json:"content"`
	IsOnline *bool   `json:"isOnline,omitempty"`
}

// Evaluation is one row of the goal assessment grid.
type Evaluation struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Goal holds the attainment description and its evaluation criteria.
type Goal struct {
	Description string       `json:"description"`
	Evaluations []Evaluation `json:"evaluations"`
}

// Attachment is a downloadable file linked from a syllabus.
type Attachment struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// SubjectEntity is one locale's view of a course.
type SubjectEntity struct {
	ID            int          `json:"id"`
	Categories    []Category   `json:"categories"`
	Title         string       `json:"title"`
	Instructors   []Instructor `json:"instructors"`
	Flags         []Flag       `json:"flags"`
	Outline       string       `json:"outline"`
	Purpose       string       `json:"purpose"`
	Plans         []ClassPlan  `json:"plans"`
	Requirement   string       `json:"requirement"`
	Point         string       `json:"point"`
	Textbook      string       `json:"textbook"`
	GradingPolicy string       `json:"gradingPolicy"`
	Remark        string       `json:"remark"`
	ResearchPlan  string       `json:"researchPlan"`
	TimetableID   string       `json:"timetableId,omitempty"`
	CourseID      string       `json:"courseId,omitempty"`
	Credits       *int         `json:"credits,omitempty"`
	Type          string       `json:"type,omitempty"`
	Code          string       `json:"code,omitempty"`
	Class         string       `json:"class,omitempty"`
	Goal          *Goal        `json:"goal,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

// LocalizedSubject pairs the two locale views of one subject.
type LocalizedSubject struct {
	JA SubjectEntity `json:"ja"`
	EN SubjectEntity `json:"en"`
}

// For returns the view for the given locale.
func (p LocalizedSubject) For(locale Locale) SubjectEntity {
	if locale == LocaleEN {
		return p.EN
	}
	return p.JA
}

// CreditsUnknown marks a list summary whose credit cell was not numeric.
const CreditsUnknown = -1

// Summary is the list page projection of a subject.
type Summary struct {
	ID          int      `json:"id"`
	TimetableID string   `json:"timetableId"`
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	Credits     int      `json:"credits"`
	Category    []string `json:"category"`
	Class       string   `json:"class"`
}

// LocalizedSummary pairs the two locale views of a list row.
type LocalizedSummary struct {
	JA Summary `json:"ja"`
	EN Summary `json:"en"`
}

// ListPage is one parsed page of the search result listing.
type ListPage struct {
	Items       []LocalizedSummary
	HasNext     bool
	HasPrevious bool
}
