package syllabus

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Validate checks a locale pair against the subject schema and returns its
// normalized form. Validating the returned value yields the same value.
func Validate(pair LocalizedSubject) (LocalizedSubject, error) {
	if pair.JA.ID != pair.EN.ID {
		return LocalizedSubject{}, &ValidationError{
			Field:  "id",
			Reason: fmt.Sprintf("ja id %d differs from en id %d", pair.JA.ID, pair.EN.ID),
		}
	}
	ja, err := validateEntity(pair.JA, "ja")
	if err != nil {
		return LocalizedSubject{}, err
	}
	en, err := validateEntity(pair.EN, "en")
	if err != nil {
		return LocalizedSubject{}, err
	}
	return LocalizedSubject{JA: ja, EN: en}, nil
}

// DecodeStrict reads one locale pair as JSON, rejecting unknown fields, and
// validates it.
func DecodeStrict(r io.Reader) (LocalizedSubject, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var pair LocalizedSubject
	if err := dec.Decode(&pair); err != nil {
		return LocalizedSubject{}, &ValidationError{Field: "document", Reason: err.Error()}
	}
	return Validate(pair)
}

func validateEntity(e SubjectEntity, path string) (SubjectEntity, error) {
	fail := func(field, format string, args ...any) (SubjectEntity, error) {
		return SubjectEntity{}, &ValidationError{Field: path + "." + field, Reason: fmt.Sprintf(format, args...)}
	}

	if e.ID <= 0 {
		return fail("id", "must be positive, got %d", e.ID)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fail("title", "required")
	}
	if e.Credits != nil && *e.Credits < 0 {
		return fail("credits", "must not be negative, got %d", *e.Credits)
	}

	instructors := make([]Instructor, 0, len(e.Instructors))
	for i, in := range e.Instructors {
		if strings.TrimSpace(in.Name) == "" {
			return fail(fmt.Sprintf("instructors[%d].name", i), "required")
		}
		if in.ID != nil && *in.ID == "" {
			return fail(fmt.Sprintf("instructors[%d].id", i), "must be null or non-empty")
		}
		instructors = append(instructors, in)
	}
	e.Instructors = instructors

	flags := make([]Flag, 0, len(e.Flags))
	seen := make(map[Flag]struct{}, len(e.Flags))
	for i, f := range e.Flags {
		if !f.Valid() {
			return fail(fmt.Sprintf("flags[%d]", i), "unknown flag %q", f)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		flags = append(flags, f)
	}
	e.Flags = flags

	categories := make([]Category, 0, len(e.Categories))
	for i, c := range e.Categories {
		norm, err := validateCategory(c)
		if err != nil {
			return fail(fmt.Sprintf("categories[%d].%s", i, err.field), "%s", err.reason)
		}
		categories = append(categories, norm)
	}
	e.Categories = categories

	plans := make([]ClassPlan, 0, len(e.Plans))
	for i, p := range e.Plans {
		if strings.TrimSpace(p.Topic) == "" {
			return fail(fmt.Sprintf("plans[%d].topic", i), "required")
		}
		plans = append(plans, p)
	}
	e.Plans = plans

	if e.Goal != nil {
		goal := *e.Goal
		goal.Evaluations = append(make([]Evaluation, 0, len(goal.Evaluations)), goal.Evaluations...)
		e.Goal = &goal
	}

	if e.Attachments != nil {
		attachments := make([]Attachment, 0, len(e.Attachments))
		for i, a := range e.Attachments {
			if a.Name == "" || a.Key == "" {
				return fail(fmt.Sprintf("attachments[%d]", i), "name and key are required")
			}
			attachments = append(attachments, a)
		}
		e.Attachments = attachments
	}
	return e, nil
}

type fieldIssue struct {
	field  string
	reason string
}

func validateCategory(c Category) (Category, *fieldIssue) {
	years := make([]int, 0, len(c.Year))
	for _, y := range c.Year {
		if y < 1 || y > 4 {
			return Category{}, &fieldIssue{field: "year", reason: fmt.Sprintf("year %d out of range 1-4", y)}
		}
		years = append(years, y)
	}
	c.Year = years

	switch c.Schedule.Type {
	case ScheduleFixed:
		if len(c.Schedule.Days) == 0 {
			return Category{}, &fieldIssue{field: "schedule.days", reason: "fixed schedule needs at least one slot"}
		}
		for _, d := range c.Schedule.Days {
			if d.Day < 0 || d.Day > 6 {
				return Category{}, &fieldIssue{field: "schedule.days", reason: fmt.Sprintf("day %d out of range 0-6", d.Day)}
			}
			if d.Period < 0 || d.Period > 9 {
				return Category{}, &fieldIssue{field: "schedule.days", reason: fmt.Sprintf("period %d out of range 0-9", d.Period)}
			}
		}
		c.Schedule.Days = append([]DayPeriod(nil), c.Schedule.Days...)
	case ScheduleIntensive, ScheduleUnknown:
		if len(c.Schedule.Days) > 0 {
			return Category{}, &fieldIssue{field: "schedule.days", reason: string(c.Schedule.Type) + " schedule must not list slots"}
		}
		c.Schedule.Days = nil
	default:
		return Category{}, &fieldIssue{field: "schedule.type", reason: fmt.Sprintf("unknown schedule type %q", c.Schedule.Type)}
	}
	return c, nil
}
