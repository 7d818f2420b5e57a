package extract

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// IntensiveMarker is the day/period value of block-scheduled courses.
const IntensiveMarker = "集中"

// dayAlphabet maps weekday symbols to ordinals, Monday first.
var dayAlphabet = []rune("月火水木金土日")

var (
	dayRangePattern  = regexp.MustCompile(`^([月火水木金土日])(\d)[〜～](\d)$`)
	daySinglePattern = regexp.MustCompile(`^([月火水木金土日])(\d)$`)
	daySeparators    = regexp.MustCompile(`[,、，]`)

	yearRangePattern  = regexp.MustCompile(`^([１２３４])[〜～]([１２３４])年次$`)
	yearSinglePattern = regexp.MustCompile(`^([１２３４])年次$`)
)

// ParseDay parses a day/period cell such as "月1〜3,水2".
func ParseDay(raw string) (syllabus.Schedule, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return syllabus.Schedule{Type: syllabus.ScheduleUnknown}, nil
	case IntensiveMarker:
		return syllabus.Schedule{Type: syllabus.ScheduleIntensive}, nil
	}

	var days []syllabus.DayPeriod
	for _, token := range daySeparators.Split(raw, -1) {
		token = strings.TrimSpace(token)
		if m := dayRangePattern.FindStringSubmatch(token); m != nil {
			day := dayIndex(m[1])
			from, to := int(m[2][0]-'0'), int(m[3][0]-'0')
			if from > to {
				return syllabus.Schedule{}, syllabus.NewParseError("day", "reversed period range %q", token)
			}
			for p := from; p <= to; p++ {
				days = append(days, syllabus.DayPeriod{Day: day, Period: p})
			}
			continue
		}
		if m := daySinglePattern.FindStringSubmatch(token); m != nil {
			days = append(days, syllabus.DayPeriod{Day: dayIndex(m[1]), Period: int(m[2][0] - '0')})
			continue
		}
		return syllabus.Schedule{}, syllabus.NewParseError("day", "unrecognized token %q in %q", token, raw)
	}
	return syllabus.Schedule{Type: syllabus.ScheduleFixed, Days: days}, nil
}

// ParseYear parses a year cell such as "１〜３年次".
func ParseYear(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if m := yearRangePattern.FindStringSubmatch(raw); m != nil {
		from, to := fullwidthDigit(m[1]), fullwidthDigit(m[2])
		if from > to {
			return nil, syllabus.NewParseError("year", "reversed year range %q", raw)
		}
		years := make([]int, 0, to-from+1)
		for y := from; y <= to; y++ {
			years = append(years, y)
		}
		return years, nil
	}
	if m := yearSinglePattern.FindStringSubmatch(raw); m != nil {
		return []int{fullwidthDigit(m[1])}, nil
	}
	return nil, syllabus.NewParseError("year", "unrecognized year %q", raw)
}

func dayIndex(symbol string) int {
	r := []rune(symbol)[0]
	for i, d := range dayAlphabet {
		if d == r {
			return i
		}
	}
	return -1
}

func fullwidthDigit(s string) int {
	return int([]rune(s)[0]-'１') + 1
}
