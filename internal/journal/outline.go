package journal

import (
	"strings"
	"time"
)

// Outline is the structural view of a journal document: an optional month
// header followed by day sections in document order.
type Outline struct {
	Header string
	Days   []DaySection
}

// DaySection holds the lines that follow one day marker, up to the next marker.
type DaySection struct {
	Date  string
	Lines []string
}

// ParseOutline splits body into its month header and day sections. A line is
// a day marker when, after trimming trailing whitespace, it is exactly
// "## YYYY-MM-DD". The last line counts even without a trailing newline.
func ParseOutline(body string) Outline {
	var out Outline
	var current *DaySection
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimRight(raw, " \t\r")
		if date, ok := parseDayMarker(line); ok {
			out.Days = append(out.Days, DaySection{Date: date})
			current = &out.Days[len(out.Days)-1]
			continue
		}
		if current != nil {
			if line != "" {
				current.Lines = append(current.Lines, line)
			}
			continue
		}
		if out.Header == "" && strings.HasPrefix(line, "# ") {
			out.Header = line
		}
	}
	return out
}

// Day returns the section for date (YYYY-MM-DD).
func (o Outline) Day(date string) (DaySection, bool) {
	for _, day := range o.Days {
		if day.Date == date {
			return day, true
		}
	}
	return DaySection{}, false
}

// LastDay returns the date of the final day section, or "" when there is none.
func (o Outline) LastDay() string {
	if len(o.Days) == 0 {
		return ""
	}
	return o.Days[len(o.Days)-1].Date
}

func (d DaySection) count(line string) int {
	n := 0
	for _, existing := range d.Lines {
		if existing == line {
			n++
		}
	}
	return n
}

func parseDayMarker(line string) (string, bool) {
	if !strings.HasPrefix(line, "## ") {
		return "", false
	}
	date := strings.TrimSpace(strings.TrimPrefix(line, "## "))
	if len(date) != len(dayLayout) {
		return "", false
	}
	if _, err := time.Parse(dayLayout, date); err != nil {
		return "", false
	}
	return date, true
}
