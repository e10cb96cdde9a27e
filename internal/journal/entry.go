// Package journal renders journal entries and merges them into monthly
// markdown documents. Nothing in this package performs I/O.
package journal

import (
	"fmt"
	"strings"
	"time"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
	clockLayout = "15:04:05"

	// LineBreak replaces literal line breaks so an entry always fits on one line.
	LineBreak = "<br />"
)

// Entry is a single message destined for the journal. Timestamp is the
// creation time of the originating message, already converted to the
// journal's time zone.
type Entry struct {
	Timestamp time.Time
	Text      string
}

// DocumentPath returns the store path of the monthly document holding t.
func DocumentPath(t time.Time) string {
	return fmt.Sprintf("%04d/%02d.md", t.Year(), int(t.Month()))
}

// MonthHeader returns the first line of a new monthly document.
func MonthHeader(t time.Time) string {
	return "# " + t.Format(monthLayout)
}

// DayMarker returns the line opening the day section for t.
func DayMarker(t time.Time) string {
	return "## " + t.Format(dayLayout)
}

// NormalizeText trims the message and replaces line breaks with LineBreak.
func NormalizeText(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.ReplaceAll(text, "\n", LineBreak)
}

// Line renders the entry line placed under the entry's own day section.
func (e Entry) Line() string {
	return "- " + e.Timestamp.Format(clockLayout) + " " + NormalizeText(e.Text)
}

// datedLine renders the entry with its full date. It is used when the
// entry's day section is no longer the last one in the document.
func (e Entry) datedLine() string {
	return "- " + e.Timestamp.Format(dayLayout+" "+clockLayout) + " " + NormalizeText(e.Text)
}

func (e Entry) day() string {
	return e.Timestamp.Format(dayLayout)
}
