package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseOutline(t *testing.T) {
	body := "# 2024-03\n\n## 2024-03-15\n\n- 10:00:00 a\n- 11:00:00 b\n\n## 2024-03-16  \n- 08:00:00 c"

	outline := ParseOutline(body)

	assert.Equal(t, "# 2024-03", outline.Header)
	if assert.Len(t, outline.Days, 2) {
		assert.Equal(t, "2024-03-15", outline.Days[0].Date)
		assert.Equal(t, []string{"- 10:00:00 a", "- 11:00:00 b"}, outline.Days[0].Lines)
		assert.Equal(t, "2024-03-16", outline.Days[1].Date)
		assert.Equal(t, []string{"- 08:00:00 c"}, outline.Days[1].Lines)
	}
	assert.Equal(t, "2024-03-16", outline.LastDay())
	_, ok := outline.Day("2024-03-17")
	assert.False(t, ok)
}

func TestDocumentPathUsesEntryLocation(t *testing.T) {
	shanghai := time.FixedZone("UTC+8", 8*3600)
	ts := time.Date(2024, time.March, 31, 20, 0, 0, 0, time.UTC).In(shanghai)

	assert.Equal(t, "2024/04.md", DocumentPath(ts))
	assert.Equal(t, "## 2024-04-01", DayMarker(ts))
	assert.Equal(t, "# 2024-04", MonthHeader(ts))
}
