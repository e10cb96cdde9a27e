package journal

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(t *testing.T, raw, text string) Entry {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	return Entry{Timestamp: ts, Text: text}
}

func TestMergeBootstrapsNewDocument(t *testing.T) {
	entry := entryAt(t, "2024-03-15T10:00:00Z", "first note")

	result, err := Merge(nil, entry)
	require.NoError(t, err)

	assert.Zero(t, result.Present)
	assert.Equal(t, "2024/03.md", result.Path)
	assert.True(t, strings.HasPrefix(result.Body, "# 2024-03\n"), "body should start with month header, got %q", result.Body)
	assert.Contains(t, result.Body, "\n## 2024-03-15\n")
	assert.Equal(t, "# 2024-03\n\n## 2024-03-15\n\n- 10:00:00 first note\n", result.Body)
}

func TestMergeSameDayAppendsOneLineAndKeepsPrefix(t *testing.T) {
	first, err := Merge(nil, entryAt(t, "2024-03-15T10:00:00Z", "one"))
	require.NoError(t, err)

	second, err := Merge(&Stored{Content: first.Body}, entryAt(t, "2024-03-15T11:30:00Z", "two"))
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(second.Body, first.Body))
	assert.Equal(t, "- 11:30:00 two\n", strings.TrimPrefix(second.Body, first.Body))
	assert.Equal(t, 1, strings.Count(second.Body, "## 2024-03-15"))
}

func TestMergeNewDayAddsMarker(t *testing.T) {
	first, err := Merge(nil, entryAt(t, "2024-03-15T10:00:00Z", "one"))
	require.NoError(t, err)

	second, err := Merge(&Stored{Content: first.Body}, entryAt(t, "2024-03-16T08:00:00Z", "two"))
	require.NoError(t, err)

	assert.Equal(t, first.Body+"\n## 2024-03-16\n\n- 08:00:00 two\n", second.Body)
}

func TestMergeDetectsMarkerOnLastLineWithoutNewline(t *testing.T) {
	body := "# 2024-03\n\n## 2024-03-15"

	result := AppendEntry(body, entryAt(t, "2024-03-15T09:00:00Z", "late"))

	assert.Equal(t, body+"\n- 09:00:00 late\n", result.Body)
	assert.Equal(t, 1, strings.Count(result.Body, "## 2024-03-15"))
}

func TestMergeIgnoresMarkerLookalikes(t *testing.T) {
	body := "# 2024-03\n\nnotes about ## 2024-03-15 inline\n## 2024-03-15 extra words\n"

	result := AppendEntry(body, entryAt(t, "2024-03-15T09:00:00Z", "x"))

	assert.Equal(t, body+"\n## 2024-03-15\n\n- 09:00:00 x\n", result.Body)
}

func TestMergeKeepsIdenticalEntriesFromDistinctMessages(t *testing.T) {
	entry := entryAt(t, "2024-03-15T10:00:00Z", "ok")
	first, err := Merge(nil, entry)
	require.NoError(t, err)

	again, err := Merge(&Stored{Content: first.Body}, entry)
	require.NoError(t, err)

	assert.Equal(t, 1, again.Present)
	require.True(t, strings.HasPrefix(again.Body, first.Body))
	assert.Equal(t, 2, strings.Count(again.Body, "- 10:00:00 ok\n"))
	assert.Equal(t, 1, strings.Count(again.Body, "## 2024-03-15"))
	assert.Equal(t, 2, Occurrences(again.Body, entry))
}

func TestMergeLateEntryCarriesFullDate(t *testing.T) {
	body := "# 2024-03\n\n## 2024-03-15\n\n- 10:00:00 a\n\n## 2024-03-16\n\n- 08:00:00 b\n"
	late := entryAt(t, "2024-03-15T23:59:00Z", "late")

	result := AppendEntry(body, late)
	assert.Zero(t, result.Present)
	assert.Equal(t, body+"- 2024-03-15 23:59:00 late\n", result.Body)

	again := AppendEntry(result.Body, late)
	assert.Equal(t, 1, again.Present)
	assert.Equal(t, result.Body+"- 2024-03-15 23:59:00 late\n", again.Body)
}

func TestOccurrencesCountsPlainLinesOnlyInTheirDay(t *testing.T) {
	body := "# 2024-03\n\n## 2024-03-14\n\n- 10:00:00 hi\n\n## 2024-03-15\n\n- 10:00:00 hi\n- 2024-03-15 10:00:00 hi\n"
	assert.Equal(t, 2, Occurrences(body, entryAt(t, "2024-03-15T10:00:00Z", "hi")))
	assert.Equal(t, 1, Occurrences(body, entryAt(t, "2024-03-14T10:00:00Z", "hi")))
	assert.Zero(t, Occurrences(body, entryAt(t, "2024-03-16T10:00:00Z", "hi")))
}

func TestMergeNormalizesLineBreaks(t *testing.T) {
	result, err := Merge(nil, entryAt(t, "2024-03-15T10:00:00Z", "  line one\r\nline two\nline three\r  "))
	require.NoError(t, err)

	assert.Contains(t, result.Body, "- 10:00:00 line one<br />line two<br />line three\n")
}

func TestMergeDecodesBase64Content(t *testing.T) {
	body := "# 2024-03\n\n## 2024-03-15\n\n- 10:00:00 one\n"
	encoded := base64.StdEncoding.EncodeToString([]byte(body))
	wrapped := encoded[:10] + "\n" + encoded[10:] + "\n"

	result, err := Merge(&Stored{Content: wrapped, Encoding: EncodingBase64}, entryAt(t, "2024-03-15T12:00:00Z", "two"))
	require.NoError(t, err)

	assert.Equal(t, body+"- 12:00:00 two\n", result.Body)
}

func TestMergeRejectsUndecodableContent(t *testing.T) {
	cases := []Stored{
		{Content: "%%% not base64 %%%", Encoding: EncodingBase64},
		{Content: base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0xfd}), Encoding: EncodingBase64},
		{Content: "", Encoding: "none"},
	}
	for _, stored := range cases {
		stored := stored
		_, err := Merge(&stored, entryAt(t, "2024-03-15T12:00:00Z", "two"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCorruptDocument), "expected corrupt document error, got %v", err)

		var corrupt *CorruptDocumentError
		require.ErrorAs(t, err, &corrupt)
		assert.Equal(t, "2024/03.md", corrupt.Path)
	}
}

func TestMergeAppendOnlyForArbitraryBodies(t *testing.T) {
	bodies := []string{
		"",
		"free text without header",
		"# 2024-03\n",
		"# 2024-03\n\n## 2024-03-01\n\n- 01:00:00 a",
		"# 2024-03\r\n\r\n## 2024-03-15\r\n\r\n- 10:00:00 crlf\r\n",
	}
	entry := entryAt(t, "2024-03-15T10:00:01Z", "new")
	for _, body := range bodies {
		result := AppendEntry(body, entry)
		assert.True(t, strings.HasPrefix(result.Body, body), "body %q lost its prefix: %q", body, result.Body)
		assert.Equal(t, 1, strings.Count(result.Body, "- 10:00:01 new"))
	}
}
