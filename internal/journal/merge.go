package journal

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// EncodingBase64 is the transport encoding used by content APIs that return
// document bodies base64-encoded, possibly wrapped across lines.
const EncodingBase64 = "base64"

var ErrCorruptDocument = errors.New("corrupt document")

// CorruptDocumentError reports a stored document whose content cannot be
// decoded. It is fatal for the message being merged and is never retried.
type CorruptDocumentError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptDocumentError) Error() string {
	msg := "corrupt document"
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptDocumentError) Is(target error) bool {
	return target == ErrCorruptDocument
}

func (e *CorruptDocumentError) Unwrap() error {
	return e.Err
}

// Stored is a document body as held by the store, before decoding.
type Stored struct {
	Content  string
	Encoding string
}

// MergeResult is the outcome of merging one entry. Body always carries one
// more copy of the entry than the existing document. Present counts the copies
// the existing document already held; two messages may legitimately render to
// the same line, so Present alone never means the entry was written.
type MergeResult struct {
	Path    string
	Body    string
	Line    string
	Present int
}

// DecodeContent turns stored content into document text. Encoding "" means
// the content is stored as-is.
func DecodeContent(content, encoding string) (string, error) {
	var text string
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "":
		text = content
	case EncodingBase64:
		compact := strings.NewReplacer("\n", "", "\r", "").Replace(content)
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return "", &CorruptDocumentError{Reason: "invalid base64 content", Err: err}
		}
		text = string(decoded)
	default:
		return "", &CorruptDocumentError{Reason: fmt.Sprintf("unsupported content encoding %q", encoding)}
	}
	if !utf8.ValidString(text) {
		return "", &CorruptDocumentError{Reason: "content is not valid UTF-8"}
	}
	return text, nil
}

// Merge computes the new document text for entry. A nil existing document
// produces a fresh monthly document; otherwise the existing text is kept as
// an exact prefix and only a suffix is appended.
func Merge(existing *Stored, entry Entry) (MergeResult, error) {
	path := DocumentPath(entry.Timestamp)
	if existing == nil {
		return MergeResult{
			Path: path,
			Body: NewDocument(entry),
			Line: entry.Line(),
		}, nil
	}
	body, err := DecodeContent(existing.Content, existing.Encoding)
	if err != nil {
		var corrupt *CorruptDocumentError
		if errors.As(err, &corrupt) {
			corrupt.Path = path
		}
		return MergeResult{}, err
	}
	result := AppendEntry(body, entry)
	result.Path = path
	return result, nil
}

// NewDocument renders a monthly document holding only entry.
func NewDocument(entry Entry) string {
	var b strings.Builder
	b.WriteString(MonthHeader(entry.Timestamp))
	b.WriteString("\n\n")
	b.WriteString(DayMarker(entry.Timestamp))
	b.WriteString("\n\n")
	b.WriteString(entry.Line())
	b.WriteString("\n")
	return b.String()
}

// AppendEntry appends entry to already decoded document text.
func AppendEntry(body string, entry Entry) MergeResult {
	if strings.TrimSpace(body) == "" {
		return MergeResult{Body: body + NewDocument(entry), Line: entry.Line()}
	}
	outline := ParseOutline(body)
	date := entry.day()
	line := entry.Line()

	_, found := outline.Day(date)
	if found && outline.LastDay() != date {
		line = entry.datedLine()
	}

	var b strings.Builder
	b.Grow(len(body) + len(line) + 32)
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	if !found {
		b.WriteString("\n")
		b.WriteString(DayMarker(entry.Timestamp))
		b.WriteString("\n\n")
	}
	b.WriteString(line)
	b.WriteString("\n")
	return MergeResult{Body: b.String(), Line: line, Present: occurrences(body, outline, entry)}
}

// Occurrences counts the lines of body recording entry: its plain line inside
// its own day section plus its dated line anywhere.
func Occurrences(body string, entry Entry) int {
	return occurrences(body, ParseOutline(body), entry)
}

func occurrences(body string, outline Outline, entry Entry) int {
	count := 0
	if section, ok := outline.Day(entry.day()); ok {
		count += section.count(entry.Line())
	}
	dated := entry.datedLine()
	for _, raw := range strings.Split(body, "\n") {
		if strings.TrimRight(raw, " \t\r") == dated {
			count++
		}
	}
	return count
}
