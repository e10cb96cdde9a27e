// Package relayjournal moves accepted chat messages into the monthly journal.
// Transports enqueue PendingMessages; a single Publisher drains the queue,
// merges each entry into its month document with a conditional write, and
// acknowledges the source message only after the write is durable.
package relayjournal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayjournal/internal/journal"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrQueueFull        = errors.New("queue full")
	ErrUnknownTransport = errors.New("unknown transport")
)

// SourceRef identifies a message at the transport it came from, enough for
// that transport to acknowledge it later. It survives serialization so that
// durable queues can carry it across restarts.
type SourceRef struct {
	Transport string `json:"transport"`
	Chat      string `json:"chat,omitempty"`
	Message   string `json:"message"`
}

func (r SourceRef) String() string {
	if r.Chat == "" {
		return r.Transport + ":" + r.Message
	}
	return r.Transport + ":" + r.Chat + ":" + r.Message
}

type PendingMessage struct {
	ID         string    `json:"id"`
	Source     SourceRef `json:"source"`
	Sender     string    `json:"sender,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// NewPendingMessage stamps a fresh id. A zero timestamp falls back to the
// receive time.
func NewPendingMessage(source SourceRef, sender, text string, timestamp time.Time) PendingMessage {
	now := time.Now().UTC()
	if timestamp.IsZero() {
		timestamp = now
	}
	return PendingMessage{
		ID:         uuid.NewString(),
		Source:     source,
		Sender:     sender,
		Text:       text,
		Timestamp:  timestamp,
		ReceivedAt: now,
	}
}

// Entry renders the journal entry in loc. A nil loc keeps UTC.
func (m PendingMessage) Entry(loc *time.Location) journal.Entry {
	if loc == nil {
		loc = time.UTC
	}
	return journal.Entry{Timestamp: m.Timestamp.In(loc), Text: m.Text}
}

func (m PendingMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("%w: message id is required", ErrInvalidInput)
	case strings.TrimSpace(m.Source.Transport) == "":
		return fmt.Errorf("%w: message %s has no source transport", ErrInvalidInput, m.ID)
	case strings.TrimSpace(journal.NormalizeText(m.Text)) == "":
		return fmt.Errorf("%w: message %s has no text", ErrInvalidInput, m.ID)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: message %s has no timestamp", ErrInvalidInput, m.ID)
	}
	return nil
}
