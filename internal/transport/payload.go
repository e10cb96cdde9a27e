// Package transport holds what the broker-backed message sources share.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrEmptyPayload = errors.New("message payload has no text")

// Payload is the JSON form a broker message may take. Anything that is not a
// JSON object is treated as the message text itself.
type Payload struct {
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type Inbound struct {
	Text      string
	Sender    string
	Timestamp time.Time
}

// ParsePayload decodes body. fallbackSender and fallbackTime come from
// broker metadata and are used when the body does not carry them.
func ParsePayload(body []byte, fallbackSender string, fallbackTime time.Time) (Inbound, error) {
	in := Inbound{Sender: strings.TrimSpace(fallbackSender), Timestamp: fallbackTime}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p Payload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return Inbound{}, fmt.Errorf("decode message payload: %w", err)
		}
		in.Text = p.Text
		if s := strings.TrimSpace(p.Sender); s != "" {
			in.Sender = s
		}
		if p.Timestamp != "" {
			ts, err := ParseTimestamp(p.Timestamp)
			if err != nil {
				return Inbound{}, err
			}
			in.Timestamp = ts
		}
	} else {
		in.Text = string(body)
	}
	if strings.TrimSpace(in.Text) == "" {
		return Inbound{}, ErrEmptyPayload
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	return in, nil
}

// ParseTimestamp accepts RFC 3339 or unix seconds.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return ts, nil
}
