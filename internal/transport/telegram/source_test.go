package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayjournal/internal/relayjournal"
)

type fakeBotAPI struct {
	mu       sync.Mutex
	batches  [][]Update
	offsets  []int64
	sent     []sendMessageRequest
	deleted  []deleteMessageRequest
	deleteFn func(deleteMessageRequest) (int, string)
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/botsecret/getUpdates":
		var req getUpdatesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.offsets = append(f.offsets, req.Offset)
		var result []Update
		if len(f.batches) > 0 {
			result = f.batches[0]
			f.batches = f.batches[1:]
		}
		if result == nil {
			result = []Update{}
		}
		payload, _ := json.Marshal(result)
		_, _ = w.Write([]byte(`{"ok":true,"result":` + string(payload) + `}`))
	case "/botsecret/sendMessage":
		var req sendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.sent = append(f.sent, req)
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	case "/botsecret/deleteMessage":
		var req deleteMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.deleted = append(f.deleted, req)
		if f.deleteFn != nil {
			if status, description := f.deleteFn(req); status != http.StatusOK {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"` + description + `"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func newTestSource(t *testing.T, fake *fakeBotAPI) *Source {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	source, err := New(Options{
		Token:        "secret",
		BaseURL:      server.URL,
		AllowedChats: []string{"42"},
		PollTimeout:  time.Second,
		HTTPClient:   server.Client(),
		Backoff:      relayjournal.Backoff{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	return source
}

func TestSourceQueuesWhitelistedTextAndRejectsOthers(t *testing.T) {
	fake := &fakeBotAPI{batches: [][]Update{{
		{UpdateID: 10, Message: &Message{MessageID: 1, Date: 1710496800, Chat: Chat{ID: 42}, Text: "hello\nworld"}},
		{UpdateID: 11, Message: &Message{MessageID: 2, Date: 1710496801, Chat: Chat{ID: 7}, Text: "intruder"}},
		{UpdateID: 12, Message: &Message{MessageID: 3, Date: 1710496802, Chat: Chat{ID: 42}}},
		{UpdateID: 13},
	}}}
	source := newTestSource(t, fake)
	queue := relayjournal.NewInMemoryQueue(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx, queue) }()

	msg, ok := queue.Dequeue(ctxWithTimeout(t, 2*time.Second))
	require.True(t, ok)
	assert.Equal(t, "hello\nworld", msg.Text)
	assert.Equal(t, relayjournal.SourceRef{Transport: "telegram", Chat: "42", Message: "1"}, msg.Source)
	assert.Equal(t, time.Unix(1710496800, 0).UTC(), msg.Timestamp)

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.offsets) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, int64(0), fake.offsets[0])
	assert.Equal(t, int64(14), fake.offsets[1])
	require.Len(t, fake.sent, 1)
	assert.Equal(t, int64(7), fake.sent[0].ChatID)
	assert.Equal(t, DefaultRejectionNotice, fake.sent[0].Text)
	assert.Equal(t, 0, queue.Depth())
}

func TestAcknowledgeDeletesMessage(t *testing.T) {
	fake := &fakeBotAPI{}
	source := newTestSource(t, fake)

	err := source.Acknowledge(context.Background(), relayjournal.SourceRef{Transport: "telegram", Chat: "42", Message: "9"})
	require.NoError(t, err)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []deleteMessageRequest{{ChatID: 42, MessageID: 9}}, fake.deleted)
}

func TestAcknowledgeTreatsMissingMessageAsDone(t *testing.T) {
	fake := &fakeBotAPI{deleteFn: func(deleteMessageRequest) (int, string) {
		return http.StatusBadRequest, "Bad Request: message to delete not found"
	}}
	source := newTestSource(t, fake)

	err := source.Acknowledge(context.Background(), relayjournal.SourceRef{Transport: "telegram", Chat: "42", Message: "9"})
	assert.NoError(t, err)
}

func TestAcknowledgeSurfacesOtherFailures(t *testing.T) {
	fake := &fakeBotAPI{deleteFn: func(deleteMessageRequest) (int, string) {
		return http.StatusBadRequest, "Bad Request: chat not found"
	}}
	source := newTestSource(t, fake)

	err := source.Acknowledge(context.Background(), relayjournal.SourceRef{Transport: "telegram", Chat: "42", Message: "9"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "deleteMessage", apiErr.Method)
	assert.NotContains(t, err.Error(), "secret")

	err = source.Acknowledge(context.Background(), relayjournal.SourceRef{Transport: "telegram", Chat: "x", Message: "9"})
	assert.ErrorIs(t, err, relayjournal.ErrInvalidInput)
}

func TestNewRequiresTokenAndWhitelist(t *testing.T) {
	_, err := New(Options{AllowedChats: []string{"1"}})
	assert.ErrorIs(t, err, relayjournal.ErrInvalidInput)
	_, err = New(Options{Token: "t"})
	assert.ErrorIs(t, err, ErrNoAllowedChats)
}

func TestClientRedactsTokenFromTransportErrors(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "supersecret", &http.Client{Timeout: 200 * time.Millisecond})
	err := client.SendMessage(context.Background(), 1, "x")
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "supersecret"), err.Error())
}

func ctxWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
