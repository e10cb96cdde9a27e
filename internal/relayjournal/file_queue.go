package relayjournal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileQueue keeps its items in a JSON file so pending messages survive a
// restart. Blocking operations poll.
type fileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []PendingMessage
}

type fileQueueState struct {
	Items []PendingMessage `json:"items"`
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []PendingMessage{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// TryEnqueue accepts a message already waiting under the same id without
// storing it twice.
func (q *fileQueue) TryEnqueue(msg PendingMessage) bool {
	if strings.TrimSpace(msg.ID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.ID == msg.ID {
			return true
		}
	}
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, msg)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileQueue) Enqueue(ctx context.Context, msg PendingMessage) bool {
	if strings.TrimSpace(msg.ID) == "" {
		return false
	}
	return pollUntil(ctx, q.pollInterval, func() bool { return q.TryEnqueue(msg) })
}

func (q *fileQueue) Dequeue(ctx context.Context) (PendingMessage, bool) {
	var msg PendingMessage
	ok := pollUntil(ctx, q.pollInterval, func() bool {
		var taken bool
		msg, taken = q.tryDequeue()
		return taken
	})
	return msg, ok
}

// tryDequeue pops the head only once the shortened backlog is on disk.
func (q *fileQueue) tryDequeue() (PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return PendingMessage{}, false
	}
	head, rest := q.items[0], q.items[1:]
	previous := q.items
	q.items = rest
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return PendingMessage{}, false
	}
	return head, true
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Close() error {
	return nil
}

// load keeps every persisted item even past capacity; producers simply
// block until the backlog drains.
func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.items = append([]PendingMessage(nil), snapshot.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
