package relayjournal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	pendingTable             = "relayjournal_pending"
	postgresOperationTimeout = 5 * time.Second
	postgresPollInterval     = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue keeps pending messages in a table so they survive restarts
// and can be shared by several relay processes. Rows are keyed by message id;
// enqueueing an id that is already waiting is accepted without a second row.
// Capacity checks run under an advisory lock.
type PostgresQueue struct {
	dsn      string
	capacity int
	poll     time.Duration
	openDB   sqlOpenFunc
	logger   *slog.Logger

	mu      sync.Mutex
	db      *sql.DB
	lastErr string
}

// NewPostgresQueue does not connect; the first operation does, and a failed
// connection is retried by the next one. A nil logger discards.
func NewPostgresQueue(dsn string, capacity int, logger *slog.Logger) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PostgresQueue{
		dsn:      dsn,
		capacity: capacity,
		poll:     postgresPollInterval,
		openDB:   sql.Open,
		logger:   logger.With("queue", "postgres"),
	}, nil
}

func (q *PostgresQueue) TryEnqueue(msg PendingMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	err := q.insert(ctx, msg)
	q.report("enqueue", err)
	return err == nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, msg PendingMessage) bool {
	if strings.TrimSpace(msg.ID) == "" {
		return false
	}
	return pollUntil(ctx, q.poll, func() bool {
		err := q.insert(ctx, msg)
		q.report("enqueue", err)
		return err == nil
	})
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (PendingMessage, bool) {
	var msg PendingMessage
	ok := pollUntil(ctx, q.poll, func() bool {
		var err error
		msg, err = q.take(ctx)
		q.report("dequeue", err)
		return err == nil
	})
	return msg, ok
}

func (q *PostgresQueue) Depth() int {
	db, err := q.conn()
	if err != nil {
		q.report("depth", err)
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+pendingTable).Scan(&depth); err != nil {
		q.report("depth", err)
		return 0
	}
	return depth
}

func (q *PostgresQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

func (q *PostgresQueue) insert(ctx context.Context, msg PendingMessage) error {
	if strings.TrimSpace(msg.ID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	db, err := q.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", pendingLockKey()); err != nil {
		return err
	}
	var depth int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+pendingTable).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+pendingTable+` (message_id, transport, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, msg.Source.Transport, string(payload))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// take removes and returns the oldest row. A row whose payload no longer
// decodes is gone once take returns; the error names it.
func (q *PostgresQueue) take(ctx context.Context) (PendingMessage, error) {
	db, err := q.conn()
	if err != nil {
		return PendingMessage{}, err
	}
	var (
		messageID string
		payload   string
	)
	err = db.QueryRowContext(ctx, `
		DELETE FROM `+pendingTable+`
		WHERE seq = (
			SELECT seq FROM `+pendingTable+`
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING message_id, payload`).Scan(&messageID, &payload)
	if err != nil {
		return PendingMessage{}, err
	}
	var msg PendingMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return PendingMessage{}, &droppedRowError{MessageID: messageID, Err: err}
	}
	if strings.TrimSpace(msg.ID) == "" {
		return PendingMessage{}, &droppedRowError{MessageID: messageID, Err: errors.New("payload has no id")}
	}
	return msg, nil
}

type droppedRowError struct {
	MessageID string
	Err       error
}

func (e *droppedRowError) Error() string {
	return fmt.Sprintf("dropped undecodable pending message %s: %v", e.MessageID, e.Err)
}

func (e *droppedRowError) Unwrap() error {
	return e.Err
}

// report logs failures that are not part of normal polling. Repeats of the
// same failure are logged once, and the first success after a failure is
// logged as a recovery. Dropped rows are always logged.
func (q *PostgresQueue) report(op string, err error) {
	var dropped *droppedRowError
	if errors.As(err, &dropped) {
		q.logger.Error("pending message dropped", "message_id", dropped.MessageID, "error", dropped.Err)
		return
	}
	routine := err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrInvalidInput) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)

	q.mu.Lock()
	defer q.mu.Unlock()
	if routine {
		if q.lastErr != "" {
			q.logger.Info("postgres queue recovered", "op", op)
			q.lastErr = ""
		}
		return
	}
	if msg := err.Error(); msg != q.lastErr {
		q.lastErr = msg
		q.logger.Warn("postgres queue unavailable", "op", op, "error", err)
	}
}

// conn connects and creates the table on first use. A failed attempt is not
// remembered, so the next call tries again.
func (q *PostgresQueue) conn() (*sql.DB, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db != nil {
		return q.db, nil
	}
	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+pendingTable+` (
			seq BIGSERIAL PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE,
			transport TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s: %w", pendingTable, err)
	}
	q.db = db
	return db, nil
}

// pollUntil calls try until it succeeds or ctx is done.
func pollUntil(ctx context.Context, interval time.Duration, try func() bool) bool {
	for {
		if try() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

func pendingLockKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(pendingTable))
	return int64(h.Sum64())
}
