package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDocumentTableName = "relayjournal_documents"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps documents in a single table. Each successful write
// bumps an integer version column.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresDocumentTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Read(ctx context.Context, path string) (Document, bool, error) {
	path = normalizePath(path)
	if path == "" {
		return Document{}, false, ErrInvalidInput
	}
	db, err := s.conn()
	if err != nil {
		return Document{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT version, body FROM %s WHERE path = $1", postgresQuoteIdentifier(s.tableName))
	var version int64
	var body string
	err = db.QueryRowContext(ctx, query, path).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return Document{Path: path, Version: strconv.FormatInt(version, 10), Content: body}, true, nil
}

func (s *PostgresStore) Write(ctx context.Context, path, version, body string) (WriteResult, error) {
	path = normalizePath(path)
	if path == "" {
		return WriteResult{}, ErrInvalidInput
	}
	db, err := s.conn()
	if err != nil {
		return WriteResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if version == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (path, version, body, updated_at)
			VALUES ($1, 1, $2, NOW())
			ON CONFLICT (path) DO NOTHING`, postgresQuoteIdentifier(s.tableName))
		result, err := db.ExecContext(ctx, query, path, body)
		if err != nil {
			return WriteResult{}, err
		}
		if affected, err := result.RowsAffected(); err != nil {
			return WriteResult{}, err
		} else if affected == 0 {
			return WriteResult{}, &ConflictError{Path: path}
		}
		return WriteResult{Version: "1"}, nil
	}

	current, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		// A version this store never issued cannot match.
		return WriteResult{}, &ConflictError{Path: path, Version: version}
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET version = version + 1, body = $3, updated_at = NOW()
		WHERE path = $1 AND version = $2
		RETURNING version`, postgresQuoteIdentifier(s.tableName))
	var next int64
	err = db.QueryRowContext(ctx, query, path, current, body).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return WriteResult{}, &ConflictError{Path: path, Version: version}
	}
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Version: strconv.FormatInt(next, 10)}, nil
}

// List returns the stored document paths in lexical order.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT path FROM %s ORDER BY path ASC", postgresQuoteIdentifier(s.tableName)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	paths := make([]string, 0)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn connects and creates the table on first use. A failed attempt is not
// remembered, so the next call tries again.
func (s *PostgresStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("open document database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			path TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			body TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s: %w", s.tableName, err)
	}
	s.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
