package docstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execOnlyDriverName is a database/sql driver that accepts plain Exec calls,
// enough for table setup, and nothing else.
const execOnlyDriverName = "docstore-exec-only"

func init() {
	sql.Register(execOnlyDriverName, execOnlyDriver{})
}

type execOnlyDriver struct{}

func (execOnlyDriver) Open(string) (driver.Conn, error) { return execOnlyConn{}, nil }

type execOnlyConn struct{}

func (execOnlyConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (execOnlyConn) Close() error { return nil }

func (execOnlyConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (execOnlyConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}

func TestPostgresStoreRetriesFailedConnect(t *testing.T) {
	store, err := NewPostgresStore("postgres://localhost/journal")
	require.NoError(t, err)
	opens := 0
	store.openDB = func(_, dsn string) (*sql.DB, error) {
		opens++
		if opens == 1 {
			return nil, errors.New("connection refused")
		}
		return sql.Open(execOnlyDriverName, dsn)
	}
	t.Cleanup(func() { _ = store.Close() })

	_, _, err = store.Read(context.Background(), "2024/04.md")
	require.ErrorContains(t, err, "connection refused")

	first, err := store.conn()
	require.NoError(t, err, "a failed connect must not be remembered")
	second, err := store.conn()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 2, opens)

	require.NoError(t, store.Close())
	_, err = store.conn()
	require.NoError(t, err)
	assert.Equal(t, 3, opens, "close drops the connection")
}
