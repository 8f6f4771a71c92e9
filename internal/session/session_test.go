package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"greeter/internal/db"
)

const testDDL = `CREATE TABLE IF NOT EXISTS greeting (id TEXT PRIMARY KEY, message TEXT)`

func newSQL(t *testing.T) *SQL {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "greeter.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSQL(conn)
}

func TestCreateTableIsIdempotent(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTableIfNotExists(ctx, testDDL))
	require.NoError(t, s.CreateTableIfNotExists(ctx, testDDL))
}

func TestCreateTableRejectsOtherStatements(t *testing.T) {
	s := newSQL(t)
	err := s.CreateTableIfNotExists(context.Background(), `DROP TABLE greeting`)
	require.True(t, errors.Is(err, ErrNotDDL))
}

func TestReadOneAndWrite(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTableIfNotExists(ctx, "\n  create table if not exists greeting (id TEXT PRIMARY KEY, message TEXT)"))

	_, found, err := s.ReadOne(ctx, `SELECT message FROM greeting WHERE id = ?`, "alice")
	require.NoError(t, err)
	require.False(t, found)

	upsert := `INSERT INTO greeting(id, message) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET message = excluded.message`
	require.NoError(t, s.Write(ctx, upsert, "alice", "Hi"))
	require.NoError(t, s.Write(ctx, upsert, "alice", "Howdy"))

	row, found, err := s.ReadOne(ctx, `SELECT message FROM greeting WHERE id = ?`, "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Howdy", row.String("message"))
}

func TestReadOneWithoutTableFails(t *testing.T) {
	s := newSQL(t)
	_, _, err := s.ReadOne(context.Background(), `SELECT message FROM greeting WHERE id = ?`, "alice")
	require.Error(t, err)
}
