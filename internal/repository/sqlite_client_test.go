package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T, opts ...Option) *SQLiteClient {
	t.Helper()
	c, err := NewSQLite(context.Background(), ":memory:", "mcp_state", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, true, func(t *testing.T, clock *fakeClock) Store {
		return newSQLiteStore(t, WithClock(clock.Now))
	})
}

func TestNewSQLite_InvalidTableName(t *testing.T) {
	_, err := NewSQLite(context.Background(), ":memory:", "state; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	c, err := NewSQLite(ctx, path, "mcp_state")
	require.NoError(t, err)
	require.NoError(t, c.AppendNote(ctx, "s1", "kept"))
	require.NoError(t, c.Close())

	reopened, err := NewSQLite(ctx, path, "mcp_state")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	notes, err := reopened.GetNotes(ctx, "s1", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, notes)
}

func TestSQLite_ClosedClient(t *testing.T) {
	c := newSQLiteStore(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.GetNotes(context.Background(), "s1", 10)
	require.ErrorIs(t, err, errNotConnected)
}
