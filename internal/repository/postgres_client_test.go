package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresClient, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	c := newPostgresWithPool(mock, "mcp_state",
		WithClock(func() time.Time { return fixedNow }),
		WithNoteSuffix(func() (string, error) { return "abcd1234", nil }),
	)
	return c, mock
}

func sqlPrefix(s string) string {
	return regexp.QuoteMeta(s)
}

func TestPostgres_Init(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectExec(sqlPrefix("CREATE TABLE IF NOT EXISTS mcp_state")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateSession(t *testing.T) {
	c, mock := newMockPostgres(t)
	now := fixedNow.Unix()
	mock.ExpectExec(sqlPrefix("INSERT INTO mcp_state (pk, sk, user_id, created_at, last_active)")).
		WithArgs("SESSION#s1", "META", "anonymous", now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, c.CreateSession(context.Background(), "s1", ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateSession_Error(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectExec(sqlPrefix("INSERT INTO mcp_state")).
		WithArgs("SESSION#s1", "META", "u1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := c.CreateSession(context.Background(), "s1", "u1")
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetSession(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectQuery(sqlPrefix("SELECT COALESCE(user_id, '')")).
		WithArgs("SESSION#s1", "META").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "created_at", "last_active"}).AddRow("u1", int64(10), int64(20)))

	meta, ok, err := c.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", meta.UserID)
	require.Equal(t, int64(10), meta.CreatedAt)
	require.Equal(t, int64(20), meta.LastActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetSession_NotFound(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectQuery(sqlPrefix("SELECT COALESCE(user_id, '')")).
		WithArgs("SESSION#ghost", "META").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "created_at", "last_active"}))

	_, ok, err := c.GetSession(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendNote(t *testing.T) {
	c, mock := newMockPostgres(t)
	sk := fmt.Sprintf("NOTE#%020d#abcd1234", fixedNow.UnixNano())
	ts := fixedNow.Unix()

	mock.ExpectBegin()
	mock.ExpectExec(sqlPrefix("INSERT INTO mcp_state (pk, sk, note, ts)")).
		WithArgs("SESSION#s1", sk, "hello", ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(sqlPrefix("INSERT INTO mcp_state (pk, sk, last_active)")).
		WithArgs("SESSION#s1", "META", ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, c.AppendNote(context.Background(), "s1", "hello"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendNote_RollsBackOnError(t *testing.T) {
	c, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(sqlPrefix("INSERT INTO mcp_state (pk, sk, note, ts)")).
		WithArgs("SESSION#s1", pgxmock.AnyArg(), "hello", pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := c.AppendNote(context.Background(), "s1", "hello")
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetNotes(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectQuery(sqlPrefix("SELECT COALESCE(note, '') FROM mcp_state WHERE pk = $1 AND sk LIKE $2 ORDER BY sk ASC LIMIT $3")).
		WithArgs("SESSION#s1", "NOTE#%", 200).
		WillReturnRows(pgxmock.NewRows([]string{"note"}).AddRow("a").AddRow("b"))

	notes, err := c.GetNotes(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, notes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ResetSession(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectExec(sqlPrefix("DELETE FROM mcp_state WHERE pk = $1 AND sk LIKE $2")).
		WithArgs("SESSION#s1", "NOTE#%").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	deleted, err := c.ResetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 3, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetCachedResult(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectQuery(sqlPrefix("SELECT COALESCE(value, 'null'), COALESCE(expires_at, 0)")).
		WithArgs("TOOL#echo_cached", "KEY#abc").
		WillReturnRows(pgxmock.NewRows([]string{"value", "expires_at"}).AddRow(`"X"`, fixedNow.Add(time.Minute).Unix()))

	v, ok, err := c.GetCachedResult(context.Background(), "echo_cached", "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "X", v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetCachedResult_Expired(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectQuery(sqlPrefix("SELECT COALESCE(value, 'null')")).
		WithArgs("TOOL#echo_cached", "KEY#abc").
		WillReturnRows(pgxmock.NewRows([]string{"value", "expires_at"}).AddRow(`"X"`, fixedNow.Add(-time.Second).Unix()))

	_, ok, err := c.GetCachedResult(context.Background(), "echo_cached", "abc")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetCachedResult(t *testing.T) {
	c, mock := newMockPostgres(t)
	mock.ExpectExec(sqlPrefix("INSERT INTO mcp_state (pk, sk, value, expires_at)")).
		WithArgs("TOOL#echo_cached", "KEY#abc", `"X"`, fixedNow.Add(900*time.Second).Unix()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, c.SetCachedResult(context.Background(), "echo_cached", "abc", "X", 900*time.Second))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Closed(t *testing.T) {
	c, _ := newMockPostgres(t)
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.CreateSession(context.Background(), "s1", ""), errNotConnected)
}
