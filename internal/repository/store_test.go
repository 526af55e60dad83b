package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// runStoreContract exercises the behavior every backend shares. Backends
// with server-side expiry pass clockExpiry=false to skip the fake-clock
// expiry checks.
func runStoreContract(t *testing.T, clockExpiry bool, newStore func(t *testing.T, clock *fakeClock) Store) {
	ctx := context.Background()

	t.Run("create session is idempotent", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		require.NoError(t, s.CreateSession(ctx, "s1", ""))
		first, ok, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, DefaultUserID, first.UserID)
		require.Equal(t, clock.Now().Unix(), first.CreatedAt)

		clock.Advance(time.Hour)
		require.NoError(t, s.CreateSession(ctx, "s1", "someone-else"))
		second, ok, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first, second)
	})

	t.Run("unknown session has no meta", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		_, ok, err := s.GetSession(ctx, "ghost")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("notes come back in append order", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		require.NoError(t, s.CreateSession(ctx, "s1", "u1"))

		for _, n := range []string{"a", "b", "c"} {
			require.NoError(t, s.AppendNote(ctx, "s1", n))
			clock.Advance(time.Millisecond)
		}
		notes, err := s.GetNotes(ctx, "s1", 10)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, notes)

		limited, err := s.GetNotes(ctx, "s1", 2)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, limited)

		meta, ok, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, clock.Now().Add(-time.Millisecond).Unix(), meta.LastActive)
	})

	t.Run("notes in the same instant do not overwrite each other", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		require.NoError(t, s.AppendNote(ctx, "s1", "x"))
		require.NoError(t, s.AppendNote(ctx, "s1", "y"))

		notes, err := s.GetNotes(ctx, "s1", 10)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"x", "y"}, notes)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		require.NoError(t, s.AppendNote(ctx, "s1", "one"))
		require.NoError(t, s.AppendNote(ctx, "s2", "two"))

		notes, err := s.GetNotes(ctx, "s2", 10)
		require.NoError(t, err)
		require.Equal(t, []string{"two"}, notes)
	})

	t.Run("unknown session has no notes", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		notes, err := s.GetNotes(ctx, "ghost", 10)
		require.NoError(t, err)
		require.NotNil(t, notes)
		require.Empty(t, notes)
	})

	t.Run("reset deletes notes and keeps meta", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		require.NoError(t, s.CreateSession(ctx, "s1", ""))
		for _, n := range []string{"a", "b"} {
			require.NoError(t, s.AppendNote(ctx, "s1", n))
			clock.Advance(time.Millisecond)
		}
		require.NoError(t, s.AppendNote(ctx, "s2", "other"))

		deleted, err := s.ResetSession(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, 2, deleted)

		notes, err := s.GetNotes(ctx, "s1", 10)
		require.NoError(t, err)
		require.Empty(t, notes)

		_, ok, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)

		others, err := s.GetNotes(ctx, "s2", 10)
		require.NoError(t, err)
		require.Equal(t, []string{"other"}, others)

		deleted, err = s.ResetSession(ctx, "s1")
		require.NoError(t, err)
		require.Zero(t, deleted)

		deleted, err = s.ResetSession(ctx, "never-created")
		require.NoError(t, err)
		require.Zero(t, deleted)
	})

	t.Run("cache round trip and expiry", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		_, ok, err := s.GetCachedResult(ctx, "echo_cached", "k1")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.SetCachedResult(ctx, "echo_cached", "k1", "HELLO", 900*time.Second))
		v, ok, err := s.GetCachedResult(ctx, "echo_cached", "k1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "HELLO", v)

		_, ok, err = s.GetCachedResult(ctx, "other_tool", "k1")
		require.NoError(t, err)
		require.False(t, ok)

		if !clockExpiry {
			return
		}
		clock.Advance(900 * time.Second)
		_, ok, err = s.GetCachedResult(ctx, "echo_cached", "k1")
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(time.Second)
		_, ok, err = s.GetCachedResult(ctx, "echo_cached", "k1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("cache stores structured values", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		require.NoError(t, s.SetCachedResult(ctx, "t", "k", map[string]any{"n": 1, "tags": []string{"a"}}, time.Minute))
		v, ok, err := s.GetCachedResult(ctx, "t", "k")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, map[string]any{"n": float64(1), "tags": []any{"a"}}, v)

		require.NoError(t, s.SetCachedResult(ctx, "t", "k", "replaced", time.Minute))
		v, _, err = s.GetCachedResult(ctx, "t", "k")
		require.NoError(t, err)
		require.Equal(t, "replaced", v)
	})

	t.Run("blank ids are rejected", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		require.Error(t, s.CreateSession(ctx, "", ""))
		require.Error(t, s.AppendNote(ctx, " ", "x"))
		require.Error(t, s.SetCachedResult(ctx, "", "k", "v", time.Minute))
		_, _, err := s.GetCachedResult(ctx, "t", "")
		require.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, true, func(_ *testing.T, clock *fakeClock) Store {
		return NewMemory(WithClock(clock.Now))
	})
}

func TestParseBackend(t *testing.T) {
	cases := map[string]Backend{
		"":         BackendDynamoDB,
		"dynamodb": BackendDynamoDB,
		" SQLite ": BackendSQLite,
		"postgres": BackendPostgres,
		"REDIS":    BackendRedis,
		"memory":   BackendMemory,
	}
	for in, want := range cases {
		got, err := ParseBackend(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseBackend("mongo")
	require.ErrorContains(t, err, `unsupported state backend "MONGO"`)
}
