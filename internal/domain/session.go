package domain

// SessionMeta is the per-session metadata item (sk META).
type SessionMeta struct {
	SessionID  string
	UserID     string
	CreatedAt  int64
	LastActive int64
}

// Note is a single entry in a session's append-only note log.
type Note struct {
	SessionID string
	SK        string
	Text      string
	TS        int64
}

// CacheEntry is a memoized tool result. Value holds the JSON-serialized form.
type CacheEntry struct {
	Tool      string
	KeyHash   string
	Value     string
	ExpiresAt int64
}

// Expired reports whether the entry is stale at unix time now.
func (e CacheEntry) Expired(now int64) bool {
	return e.ExpiresAt > 0 && now > e.ExpiresAt
}
