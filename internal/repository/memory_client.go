package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stateful-mcp/internal/domain"
)

// MemoryClient keeps the single-table layout in process memory. It is meant
// for local runs and tests; nothing survives a restart.
type MemoryClient struct {
	mu    sync.Mutex
	meta  map[string]domain.SessionMeta
	notes map[string]map[string]domain.Note
	cache map[string]domain.CacheEntry
	opts  *options
}

// NewMemory creates an empty MemoryClient.
func NewMemory(opts ...Option) *MemoryClient {
	return &MemoryClient{
		meta:  make(map[string]domain.SessionMeta),
		notes: make(map[string]map[string]domain.Note),
		cache: make(map[string]domain.CacheEntry),
		opts:  newOptions(opts...),
	}
}

func (m *MemoryClient) CreateSession(_ context.Context, sessionID, userID string) error {
	if err := validateSessionID("CreateSession", sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := sessionPK(sessionID)
	if _, ok := m.meta[pk]; ok {
		return nil
	}
	now := m.opts.now().Unix()
	m.meta[pk] = domain.SessionMeta{
		SessionID:  sessionID,
		UserID:     normalizeUserID(userID),
		CreatedAt:  now,
		LastActive: now,
	}
	return nil
}

func (m *MemoryClient) GetSession(_ context.Context, sessionID string) (domain.SessionMeta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[sessionPK(sessionID)]
	return meta, ok, nil
}

func (m *MemoryClient) AppendNote(_ context.Context, sessionID, note string) error {
	if err := validateSessionID("AppendNote", sessionID); err != nil {
		return err
	}
	sk, now, err := m.opts.newNoteSK()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := sessionPK(sessionID)
	if m.notes[pk] == nil {
		m.notes[pk] = make(map[string]domain.Note)
	}
	ts := now.Unix()
	m.notes[pk][sk] = domain.Note{SessionID: sessionID, SK: sk, Text: note, TS: ts}

	// Mirrors an update expression: touching a missing META creates a partial item.
	meta := m.meta[pk]
	meta.SessionID = sessionID
	meta.LastActive = ts
	m.meta[pk] = meta
	return nil
}

func (m *MemoryClient) GetNotes(_ context.Context, sessionID string, limit int) ([]string, error) {
	limit = normalizeLimit(limit)
	m.mu.Lock()
	defer m.mu.Unlock()

	sks := m.sortedNoteKeys(sessionPK(sessionID))
	if len(sks) > limit {
		sks = sks[:limit]
	}
	notes := make([]string, 0, len(sks))
	for _, sk := range sks {
		notes = append(notes, m.notes[sessionPK(sessionID)][sk].Text)
	}
	return notes, nil
}

func (m *MemoryClient) ResetSession(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := sessionPK(sessionID)
	n := len(m.notes[pk])
	delete(m.notes, pk)
	return n, nil
}

func (m *MemoryClient) GetCachedResult(_ context.Context, tool, keyHash string) (any, bool, error) {
	if err := validateCacheKey("GetCachedResult", tool, keyHash); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[toolPK(tool)+"|"+cacheSK(keyHash)]
	if !ok || entry.Expired(m.opts.now().Unix()) {
		return nil, false, nil
	}
	return decodeValue(entry.Value), true, nil
}

func (m *MemoryClient) SetCachedResult(_ context.Context, tool, keyHash string, value any, ttl time.Duration) error {
	if err := validateCacheKey("SetCachedResult", tool, keyHash); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache[toolPK(tool)+"|"+cacheSK(keyHash)] = domain.CacheEntry{
		Tool:      tool,
		KeyHash:   keyHash,
		Value:     raw,
		ExpiresAt: m.opts.now().Add(ttl).Unix(),
	}
	return nil
}

func (m *MemoryClient) sortedNoteKeys(pk string) []string {
	sks := make([]string, 0, len(m.notes[pk]))
	for sk := range m.notes[pk] {
		if strings.HasPrefix(sk, skPrefixNote) {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)
	return sks
}
