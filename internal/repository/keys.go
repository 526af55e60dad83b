package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	pkPrefixSession = "SESSION#"
	pkPrefixTool    = "TOOL#"
	skMeta          = "META"
	skPrefixNote    = "NOTE#"
	skPrefixKey     = "KEY#"

	// DefaultNotesLimit caps GetNotes when the caller passes a non-positive limit.
	DefaultNotesLimit = 200
	// DefaultUserID is recorded on sessions created without a user.
	DefaultUserID = "anonymous"

	noteSuffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	noteSuffixLen      = 8
)

// sessionPK returns the partition key shared by a session's META and NOTE# items.
func sessionPK(sessionID string) string {
	return pkPrefixSession + sessionID
}

// toolPK returns the partition key for a tool's cache entries.
func toolPK(tool string) string {
	return pkPrefixTool + tool
}

func cacheSK(keyHash string) string {
	return skPrefixKey + keyHash
}

// noteSK builds a note sort key whose lexicographic order is chronological.
// The random suffix keeps two notes written in the same instant apart.
func noteSK(ts time.Time, suffix string) string {
	return fmt.Sprintf("%s%020d#%s", skPrefixNote, ts.UnixNano(), suffix)
}

func newNoteSuffix() (string, error) {
	return gonanoid.Generate(noteSuffixAlphabet, noteSuffixLen)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultNotesLimit
	}
	return limit
}

func normalizeUserID(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return DefaultUserID
	}
	return userID
}

func validateSessionID(op, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("repository: %s: session id is required", op)
	}
	return nil
}

func validateCacheKey(op, tool, keyHash string) error {
	if strings.TrimSpace(tool) == "" || strings.TrimSpace(keyHash) == "" {
		return fmt.Errorf("repository: %s: tool name and key hash are required", op)
	}
	return nil
}

// encodeValue serializes a cache value to its stored text form.
func encodeValue(value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("repository: encode cache value: %w", err)
	}
	return string(b), nil
}

// decodeValue reverses encodeValue. A stored form that is not valid JSON is
// returned verbatim.
func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

var errNotConnected = errors.New("repository: client is not connected")
