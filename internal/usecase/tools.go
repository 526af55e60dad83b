package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"stateful-mcp/internal/repository"
)

const (
	ToolAddNote      = "add_note"
	ToolGetNotes     = "get_notes"
	ToolEchoCached   = "echo_cached"
	ToolResetSession = "reset_session"

	defaultCacheTTL   = 900 * time.Second
	defaultNotesLimit = 200
	cacheHitMarker    = "[cache] "
)

// StateStore is the subset of the session store the tools depend on.
type StateStore interface {
	CreateSession(ctx context.Context, sessionID, userID string) error
	AppendNote(ctx context.Context, sessionID, note string) error
	GetNotes(ctx context.Context, sessionID string, limit int) ([]string, error)
	ResetSession(ctx context.Context, sessionID string) (int, error)
	GetCachedResult(ctx context.Context, tool, keyHash string) (any, bool, error)
	SetCachedResult(ctx context.Context, tool, keyHash string, value any, ttl time.Duration) error
}

// ToolSpec describes a tool to transports.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolFunc func(s *ToolService, ctx context.Context, args map[string]any) (any, error)

type tool struct {
	spec ToolSpec
	call toolFunc
}

// ToolService dispatches tool calls by name against the state store.
type ToolService struct {
	state      StateStore
	cacheTTL   time.Duration
	notesLimit int
	tools      map[string]tool
	order      []string
}

// NewToolService builds the tool table. Non-positive cacheTTL or notesLimit
// fall back to 900s and 200.
func NewToolService(state StateStore, cacheTTL time.Duration, notesLimit int) (*ToolService, error) {
	if state == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	if notesLimit <= 0 {
		notesLimit = defaultNotesLimit
	}

	s := &ToolService{
		state:      state,
		cacheTTL:   cacheTTL,
		notesLimit: notesLimit,
		tools:      make(map[string]tool),
	}
	s.register(ToolAddNote, "Append a note to a session", schemaFor[AddNoteArgs](), (*ToolService).addNote)
	s.register(ToolGetNotes, "Get notes for a session", schemaFor[SessionArgs](), (*ToolService).getNotes)
	s.register(ToolEchoCached, "Echo text but cache result by text", schemaFor[EchoArgs](), (*ToolService).echoCached)
	s.register(ToolResetSession, "Delete notes for a session", schemaFor[SessionArgs](), (*ToolService).resetSession)
	return s, nil
}

func (s *ToolService) register(name, description string, schema map[string]any, fn toolFunc) {
	s.tools[name] = tool{
		spec: ToolSpec{Name: name, Description: description, InputSchema: schema},
		call: fn,
	}
	s.order = append(s.order, name)
}

// Tools lists the registered tools in registration order.
func (s *ToolService) Tools() []ToolSpec {
	specs := make([]ToolSpec, 0, len(s.order))
	for _, name := range s.order {
		specs = append(specs, s.tools[name].spec)
	}
	return specs
}

// Call runs the named tool. Results are a string or, for get_notes, a []string.
func (s *ToolService) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, &Error{Code: ErrorUnknownTool, Reason: "unknown_tool", Message: "Unknown tool: " + name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.call(s, ctx, args)
}

func (s *ToolService) addNote(ctx context.Context, args map[string]any) (any, error) {
	var in AddNoteArgs
	if err := decodeArgs(args, &in, "note"); err != nil {
		return nil, err
	}
	sessionID, err := resolveSessionID(in.SessionID, in.LegacySessionID)
	if err != nil {
		return nil, err
	}

	if err := s.state.CreateSession(ctx, sessionID, ""); err != nil {
		return nil, newError(ErrorStore, "create_session_error", err)
	}
	if err := s.state.AppendNote(ctx, sessionID, in.Note); err != nil {
		return nil, newError(ErrorStore, "append_note_error", err)
	}
	return fmt.Sprintf("Note added to %s.", sessionID), nil
}

func (s *ToolService) getNotes(ctx context.Context, args map[string]any) (any, error) {
	var in SessionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	sessionID, err := resolveSessionID(in.SessionID, in.LegacySessionID)
	if err != nil {
		return nil, err
	}

	notes, err := s.state.GetNotes(ctx, sessionID, s.notesLimit)
	if err != nil {
		return nil, newError(ErrorStore, "get_notes_error", err)
	}
	if notes == nil {
		notes = []string{}
	}
	return notes, nil
}

func (s *ToolService) echoCached(ctx context.Context, args map[string]any) (any, error) {
	var in EchoArgs
	if err := decodeArgs(args, &in, "text"); err != nil {
		return nil, err
	}

	key, err := repository.HashKey(map[string]any{"text": in.Text})
	if err != nil {
		return nil, newError(ErrorInternal, "cache_key_error", err)
	}
	cached, ok, err := s.state.GetCachedResult(ctx, ToolEchoCached, key)
	if err != nil {
		return nil, newError(ErrorStore, "cache_read_error", err)
	}
	if ok && cached != nil {
		return fmt.Sprintf("%s%v", cacheHitMarker, cached), nil
	}

	result := strings.ToUpper(in.Text)
	if err := s.state.SetCachedResult(ctx, ToolEchoCached, key, result, s.cacheTTL); err != nil {
		return nil, newError(ErrorStore, "cache_write_error", err)
	}
	return result, nil
}

func (s *ToolService) resetSession(ctx context.Context, args map[string]any) (any, error) {
	var in SessionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	sessionID, err := resolveSessionID(in.SessionID, in.LegacySessionID)
	if err != nil {
		return nil, err
	}

	deleted, err := s.state.ResetSession(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorStore, "reset_session_error", err)
	}
	return fmt.Sprintf("Deleted %d notes from %s.", deleted, sessionID), nil
}

// decodeArgs strictly decodes tool arguments into out and checks that every
// key in required is present.
func decodeArgs(args map[string]any, out any, required ...string) error {
	for _, key := range required {
		if _, ok := args[key]; !ok {
			return invalidInput("missing_"+key, fmt.Sprintf("missing required argument %q", key))
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return newError(ErrorInternal, "decoder_error", err)
	}
	if err := dec.Decode(args); err != nil {
		return &Error{Code: ErrorInvalidInput, Reason: "invalid_arguments", Message: "invalid arguments: " + err.Error(), Err: err}
	}
	return nil
}

func resolveSessionID(primary, legacy string) (string, error) {
	id := strings.TrimSpace(primary)
	if id == "" {
		id = strings.TrimSpace(legacy)
	}
	if id == "" {
		return "", invalidInput("missing_session_id", `missing required argument "sessionId"`)
	}
	return id, nil
}
