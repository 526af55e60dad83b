package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"stateful-mcp/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	routePrefix       = "/mcp"
)

// ToolCaller is the tool layer consumed by the HTTP transport.
type ToolCaller interface {
	Tools() []usecase.ToolSpec
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

type callRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type callResponse struct {
	Result any `json:"result"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handler serves the tool API over HTTP, either as a net/http handler (see
// Routes) or as a Lambda API Gateway proxy handler (see Handle).
type Handler struct {
	tools ToolCaller
}

func NewHandler(tools ToolCaller) (*Handler, error) {
	if tools == nil {
		return nil, errors.New("handler: tool caller must not be nil")
	}
	return &Handler{tools: tools}, nil
}

// dispatch is the transport-neutral router shared by Routes and Handle.
func (h *Handler) dispatch(ctx context.Context, method, path string, body []byte) (int, any) {
	switch normalizePath(path) {
	case "/health":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.health()
	case "/list_tools":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.listTools()
	case "/call_tool":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.callTool(ctx, body)
	default:
		return http.StatusNotFound, errorResponse{Error: "Not found"}
	}
}

func (h *Handler) health() (int, any) {
	return http.StatusOK, healthResponse{Status: "ok"}
}

func (h *Handler) listTools() (int, any) {
	return http.StatusOK, h.tools.Tools()
}

func (h *Handler) callTool(ctx context.Context, body []byte) (int, any) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var req callRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, errorResponse{Error: "Invalid JSON", Code: string(usecase.ErrorInvalidInput)}
	}
	if strings.TrimSpace(req.Name) == "" {
		return http.StatusBadRequest, errorResponse{Error: `missing required field "name"`, Code: string(usecase.ErrorInvalidInput)}
	}

	result, err := h.tools.Call(ctx, req.Name, req.Arguments)
	if err != nil {
		status, resp := mapError(err)
		slog.WarnContext(ctx, "tool call failed", "tool", req.Name, "status", status, "correlationId", correlationIDFrom(ctx), "err", err)
		return status, resp
	}
	slog.InfoContext(ctx, "tool call succeeded", "tool", req.Name, "correlationId", correlationIDFrom(ctx))
	return http.StatusOK, callResponse{Result: result}
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: "internal error", Code: string(usecase.ErrorInternal)}
	}
	resp := errorResponse{Error: ucErr.Public(), Code: string(ucErr.Code)}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput, usecase.ErrorStore:
		return http.StatusBadRequest, resp
	case usecase.ErrorUnknownTool:
		return http.StatusNotFound, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func methodNotAllowed() (int, any) {
	return http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"}
}

// normalizePath strips the optional /mcp prefix and any trailing slash.
func normalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if rest, ok := strings.CutPrefix(path, routePrefix); ok && (rest == "" || rest[0] == '/') {
		path = rest
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "/"
	}
	return path
}

// correlationID returns the caller's correlation id (header names compared
// case-insensitively) or a fresh one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

type correlationKey struct{}

func withCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func marshalBody(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		b, _ = json.Marshal(errorResponse{Error: "internal error", Code: string(usecase.ErrorInternal)})
	}
	return string(b)
}
