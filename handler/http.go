package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stateful-mcp/internal/usecase"
)

// maxBodyBytes bounds POST /call_tool request bodies.
const maxBodyBytes = 1 << 20

// Routes returns the chi router serving the tool API at the root and under /mcp.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlate)

	mount := func(r chi.Router) {
		r.Get("/health", h.serve)
		r.Get("/list_tools", h.serve)
		r.Post("/call_tool", h.serve)
	}
	mount(r)
	r.Route(routePrefix, mount)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
	})
	return r
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON", Code: string(usecase.ErrorInvalidInput)})
		return
	}
	status, payload := h.dispatch(r.Context(), r.Method, r.URL.Path, body)
	writeJSON(w, status, payload)
}

// correlate propagates or assigns X-Correlation-Id.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := correlationID(map[string]string{correlationHeader: r.Header.Get(correlationHeader)})
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(withCorrelationID(r.Context(), id)))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, marshalBody(payload)); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}
