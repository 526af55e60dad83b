package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stateful-mcp/internal/repository"
	"stateful-mcp/internal/usecase"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	tools, err := usecase.NewToolService(repository.NewMemory(), time.Minute, 200)
	require.NoError(t, err)
	srv := httptest.NewServer(mustNewHandler(t, tools).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestRoutes_ScenarioUnderBothPrefixes(t *testing.T) {
	srv := newTestServer(t)

	for _, prefix := range []string{"", "/mcp"} {
		resp, body := doRequest(t, srv, http.MethodGet, prefix+"/health", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.JSONEq(t, `{"status":"ok"}`, body)
		require.NotEmpty(t, resp.Header.Get("X-Correlation-Id"))
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	}

	_, body := doRequest(t, srv, http.MethodPost, "/mcp/call_tool", `{"name":"add_note","arguments":{"sessionId":"s1","note":"a"}}`)
	require.JSONEq(t, `{"result":"Note added to s1."}`, body)
	_, body = doRequest(t, srv, http.MethodPost, "/call_tool", `{"name":"get_notes","arguments":{"session_id":"s1"}}`)
	require.JSONEq(t, `{"result":["a"]}`, body)
	_, body = doRequest(t, srv, http.MethodPost, "/mcp/call_tool", `{"name":"echo_cached","arguments":{"text":"x"}}`)
	require.JSONEq(t, `{"result":"X"}`, body)
	_, body = doRequest(t, srv, http.MethodPost, "/mcp/call_tool", `{"name":"echo_cached","arguments":{"text":"x"}}`)
	require.JSONEq(t, `{"result":"[cache] X"}`, body)
	_, body = doRequest(t, srv, http.MethodPost, "/mcp/call_tool", `{"name":"reset_session","arguments":{"sessionId":"s1"}}`)
	require.JSONEq(t, `{"result":"Deleted 1 notes from s1."}`, body)
}

func TestRoutes_ListTools(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodGet, "/mcp/list_tools", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, name := range []string{"add_note", "get_notes", "echo_cached", "reset_session"} {
		require.Contains(t, body, `"name":"`+name+`"`)
	}
	require.Contains(t, body, `"inputSchema"`)
}

func TestRoutes_Errors(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodPost, "/mcp/call_tool", `{"name":"nope","arguments":{}}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.JSONEq(t, `{"error":"Unknown tool: nope","code":"UNKNOWN_TOOL"}`, body)

	resp, body = doRequest(t, srv, http.MethodPost, "/mcp/call_tool", `{"name":"add_note","arguments":{"sessionId":"s1"}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.JSONEq(t, `{"error":"missing required argument \"note\"","code":"INVALID_INPUT"}`, body)

	resp, body = doRequest(t, srv, http.MethodPost, "/call_tool", `{broken`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.JSONEq(t, `{"error":"Invalid JSON","code":"INVALID_INPUT"}`, body)

	resp, body = doRequest(t, srv, http.MethodGet, "/mcp/unknown", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.JSONEq(t, `{"error":"Not found"}`, body)

	resp, body = doRequest(t, srv, http.MethodDelete, "/health", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.JSONEq(t, `{"error":"Method not allowed"}`, body)
}

func TestRoutes_HonorsCorrelationID(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("x-correlation-id", "req-42")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "req-42", resp.Header.Get("X-Correlation-Id"))
}
