// Command democlient drives a running HTTP server through the note and cache
// tools and prints each response.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"
)

var (
	stepColor  = color.New(color.FgCyan, color.Bold)
	okColor    = color.New(color.FgGreen)
	errorColor = color.New(color.FgRed)
)

type client struct {
	base string
	http *http.Client
}

func main() {
	base := flag.String("base", "http://127.0.0.1:3333/mcp", "server base URL")
	session := flag.String("session", "demo", "session id to use")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c := &client{base: strings.TrimRight(*base, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	if err := run(ctx, c, *session, os.Stdout); err != nil {
		errorColor.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client, session string, out io.Writer) error {
	steps := []struct {
		title string
		calls [][2]any
	}{
		{"1) Adding notes...", [][2]any{
			{"add_note", map[string]any{"sessionId": session, "note": "first note"}},
			{"add_note", map[string]any{"sessionId": session, "note": "second note"}},
		}},
		{"2) Getting notes...", [][2]any{
			{"get_notes", map[string]any{"sessionId": session}},
		}},
		{"3) Echo cached test...", [][2]any{
			{"echo_cached", map[string]any{"text": "hello world"}},
			{"echo_cached", map[string]any{"text": "hello world"}},
		}},
		{"4) Resetting session...", [][2]any{
			{"reset_session", map[string]any{"sessionId": session}},
			{"get_notes", map[string]any{"sessionId": session}},
		}},
	}

	for i, step := range steps {
		if i > 0 {
			fmt.Fprintln(out)
		}
		stepColor.Fprintln(out, step.title)
		for _, call := range step.calls {
			status, body, err := c.callTool(ctx, call[0].(string), call[1].(map[string]any))
			if err != nil {
				return err
			}
			printResult(out, status, body)
		}
	}
	return nil
}

func (c *client) callTool(ctx context.Context, name string, args map[string]any) (int, []byte, error) {
	payload, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/call_tool", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call %s: %w", name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", name, err)
	}
	return resp.StatusCode, body, nil
}

func printResult(out io.Writer, status int, body []byte) {
	if !gjson.ValidBytes(body) {
		errorColor.Fprintf(out, "Raw response: %s\n", body)
		return
	}
	parsed := gjson.ParseBytes(body)
	if errMsg := parsed.Get("error"); errMsg.Exists() {
		errorColor.Fprintf(out, "%d %s (%s)\n", status, errMsg.String(), parsed.Get("code").String())
		return
	}
	okColor.Fprintln(out, parsed.Get("result").Raw)
}
