package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GatewayChat/internal/store"
)

// isolate points HOME at a temp dir and clears GATEWAYCHAT_* overrides
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, name := range []string{"URL", "TOKEN", "SESSION", "STORE", "REDIS_ADDR", "DEBUG"} {
		t.Setenv("GATEWAYCHAT_"+name, "")
	}
	return home
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// newTestGateway serves the connect handshake, sessions.list and chat.history
func newTestGateway(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req struct {
				ID     string `json:"id"`
				Method string `json:"method"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var payload any
			switch req.Method {
			case "connect":
				payload = map[string]any{}
			case "sessions.list":
				payload = map[string]any{"sessions": []map[string]any{
					{"key": "agent:main:main", "label": "Main", "updatedAt": 200},
					{"key": "agent:main:trip", "title": "Lisbon trip", "updatedAt": 300},
				}}
			case "chat.history":
				payload = map[string]any{"messages": []map[string]any{
					{"role": "user", "content": "Plan a weekend in Lisbon"},
					{"role": "assistant", "content": []map[string]any{{"type": "text", "text": "Start at the castle."}}},
					{"role": "tool", "content": "ignored"},
				}}
			default:
				payload = map[string]any{}
			}
			if err := conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": payload}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRootCommand_Version(t *testing.T) {
	out, err := execute(t, "", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "dev (commit: unknown)")
}

func TestRootCommand_ChatWithoutGateway(t *testing.T) {
	isolate(t)

	out, err := execute(t, "/status\n/quit\n", "--store", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "Gateway: not configured")
	assert.Contains(t, out, "Connection: disconnected")
	assert.Contains(t, out, "Goodbye!")
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	isolate(t)

	_, err := execute(t, "", "--store", "etcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = execute(t, "", "sessions", "--url", "ftp://nope", "--store", "memory")
	assert.Error(t, err)
}

func TestConfigureCommand(t *testing.T) {
	home := isolate(t)
	prefsPath := filepath.Join(home, "prefs.json")

	_, err := execute(t, "", "configure", "--store", "file", "--store-path", prefsPath)
	assert.EqualError(t, err, "--url is required")

	out, err := execute(t, "", "configure",
		"--url", "https://gateway.example:18789", "--token", "abc123",
		"--store", "file", "--store-path", prefsPath, "--write-config")
	require.NoError(t, err)
	assert.Contains(t, out, "Gateway saved: wss://gateway.example:18789")
	assert.Contains(t, out, "Config written to")

	st, err := store.OpenFile(prefsPath)
	require.NoError(t, err)
	defer st.Close()
	prefs := store.NewPreferences(st)

	url, err := prefs.GatewayURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example:18789", url)
	token, err := prefs.GatewayToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	data, err := os.ReadFile(filepath.Join(home, ".gatewaychat", "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `url = "https://gateway.example:18789"`)
}

func TestSessionsCommand_Cached(t *testing.T) {
	home := isolate(t)
	prefsPath := filepath.Join(home, "prefs.json")

	out, err := execute(t, "", "sessions", "--cached", "--store", "file", "--store-path", prefsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")
}

func TestSessionsCommand_Live(t *testing.T) {
	home := isolate(t)
	url := newTestGateway(t)
	prefsPath := filepath.Join(home, "prefs.json")

	out, err := execute(t, "", "sessions", "--url", url, "--store", "file", "--store-path", prefsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Lisbon trip")
	assert.Contains(t, out, "Main")
	assert.Less(t, strings.Index(out, "Lisbon trip"), strings.Index(out, "Main"), "newest first")

	// the list is cached for offline use
	out, err = execute(t, "", "sessions", "--cached", "--query", "lisbon", "--store", "file", "--store-path", prefsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "agent:main:trip")
	assert.NotContains(t, out, "agent:main:main")
}

func TestExportCommand(t *testing.T) {
	home := isolate(t)
	url := newTestGateway(t)
	dir := filepath.Join(home, "exports")

	out, err := execute(t, "", "export", "agent:main:trip", "--format", "json", "--dir", dir,
		"--url", url, "--store", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 messages to ")

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "lisbon-trip-"))

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)
	var doc struct {
		Session struct {
			Key string `json:"key"`
		} `json:"session"`
		Messages []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "agent:main:trip", doc.Session.Key)
	require.Len(t, doc.Messages, 2)
	assert.Equal(t, "Start at the castle.", doc.Messages[1].Text)
}

func TestExportCommand_Errors(t *testing.T) {
	isolate(t)

	_, err := execute(t, "", "export", "main", "--format", "pdf", "--store", "memory")
	assert.ErrorContains(t, err, "unsupported format")

	_, err = execute(t, "", "export", "main", "--store", "memory")
	assert.ErrorContains(t, err, "not configured")

	_, err = execute(t, "", "export", "--store", "memory")
	assert.Error(t, err)
}
