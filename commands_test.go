package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cliDatabaseID = "0123456789abcdef0123456789abcdef"
	cliToken      = "secret_cli_token"
)

// notionStub はCLIのテストで使うエンドポイントだけを返す
type notionStub struct {
	mu      sync.Mutex
	created []string
	server  *httptest.Server

	// サーバー起動後に書き換えない
	rejectTitle string        // このタイトルのページ作成は400で拒否する
	slowTitle   string        // このタイトルのページ作成は slowDelay 後に応答する
	slowDelay   time.Duration
}

func newNotionStub(t *testing.T) *notionStub {
	t.Helper()
	stub := &notionStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *notionStub) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bearer "+cliToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"API token is invalid."}`))
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/users/me":
		_, _ = w.Write([]byte(`{"object":"user","id":"bot-1"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/v1/databases/"+cliDatabaseID:
		_, _ = w.Write([]byte(`{"id":"db","properties":{"Name":{"id":"title","type":"title"}}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/v1/pages":
		if s.rejectTitle != "" && strings.Contains(string(body), `"`+s.rejectTitle+`"`) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"validation_error","message":"body failed validation."}`))
			return
		}
		if s.slowTitle != "" && strings.Contains(string(body), `"`+s.slowTitle+`"`) {
			time.Sleep(s.slowDelay)
		}
		s.mu.Lock()
		s.created = append(s.created, string(body))
		id := "page-" + string(rune('0'+len(s.created)))
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/v1/pages/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"id": strings.TrimPrefix(r.URL.Path, "/v1/pages/")})
	case strings.HasSuffix(r.URL.Path, "/children") && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`{"results":[],"has_more":false}`))
	case strings.HasSuffix(r.URL.Path, "/children"):
		_, _ = w.Write([]byte(`{"results":[]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}
}

func (s *notionStub) createdPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

// runCLI はルートコマンドを実行し、標準出力とエラーを返す
func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_ConfigureAndStatus(t *testing.T) {
	dir := t.TempDir()

	_, err := runCLI(t, dir, "configure", "--enable", "--database-id", cliDatabaseID, "--client-id", "client-123")
	require.NoError(t, err)

	out, err := runCLI(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync enabled:    true")
	assert.Contains(t, out, "Database ID:     "+cliDatabaseID)
	assert.Contains(t, out, "Redirect URI:    (not set)")
	assert.Contains(t, out, "OAuth state:     idle")

	_, err = runCLI(t, dir, "configure", "--enable", "--disable")
	assert.Error(t, err)
}

func TestCLI_AuthURL(t *testing.T) {
	dir := t.TempDir()

	_, err := runCLI(t, dir, "auth-url")
	assert.Error(t, err)

	_, err = runCLI(t, dir, "configure", "--client-id", "client-123", "--redirect-uri", "http://localhost:53682/callback")
	require.NoError(t, err)
	out, err := runCLI(t, dir, "auth-url", "--state", "fixed")
	require.NoError(t, err)

	parsed, err := url.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "fixed", parsed.Query().Get("state"))
	assert.Equal(t, "client-123", parsed.Query().Get("client_id"))
}

func TestCLI_SetTokenFromStdin(t *testing.T) {
	stub := newNotionStub(t)
	dir := t.TempDir()
	_, err := runCLI(t, dir, "configure", "--database-id", cliDatabaseID)
	require.NoError(t, err)

	cfgFile = ""
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(cliToken + "\n"))
	cmd.SetArgs([]string{"--data-dir", dir, "set-token", "-"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Integration secret saved.")

	out2, err := runCLI(t, dir, "--notion-base-url", stub.server.URL, "test")
	require.NoError(t, err)
	assert.Contains(t, out2, "Connection successful.")

	_, err = runCLI(t, dir, "set-token")
	require.NoError(t, err)
	_, err = runCLI(t, dir, "--notion-base-url", stub.server.URL, "test")
	assert.Error(t, err)
}

func TestCLI_ExchangeRequiresClientSecret(t *testing.T) {
	t.Setenv("NOTSY_NOTION_CLIENT_SECRET", "")

	_, err := runCLI(t, t.TempDir(), "exchange", "code-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "client secret is required")
}

func TestCLI_PushSyncsNotes(t *testing.T) {
	stub := newNotionStub(t)
	dir := t.TempDir()
	notesPath := filepath.Join(t.TempDir(), "notes.json")
	require.NoError(t, os.WriteFile(notesPath, []byte(`{"notes":[
		{"id":"n1","title":"First","plainText":"one"},
		{"id":"n2","title":"Second","plainText":"two"}
	]}`), 0644))

	_, err := runCLI(t, dir, "push", notesPath)
	assert.ErrorIs(t, err, errSyncDisabled)

	_, err = runCLI(t, dir, "configure", "--enable", "--database-id", cliDatabaseID)
	require.NoError(t, err)
	_, err = runCLI(t, dir, "set-token", cliToken)
	require.NoError(t, err)

	out, err := runCLI(t, dir, "--notion-base-url", stub.server.URL, "push", notesPath)

	require.NoError(t, err)
	assert.Contains(t, out, "Pushed 2 notes.")
	assert.Len(t, stub.createdPages(), 2)

	// 対応表があるため2回目はページを作らない
	_, err = runCLI(t, dir, "--notion-base-url", stub.server.URL, "push", notesPath)
	require.NoError(t, err)
	assert.Len(t, stub.createdPages(), 2)
}

func TestCLI_PushReportsFailedNoteWhenLaterNoteSucceeds(t *testing.T) {
	stub := newNotionStub(t)
	stub.rejectTitle = "Bad"
	stub.slowTitle = "Good"
	stub.slowDelay = 300 * time.Millisecond
	dir := t.TempDir()
	notesPath := filepath.Join(t.TempDir(), "notes.json")
	require.NoError(t, os.WriteFile(notesPath, []byte(`{"notes":[
		{"id":"bad","title":"Bad","plainText":"x"},
		{"id":"good","title":"Good","plainText":"y"}
	]}`), 0644))
	_, err := runCLI(t, dir, "configure", "--enable", "--database-id", cliDatabaseID)
	require.NoError(t, err)
	_, err = runCLI(t, dir, "set-token", cliToken)
	require.NoError(t, err)

	out, err := runCLI(t, dir, "--notion-base-url", stub.server.URL, "push", notesPath)

	// 最後に成功したノートで状態表示が上書きされても失敗を返す
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Notion sync failed: ")
	assert.Contains(t, err.Error(), "(notes: bad)")
	assert.NotContains(t, err.Error(), "good")
	assert.NotContains(t, out, "Pushed")
	assert.Len(t, stub.createdPages(), 1)
}

func TestCLI_PushReportsPausedSync(t *testing.T) {
	dir := t.TempDir()
	notesPath := filepath.Join(t.TempDir(), "notes.json")
	require.NoError(t, os.WriteFile(notesPath, []byte(`{"notes":[{"id":"n1","title":"First"}]}`), 0644))
	_, err := runCLI(t, dir, "configure", "--enable", "--database-id", cliDatabaseID)
	require.NoError(t, err)

	_, err = runCLI(t, dir, "push", notesPath)

	require.Error(t, err)
	assert.Equal(t, "Notion sync paused: add your integration secret. (notes: n1)", err.Error())
}
