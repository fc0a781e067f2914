package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testDatabaseID = "0123456789abcdef0123456789abcdef"
	testToken      = "secret_test_token"
)

// ------------------------------------------------------------
// テスト用のNotion APIサーバー
// ------------------------------------------------------------

type fakeRequest struct {
	Method  string
	Path    string
	RawPath string // クエリ付き
	Auth    string
	Version string
	Body    []byte
}

type fakeBlock struct {
	ID    string
	Block Block
}

type fakePage struct {
	DatabaseID string
	Title      string
	Children   []fakeBlock
}

type fakeNotion struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	requests    []fakeRequest
	validTokens map[string]bool
	titleProp   string
	pages       map[string]*fakePage
	nextID      int
	listSize    int // 子ブロック一覧の1ページあたりの件数
	uploads     map[string][]byte

	// override が true を返した場合は既定の処理を行わない
	override func(w http.ResponseWriter, r *http.Request, body []byte) bool
}

func newFakeNotion(t *testing.T) *fakeNotion {
	t.Helper()
	f := &fakeNotion{
		t:           t,
		validTokens: map[string]bool{testToken: true},
		titleProp:   "Name",
		pages:       make(map[string]*fakePage),
		listSize:    100,
		uploads:     make(map[string][]byte),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// client はテスト向けに待ち時間を短くしたクライアントを返す
func (f *fakeNotion) client() *NotionClient {
	return NewNotionClient(NotionClientOptions{
		BaseURL:            f.server.URL,
		HTTPClient:         f.server.Client(),
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		UploadPollInterval: time.Millisecond,
	})
}

func (f *fakeNotion) allowToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validTokens[token] = true
}

func (f *fakeNotion) revokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.validTokens, token)
}

func (f *fakeNotion) setTitleProperty(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleProp = name
}

func (f *fakeNotion) setListSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listSize = n
}

func (f *fakeNotion) setOverride(fn func(w http.ResponseWriter, r *http.Request, body []byte) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.override = fn
}

func (f *fakeNotion) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		RawPath: r.URL.RequestURI(),
		Auth:    r.Header.Get("Authorization"),
		Version: r.Header.Get("Notion-Version"),
		Body:    body,
	})
	override := f.override
	authorized := f.validTokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	f.mu.Unlock()

	if override != nil && override(w, r, body) {
		return
	}
	if !authorized {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"object": "error", "status": 401, "code": "unauthorized", "message": "API token is invalid.",
		})
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/v1/users/me":
		writeJSON(w, http.StatusOK, map[string]interface{}{"object": "user", "id": "user-1", "type": "bot"})
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/databases/"):
		f.handleDatabase(w, strings.TrimPrefix(path, "/v1/databases/"))
	case r.Method == http.MethodPost && path == "/v1/pages":
		f.handleCreatePage(w, body)
	case r.Method == http.MethodPatch && strings.HasPrefix(path, "/v1/pages/"):
		f.handleUpdatePage(w, strings.TrimPrefix(path, "/v1/pages/"), body)
	case strings.HasPrefix(path, "/v1/blocks/") && strings.HasSuffix(path, "/children"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/blocks/"), "/children")
		if r.Method == http.MethodGet {
			f.handleListChildren(w, id, r.URL.Query().Get("start_cursor"))
		} else {
			f.handleAppendChildren(w, id, body)
		}
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/v1/blocks/"):
		f.handleDeleteBlock(w, strings.TrimPrefix(path, "/v1/blocks/"))
	case r.Method == http.MethodPost && path == "/v1/file_uploads":
		f.handleCreateUpload(w)
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/v1/file_uploads/") && strings.HasSuffix(path, "/send"):
		f.handleSendUpload(w, r, body, strings.TrimSuffix(strings.TrimPrefix(path, "/v1/file_uploads/"), "/send"))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/file_uploads/"):
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": strings.TrimPrefix(path, "/v1/file_uploads/"), "status": "uploaded"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"code": "object_not_found", "message": "Not found: " + path})
	}
}

func (f *fakeNotion) handleDatabase(w http.ResponseWriter, id string) {
	if id != testDatabaseID {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"code": "object_not_found", "message": "Could not find database with ID: " + id,
		})
		return
	}
	f.mu.Lock()
	titleProp := f.titleProp
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "database",
		"id":     id,
		"properties": map[string]interface{}{
			"Tags":    map[string]interface{}{"id": "tags", "type": "multi_select"},
			titleProp: map[string]interface{}{"id": "title", "type": "title"},
		},
	})
}

type fakeCreatePage struct {
	Parent struct {
		DatabaseID string `json:"database_id"`
	} `json:"parent"`
	Properties map[string]titleProperty `json:"properties"`
	Children   []Block                  `json:"children"`
}

func (f *fakeNotion) handleCreatePage(w http.ResponseWriter, body []byte) {
	var req fakeCreatePage
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": "validation_error", "message": err.Error()})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("page-%d", f.nextID)
	page := &fakePage{DatabaseID: req.Parent.DatabaseID, Title: titleText(req.Properties[f.titleProp])}
	page.Children = f.newBlocksLocked(req.Children)
	f.pages[id] = page
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "page", "id": id})
}

func (f *fakeNotion) handleUpdatePage(w http.ResponseWriter, id string, body []byte) {
	var req updatePageBody
	_ = json.Unmarshal(body, &req)
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"code": "object_not_found", "message": "page not found"})
		return
	}
	page.Title = titleText(req.Properties[f.titleProp])
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "page", "id": id})
}

func (f *fakeNotion) handleListChildren(w http.ResponseWriter, pageID, cursor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[pageID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"code": "object_not_found", "message": "block not found"})
		return
	}
	start, _ := strconv.Atoi(cursor)
	end := start + f.listSize
	if end > len(page.Children) {
		end = len(page.Children)
	}
	results := make([]interface{}, 0, end-start)
	for _, child := range page.Children[start:end] {
		results = append(results, map[string]interface{}{"object": "block", "id": child.ID})
	}
	resp := map[string]interface{}{"object": "list", "results": results, "has_more": end < len(page.Children)}
	if end < len(page.Children) {
		resp["next_cursor"] = strconv.Itoa(end)
	} else {
		resp["next_cursor"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeNotion) handleAppendChildren(w http.ResponseWriter, pageID string, body []byte) {
	var req appendChildrenBody
	_ = json.Unmarshal(body, &req)
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[pageID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"code": "object_not_found", "message": "block not found"})
		return
	}
	page.Children = append(page.Children, f.newBlocksLocked(req.Children)...)
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "results": []interface{}{}})
}

func (f *fakeNotion) handleDeleteBlock(w http.ResponseWriter, blockID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, page := range f.pages {
		for i, child := range page.Children {
			if child.ID == blockID {
				page.Children = append(page.Children[:i], page.Children[i+1:]...)
				writeJSON(w, http.StatusOK, map[string]interface{}{"object": "block", "id": blockID, "archived": true})
				return
			}
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]interface{}{"code": "object_not_found", "message": "block not found"})
}

func (f *fakeNotion) handleCreateUpload(w http.ResponseWriter) {
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "file_upload", "id": id, "status": "pending"})
}

func (f *fakeNotion) handleSendUpload(w http.ResponseWriter, r *http.Request, body []byte, id string) {
	req := r.Clone(r.Context())
	req.Body = io.NopCloser(strings.NewReader(string(body)))
	file, _, err := req.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": "validation_error", "message": err.Error()})
		return
	}
	data, _ := io.ReadAll(file)
	f.mu.Lock()
	f.uploads[id] = data
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "file_upload", "id": id, "status": "uploaded"})
}

func (f *fakeNotion) newBlocksLocked(blocks []Block) []fakeBlock {
	out := make([]fakeBlock, 0, len(blocks))
	for _, block := range blocks {
		f.nextID++
		out = append(out, fakeBlock{ID: fmt.Sprintf("block-%d", f.nextID), Block: block})
	}
	return out
}

func titleText(prop titleProperty) string {
	var b strings.Builder
	for _, rt := range prop.Title {
		b.WriteString(rt.Text.Content)
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ---- 検証用ヘルパー ----

func (f *fakeNotion) requestLog() []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRequest(nil), f.requests...)
}

// count は method と path の接頭辞が一致したリクエスト数を返す
func (f *fakeNotion) count(method, pathPrefix string) int {
	n := 0
	for _, req := range f.requestLog() {
		if req.Method == method && strings.HasPrefix(req.Path, pathPrefix) {
			n++
		}
	}
	return n
}

func (f *fakeNotion) pageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}

func (f *fakeNotion) page(id string) fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[id]
	require.True(f.t, ok, "page %s not found", id)
	copied := *page
	copied.Children = append([]fakeBlock(nil), page.Children...)
	return copied
}

// paragraphs はページの段落テキストを順に返す
func (f *fakeNotion) paragraphs(pageID string) []string {
	var texts []string
	for _, child := range f.page(pageID).Children {
		if child.Block.Paragraph == nil {
			continue
		}
		var b strings.Builder
		for _, rt := range child.Block.Paragraph.RichText {
			b.WriteString(rt.Text.Content)
		}
		texts = append(texts, b.String())
	}
	return texts
}

// ------------------------------------------------------------
// テスト用のロガー
// ------------------------------------------------------------

// recordingLogger は通知とエラーを記録する
type recordingLogger struct {
	AppLogger

	mu          sync.Mutex
	statuses    []SyncStatus
	oauthStates []OAuthFlowState
	errors      []string
}

func newRecordingLogger(t *testing.T) *recordingLogger {
	return &recordingLogger{AppLogger: NewAppLogger(context.Background(), true, t.TempDir(), "")}
}

func (l *recordingLogger) NotifySyncStatus(status SyncStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *recordingLogger) NotifyOAuthState(state OAuthFlowState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.oauthStates = append(l.oauthStates, state)
}

func (l *recordingLogger) Error(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	l.mu.Lock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...)+": "+err.Error())
	l.mu.Unlock()
	return err
}

func (l *recordingLogger) ErrorWithNotify(err error, format string, args ...interface{}) error {
	return l.Error(err, format, args...)
}

func (l *recordingLogger) statusCalls() []SyncStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SyncStatus(nil), l.statuses...)
}

func (l *recordingLogger) oauthCalls() []OAuthFlowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]OAuthFlowState(nil), l.oauthStates...)
}

func (l *recordingLogger) errorCalls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// ------------------------------------------------------------
// テスト用の秘密情報と設定
// ------------------------------------------------------------

// memorySecretStore はメモリ上に値を保持する。failSave のアカウントは保存に失敗する
type memorySecretStore struct {
	mu       sync.Mutex
	values   map[string]string
	failSave map[string]bool
}

func newMemorySecretStore() *memorySecretStore {
	return &memorySecretStore{values: make(map[string]string), failSave: make(map[string]bool)}
}

func (s *memorySecretStore) LoadSecret(account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[account]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

func (s *memorySecretStore) SaveSecret(account, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave[account] {
		return errors.New("keychain unavailable")
	}
	s.values[account] = value
	return nil
}

func (s *memorySecretStore) DeleteSecret(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, account)
	return nil
}

func (s *memorySecretStore) Close() error { return nil }

func (s *memorySecretStore) get(account string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[account]
}

func (s *memorySecretStore) has(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[account]
	return ok
}

func writeTestSettings(t *testing.T, dir string, settings Settings) *settingsService {
	t.Helper()
	service := NewSettingsService(dir)
	require.NoError(t, service.SaveSettings(&settings))
	return service
}

func enabledSettings() Settings {
	return Settings{
		NotionSyncEnabled: true,
		NotionDatabaseID:  testDatabaseID,
		LogLevel:          "info",
	}
}

func readJSONFile(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func pageMapPath(dir string) string {
	return filepath.Join(dir, pageMapFileName)
}
