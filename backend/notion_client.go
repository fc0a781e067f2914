package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultNotionBaseURL = "https://api.notion.com"
	notionAPIVersion     = "2022-06-28"
	notionUploadVersion  = "2025-09-03" // ファイルアップロード系エンドポイント専用
	blockPageSize        = 100
)

// NotionClientOptions はNotionクライアントの接続設定
type NotionClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	// 429/5xx の再試行回数。0 は既定値、負の値は再試行なし
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	UploadPollAttempts int
	UploadPollInterval time.Duration
}

// NotionClient はNotion REST APIへのリクエストを担当する
// 状態を持たないため複数のゴルーチンから同時に使用できる
type NotionClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	uploadPollAttempts int
	uploadPollInterval time.Duration
}

func NewNotionClient(opts NotionClientOptions) *NotionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultNotionBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 4 * time.Second
	}
	pollAttempts := opts.UploadPollAttempts
	if pollAttempts <= 0 {
		pollAttempts = 10
	}
	pollInterval := opts.UploadPollInterval
	if pollInterval <= 0 {
		pollInterval = 300 * time.Millisecond
	}
	return &NotionClient{
		baseURL:            baseURL,
		httpClient:         httpClient,
		maxRetries:         maxRetries,
		baseDelay:          baseDelay,
		maxDelay:           maxDelay,
		uploadPollAttempts: pollAttempts,
		uploadPollInterval: pollInterval,
	}
}

// withoutRetry はユーザー操作起点の呼び出し用に再試行を無効にしたコピーを返す
func (c *NotionClient) withoutRetry() *NotionClient {
	clone := *c
	clone.maxRetries = 0
	return &clone
}

// Request はJSONリクエストを送信し、2xxの場合にレスポンスJSONを返す
func (c *NotionClient) Request(ctx context.Context, method, path, token string, body interface{}, apiVersion string) (map[string]interface{}, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, invalidResponse("failed to encode request: %v", err)
		}
	}
	if apiVersion == "" {
		apiVersion = notionAPIVersion
	}

	return c.do(ctx, func() (*http.Request, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", apiVersion)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (c *NotionClient) endpoint(path string) (string, error) {
	raw := c.baseURL + path
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	return parsed.String(), nil
}

// do はリクエストを送信し、429と(冪等なメソッドの)5xxのみバックオフ付きで再送する
func (c *NotionClient) do(ctx context.Context, build func() (*http.Request, error)) (map[string]interface{}, error) {
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, invalidResponse("%v", err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, invalidResponse("failed to read response: %v", readErr)
		}

		var parsed map[string]interface{}
		if len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				parsed = nil
			}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if parsed == nil {
				parsed = map[string]interface{}{}
			}
			return parsed, nil
		}

		if isRetryable(req.Method, resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, newHTTPError(resp.StatusCode, parsed)
	}
}

// isRetryable は再送してよい応答かを返す
// 429は処理前に拒否されるため常に再送する。5xxは書き込みが反映済みの場合があるため
// GETとDELETEに限る（POSTやPATCHを再送するとページやブロックが重複する）
func isRetryable(method string, status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if status < 500 || status > 599 {
		return false
	}
	return method == http.MethodGet || method == http.MethodDelete
}

func (c *NotionClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// sleepContext はキャンセル可能な待機
func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ------------------------------------------------------------
// ブロックとページのペイロード
// ------------------------------------------------------------

type RichTextContent struct {
	Content string `json:"content"`
}

type RichText struct {
	Type string          `json:"type"`
	Text RichTextContent `json:"text"`
}

func plainRichText(content string) []RichText {
	return []RichText{{Type: "text", Text: RichTextContent{Content: content}}}
}

type ParagraphBlock struct {
	RichText []RichText `json:"rich_text"`
}

type FileUploadRef struct {
	ID string `json:"id"`
}

type ImageBlock struct {
	Type       string        `json:"type"`
	FileUpload FileUploadRef `json:"file_upload"`
}

// Block はページの子として追加するブロック
type Block struct {
	Object    string          `json:"object"`
	Type      string          `json:"type"`
	Paragraph *ParagraphBlock `json:"paragraph,omitempty"`
	Image     *ImageBlock     `json:"image,omitempty"`
}

func ParagraphBlockOf(content string) Block {
	return Block{
		Object:    "block",
		Type:      "paragraph",
		Paragraph: &ParagraphBlock{RichText: plainRichText(content)},
	}
}

func ImageBlockOf(uploadID string) Block {
	return Block{
		Object: "block",
		Type:   "image",
		Image:  &ImageBlock{Type: "file_upload", FileUpload: FileUploadRef{ID: uploadID}},
	}
}

type titleProperty struct {
	Title []RichText `json:"title"`
}

type databaseParent struct {
	DatabaseID string `json:"database_id"`
}

type createPageBody struct {
	Parent     databaseParent           `json:"parent"`
	Properties map[string]titleProperty `json:"properties"`
	Children   []Block                  `json:"children"`
}

type updatePageBody struct {
	Properties map[string]titleProperty `json:"properties"`
}

type appendChildrenBody struct {
	Children []Block `json:"children"`
}

// CreatePageRequest はデータベース配下にページを作成する要求
type CreatePageRequest struct {
	DatabaseID    string
	TitleProperty string
	Title         string
	Children      []Block
}

// ------------------------------------------------------------
// 型付きヘルパー
// ------------------------------------------------------------

// GetCurrentUser はトークンの有効性確認に使用する
func (c *NotionClient) GetCurrentUser(ctx context.Context, token string) (map[string]interface{}, error) {
	return c.Request(ctx, http.MethodGet, "/v1/users/me", token, nil, notionAPIVersion)
}

func (c *NotionClient) GetDatabase(ctx context.Context, token, databaseID string) (map[string]interface{}, error) {
	return c.Request(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID), token, nil, notionAPIVersion)
}

// CreatePage はページを作成し、そのIDを返す
func (c *NotionClient) CreatePage(ctx context.Context, token string, req CreatePageRequest) (string, error) {
	children := req.Children
	if children == nil {
		children = []Block{}
	}
	body := createPageBody{
		Parent: databaseParent{DatabaseID: req.DatabaseID},
		Properties: map[string]titleProperty{
			req.TitleProperty: {Title: plainRichText(req.Title)},
		},
		Children: children,
	}
	resp, err := c.Request(ctx, http.MethodPost, "/v1/pages", token, body, notionAPIVersion)
	if err != nil {
		return "", err
	}
	id, ok := resp["id"].(string)
	if !ok || id == "" {
		return "", invalidResponse("Missing page id")
	}
	return id, nil
}

func (c *NotionClient) UpdatePageTitle(ctx context.Context, token, pageID, titleProp, title string) error {
	body := updatePageBody{
		Properties: map[string]titleProperty{
			titleProp: {Title: plainRichText(title)},
		},
	}
	_, err := c.Request(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), token, body, notionAPIVersion)
	return err
}

// ListBlockChildren は next_cursor を辿って全ての子ブロックIDを返す
func (c *NotionClient) ListBlockChildren(ctx context.Context, token, blockID string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		path := fmt.Sprintf("/v1/blocks/%s/children?page_size=%d", url.PathEscape(blockID), blockPageSize)
		if cursor != "" {
			path += "&start_cursor=" + url.QueryEscape(cursor)
		}
		resp, err := c.Request(ctx, http.MethodGet, path, token, nil, notionAPIVersion)
		if err != nil {
			return nil, err
		}
		results, _ := resp["results"].([]interface{})
		for _, item := range results {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if id, ok := entry["id"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
		hasMore, _ := resp["has_more"].(bool)
		next, _ := resp["next_cursor"].(string)
		if !hasMore || next == "" {
			return ids, nil
		}
		cursor = next
	}
}

func (c *NotionClient) DeleteBlock(ctx context.Context, token, blockID string) error {
	_, err := c.Request(ctx, http.MethodDelete, "/v1/blocks/"+url.PathEscape(blockID), token, nil, notionAPIVersion)
	return err
}

func (c *NotionClient) AppendBlockChildren(ctx context.Context, token, blockID string, children []Block) error {
	if children == nil {
		children = []Block{}
	}
	_, err := c.Request(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(blockID)+"/children", token, appendChildrenBody{Children: children}, notionAPIVersion)
	return err
}
