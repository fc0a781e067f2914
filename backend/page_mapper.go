package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

const (
	untitledPageTitle = "Untitled"
	maxTitleRunes     = 200
)

// NotionPageAPI はページ同期で使用するNotion APIの操作
type NotionPageAPI interface {
	GetDatabase(ctx context.Context, token, databaseID string) (map[string]interface{}, error)
	CreatePage(ctx context.Context, token string, req CreatePageRequest) (string, error)
	UpdatePageTitle(ctx context.Context, token, pageID, titleProp, title string) error
	ListBlockChildren(ctx context.Context, token, blockID string) ([]string, error)
	DeleteBlock(ctx context.Context, token, blockID string) error
	AppendBlockChildren(ctx context.Context, token, blockID string, children []Block) error
}

// BlockBuilder はノートから子ブロック列を組み立てる
type BlockBuilder interface {
	BuildBlocks(ctx context.Context, note NoteSnapshot, token string) ([]Block, error)
}

// PageMapper はノート1件につきNotionページ1件を作成・更新する
type PageMapper struct {
	api    NotionPageAPI
	blocks BlockBuilder
	store  *PageMapStore

	titleMu    sync.Mutex
	titleProps map[string]string // データベースID -> タイトルプロパティ名
	titleGroup singleflight.Group
}

func NewPageMapper(api NotionPageAPI, blocks BlockBuilder, store *PageMapStore) *PageMapper {
	return &PageMapper{
		api:        api,
		blocks:     blocks,
		store:      store,
		titleProps: make(map[string]string),
	}
}

// Upsert は対応するページがあれば更新し、無ければ作成してページIDを返す
// 子ブロックの置き換えは削除後に追加するため、途中で中断すると内容が欠けたページが残る
func (m *PageMapper) Upsert(ctx context.Context, note NoteSnapshot, cfg SyncConfig) (string, error) {
	titleProp, err := m.titlePropertyName(ctx, cfg)
	if err != nil {
		return "", err
	}
	title := safeTitle(note.Title)

	if pageID, ok := m.store.Get(note.ID); ok {
		if err := m.api.UpdatePageTitle(ctx, cfg.Token, pageID, titleProp, title); err != nil {
			return "", fmt.Errorf("failed to update page title: %w", err)
		}
		if err := m.replaceChildren(ctx, pageID, note, cfg.Token); err != nil {
			return "", err
		}
		return pageID, nil
	}

	children, err := m.blocks.BuildBlocks(ctx, note, cfg.Token)
	if err != nil {
		return "", err
	}
	pageID, err := m.api.CreatePage(ctx, cfg.Token, CreatePageRequest{
		DatabaseID:    cfg.DatabaseID,
		TitleProperty: titleProp,
		Title:         title,
		Children:      children,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create page: %w", err)
	}
	// リモートにページが作成された以上、キャンセル済みでも対応は必ず記録する（削除済みのノートを除く）
	if err := m.store.Set(note.ID, pageID); err != nil {
		return "", err
	}
	return pageID, nil
}

func (m *PageMapper) replaceChildren(ctx context.Context, pageID string, note NoteSnapshot, token string) error {
	childIDs, err := m.api.ListBlockChildren(ctx, token, pageID)
	if err != nil {
		return fmt.Errorf("failed to list page children: %w", err)
	}
	for _, blockID := range childIDs {
		if err := m.api.DeleteBlock(ctx, token, blockID); err != nil {
			return fmt.Errorf("failed to delete block %s: %w", blockID, err)
		}
	}

	children, err := m.blocks.BuildBlocks(ctx, note, token)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}
	if err := m.api.AppendBlockChildren(ctx, token, pageID, children); err != nil {
		return fmt.Errorf("failed to append page children: %w", err)
	}
	return nil
}

// Forget はローカルで削除されたノートの対応を消す。リモートのページは残す
// 実行中だった作成が後から終わっても対応は復活しない
func (m *PageMapper) Forget(noteID string) error {
	return m.store.Remove(noteID)
}

// Revive は Forget したノートを再び同期の対象に戻す
func (m *PageMapper) Revive(noteID string) {
	m.store.Revive(noteID)
}

// titlePropertyName はデータベースのタイトルプロパティ名を返す
// 結果はデータベースIDごとにプロセス内で保持し、同時の問い合わせは1回にまとめる
func (m *PageMapper) titlePropertyName(ctx context.Context, cfg SyncConfig) (string, error) {
	m.titleMu.Lock()
	name, ok := m.titleProps[cfg.DatabaseID]
	m.titleMu.Unlock()
	if ok {
		return name, nil
	}

	v, err, _ := m.titleGroup.Do(cfg.DatabaseID, func() (interface{}, error) {
		resp, err := m.api.GetDatabase(ctx, cfg.Token, cfg.DatabaseID)
		if err != nil {
			return "", fmt.Errorf("failed to load database schema: %w", err)
		}
		name, err := findTitleProperty(resp)
		if err != nil {
			return "", err
		}
		m.titleMu.Lock()
		m.titleProps[cfg.DatabaseID] = name
		m.titleMu.Unlock()
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func findTitleProperty(database map[string]interface{}) (string, error) {
	properties, ok := database["properties"].(map[string]interface{})
	if !ok {
		return "", invalidResponse("Database properties missing")
	}
	for name, value := range properties {
		prop, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		if kind, _ := prop["type"].(string); kind == "title" {
			return name, nil
		}
	}
	return "", invalidResponse("No title property found in database")
}

func safeTitle(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return untitledPageTitle
	}
	runes := []rune(trimmed)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return trimmed
}
