package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const pageMapFileName = "notion-page-map.json"

// PageMapStore はノートIDとNotionページIDの対応を管理する
// notion-page-map.json としてappDataDirに保存し、変更のたびにファイル全体を書き換える
type PageMapStore struct {
	mu        sync.Mutex
	pages     map[string]string
	forgotten map[string]struct{} // 削除済みのノート。実行中だった作成の結果を記録しない
	filePath  string
}

func NewPageMapStore(appDataDir string) *PageMapStore {
	return &PageMapStore{
		pages:     make(map[string]string),
		forgotten: make(map[string]struct{}),
		filePath:  filepath.Join(appDataDir, pageMapFileName),
	}
}

// Load は保存済みの対応表を読み込む
// ファイルが無い場合や壊れている場合は空の対応表から始める
func (s *PageMapStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.pages = make(map[string]string)
			return nil
		}
		return fmt.Errorf("failed to read page map file: %w", err)
	}

	var loaded map[string]string
	if err := json.Unmarshal(data, &loaded); err != nil || loaded == nil {
		s.pages = make(map[string]string)
		return nil
	}
	s.pages = loaded
	return nil
}

func (s *PageMapStore) Get(noteID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pageID, ok := s.pages[noteID]
	return pageID, ok
}

// Set は対応を記録して保存する。値が変わらない場合と削除済みのノートは書き込まない
func (s *PageMapStore) Set(noteID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.forgotten[noteID]; ok {
		return nil
	}
	if current, ok := s.pages[noteID]; ok && current == pageID {
		return nil
	}
	s.pages[noteID] = pageID
	return s.saveLocked()
}

// Remove は対応を消し、Revive されるまでそのノートへの Set を無視する
// 対応が未記録でも印は付ける（作成中に削除された場合）
func (s *PageMapStore) Remove(noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forgotten[noteID] = struct{}{}
	if _, ok := s.pages[noteID]; !ok {
		return nil
	}
	delete(s.pages, noteID)
	return s.saveLocked()
}

// Revive は削除済みの印を外し、再び対応を記録できるようにする
func (s *PageMapStore) Revive(noteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.forgotten, noteID)
}

func (s *PageMapStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pages)
}

func (s *PageMapStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create page map directory: %w", err)
	}

	data, err := json.MarshalIndent(s.pages, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal page map: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp page map file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace page map file: %w", err)
	}
	return nil
}
