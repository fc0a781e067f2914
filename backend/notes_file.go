package backend

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var errEmptyNotesFile = errors.New("notes file is empty")

// NotesFile はヘッドレス実行時に読み込むノート一覧ファイル
// {"notes":[{"id":"...","title":"...","plainText":"...","richContent":{"ops":[...]}}]}
type NotesFile struct {
	Notes []Note `json:"notes"`
}

// LoadNotesFile はノート一覧ファイルを読み込む。IDの無いノートは無視する
func LoadNotesFile(path string) ([]Note, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read notes file: %w", err)
	}
	// 書き込み途中の空ファイルを「全件削除」と誤認しないようにエラーとする
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyNotesFile
	}

	var file NotesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse notes file: %w", err)
	}

	notes := make([]Note, 0, len(file.Notes))
	for _, note := range file.Notes {
		if note.ID == "" {
			continue
		}
		notes = append(notes, note)
	}
	return notes, nil
}

// noteHash は同期に関係する項目だけからハッシュを計算する
func noteHash(note Note) string {
	h := sha256.New()
	h.Write([]byte(note.Title))
	h.Write([]byte{0})
	h.Write([]byte(note.PlainText))
	h.Write([]byte{0})
	h.Write(note.RichContent)
	return hex.EncodeToString(h.Sum(nil))
}
