package backend

import (
	"encoding/json"
	"time"
)

// ノートのスナップショット
// UI層が同期要求ごとに作成する不変の値で、同期エンジンはUI側の状態を参照しない
type NoteSnapshot struct {
	ID          string          `json:"id"`          // ノートの一意識別子
	Title       string          `json:"title"`       // ノートのタイトル
	PlainText   string          `json:"plainText"`   // プレーンテキスト（リッチ文書が読めない場合のフォールバック）
	RichContent json.RawMessage `json:"richContent"` // エディタのリッチ文書（空の場合あり）
}

// clone はRichContentまで複製したコピーを返す
func (s NoteSnapshot) clone() NoteSnapshot {
	if s.RichContent != nil {
		s.RichContent = append(json.RawMessage(nil), s.RichContent...)
	}
	return s
}

// ローカルのノートファイル（notes.json）の1エントリ
type Note struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	RichContent json.RawMessage `json:"richContent,omitempty"`
	PlainText   string          `json:"plainText"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Pinned      bool            `json:"pinned"`
}

// Snapshot は同期用のスナップショットを作成する
func (n Note) Snapshot() NoteSnapshot {
	return NoteSnapshot{
		ID:          n.ID,
		Title:       n.Title,
		PlainText:   n.PlainText,
		RichContent: n.RichContent,
	}.clone()
}

// アプリケーションの設定を管理
type Settings struct {
	NotionSyncEnabled      bool   `json:"notionSyncEnabled"`
	NotionDatabaseID       string `json:"notionDatabaseId"`
	NotionOAuthClientID    string `json:"notionOAuthClientId"`
	NotionOAuthRedirectURI string `json:"notionOAuthRedirectUri"`
	LogLevel               string `json:"logLevel"`
}

// UIに公開する同期状態
// StatusMessage が空文字の場合はメッセージなし
type SyncStatus struct {
	StatusMessage string `json:"statusMessage"`
	IsError       bool   `json:"isError"`
	SyncInFlight  bool   `json:"syncInFlight"`
}

// 1回の同期試行の結果種別
type SyncOutcomeKind string

const (
	SyncOutcomeSynced  SyncOutcomeKind = "synced"
	SyncOutcomeSkipped SyncOutcomeKind = "skipped"
	SyncOutcomePaused  SyncOutcomeKind = "paused"
	SyncOutcomeFailed  SyncOutcomeKind = "failed"
)

// 1回の同期試行の結果
type SyncOutcome struct {
	Kind    SyncOutcomeKind
	Message string
}

func syncedOutcome() SyncOutcome { return SyncOutcome{Kind: SyncOutcomeSynced} }

func skippedOutcome() SyncOutcome { return SyncOutcome{Kind: SyncOutcomeSkipped} }

func pausedOutcome(message string) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomePaused, Message: message}
}

func failedOutcome(reason string) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeFailed, Message: reason}
}

// 直近の同期で反映されなかったノート
// Message は状態表示と同じ文言
type SyncProblem struct {
	NoteID  string          `json:"noteId"`
	Kind    SyncOutcomeKind `json:"kind"`
	Message string          `json:"message"`
}

// コンテンツ片の種類
type ContentSegmentKind int

const (
	SegmentText ContentSegmentKind = iota
	SegmentImage
)

// リッチ文書から取り出したテキストまたは画像の断片
type ContentSegment struct {
	Kind  ContentSegmentKind
	Text  string
	Image []byte // PNG
}

func TextSegment(text string) ContentSegment {
	return ContentSegment{Kind: SegmentText, Text: text}
}

func ImageSegment(png []byte) ContentSegment {
	return ContentSegment{Kind: SegmentImage, Image: png}
}
