package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TokenRefresher はOAuthのアクセストークンを更新する
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context) (string, error)
}

// NotionSyncService は同期1回分の処理と接続テストを担当する
type NotionSyncService struct {
	settings  SettingsService
	secrets   SecretStore
	client    *NotionClient
	mapper    *PageMapper
	refresher TokenRefresher
	logger    AppLogger
}

func NewNotionSyncService(settings SettingsService, secrets SecretStore, client *NotionClient, mapper *PageMapper, refresher TokenRefresher, logger AppLogger) *NotionSyncService {
	return &NotionSyncService{
		settings:  settings,
		secrets:   secrets,
		client:    client,
		mapper:    mapper,
		refresher: refresher,
		logger:    logger,
	}
}

// SyncEnabled は設定で同期が有効かどうかを返す
func (s *NotionSyncService) SyncEnabled() bool {
	current, err := s.settings.LoadSettings()
	if err != nil {
		s.logger.Error(err, "failed to load settings")
		return false
	}
	return current.NotionSyncEnabled
}

// SyncNote はノート1件を同期する。エラーは返さず結果に変換する
func (s *NotionSyncService) SyncNote(ctx context.Context, note NoteSnapshot) SyncOutcome {
	loaded, err := LoadSyncConfig(s.settings, s.secrets)
	if err != nil {
		s.logger.Error(err, "failed to load Notion sync config")
		return failedOutcome(err.Error())
	}
	switch loaded.State {
	case SyncConfigDisabled:
		return skippedOutcome()
	case SyncConfigMisconfigured:
		return pausedOutcome(loaded.Message)
	}

	cfg := loaded.Config
	_, err = s.mapper.Upsert(ctx, note, cfg)
	if err != nil && isUnauthorized(err) && cfg.UsesOAuth && s.refresher != nil {
		// アクセストークンの期限切れはリフレッシュトークンで1回だけ再試行する
		token, refreshErr := s.refresher.RefreshAccessToken(ctx)
		if refreshErr == nil {
			s.logger.Console("Notion access token refreshed")
			cfg.Token = token
			_, err = s.mapper.Upsert(ctx, note, cfg)
		} else if !errors.Is(refreshErr, ErrNoRefreshToken) {
			s.logger.Error(refreshErr, "failed to refresh Notion access token")
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return failedOutcome(ctx.Err().Error())
		}
		s.logger.Error(err, "Notion sync failed for note %s", note.ID)
		return failedOutcome(err.Error())
	}
	return syncedOutcome()
}

// Forget はノート削除時にページの対応を消す
func (s *NotionSyncService) Forget(noteID string) error {
	return s.mapper.Forget(noteID)
}

// Revive は削除済みとして扱っていたノートの同期を再開する
func (s *NotionSyncService) Revive(noteID string) {
	s.mapper.Revive(noteID)
}

// ------------------------------------------------------------
// 接続テスト
// ------------------------------------------------------------

type ConnectionCheckKind string

const (
	ConnectionSuccess                 ConnectionCheckKind = "success"
	ConnectionMissingToken            ConnectionCheckKind = "missingToken"
	ConnectionInvalidToken            ConnectionCheckKind = "invalidToken"
	ConnectionInvalidDatabaseIDFormat ConnectionCheckKind = "invalidDatabaseIDFormat"
	ConnectionDatabaseNotAccessible   ConnectionCheckKind = "databaseNotAccessible"
	ConnectionUnknownError            ConnectionCheckKind = "unknownError"
)

// ConnectionCheckResult は接続テストの結果
type ConnectionCheckResult struct {
	Kind   ConnectionCheckKind `json:"kind"`
	Reason string              `json:"reason,omitempty"`
}

// Message はユーザー向けのメッセージを返す
func (r ConnectionCheckResult) Message() string {
	switch r.Kind {
	case ConnectionSuccess:
		return "Connection successful. Token is valid and database is reachable."
	case ConnectionMissingToken:
		return "Add an integration secret first."
	case ConnectionInvalidToken:
		return "Invalid integration secret: " + r.Reason
	case ConnectionInvalidDatabaseIDFormat:
		return "Database ID format is invalid. Use a 32-character hex ID from the database URL."
	case ConnectionDatabaseNotAccessible:
		return "Token is valid, but the database is not accessible: " + r.Reason
	default:
		return "Connection test failed: " + r.Reason
	}
}

// TestConnection はトークンとデータベースへのアクセスを確認する。自動再試行はしない
func (s *NotionSyncService) TestConnection(ctx context.Context, databaseID, token string) ConnectionCheckResult {
	token = strings.TrimSpace(token)
	if token == "" {
		return ConnectionCheckResult{Kind: ConnectionMissingToken}
	}
	normalized, err := NormalizeDatabaseID(databaseID)
	if err != nil {
		return ConnectionCheckResult{Kind: ConnectionInvalidDatabaseIDFormat}
	}

	client := s.client.withoutRetry()
	if _, err := client.GetCurrentUser(ctx, token); err != nil {
		return classifyConnectionError(err, ConnectionInvalidToken)
	}
	if _, err := client.GetDatabase(ctx, token, normalized); err != nil {
		return classifyConnectionError(err, ConnectionDatabaseNotAccessible)
	}
	return ConnectionCheckResult{Kind: ConnectionSuccess}
}

// classifyConnectionError はHTTPエラーを onHTTP に、それ以外を不明なエラーに分類する
func classifyConnectionError(err error, onHTTP ConnectionCheckKind) ConnectionCheckResult {
	var httpErr *HTTPError
	var invalid *InvalidResponseError
	switch {
	case errors.As(err, &httpErr):
		return ConnectionCheckResult{Kind: onHTTP, Reason: httpErr.Message}
	case errors.As(err, &invalid):
		return ConnectionCheckResult{Kind: ConnectionUnknownError, Reason: invalid.Message}
	case errors.Is(err, ErrInvalidURL):
		return ConnectionCheckResult{Kind: ConnectionUnknownError, Reason: "Invalid Notion API URL"}
	default:
		return ConnectionCheckResult{Kind: ConnectionUnknownError, Reason: fmt.Sprint(err)}
	}
}
