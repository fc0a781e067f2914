package backend

import (
	"fmt"
	"strings"
)

const (
	pausedMissingDatabaseID = "Notion sync paused: add your database ID in Preferences."
	pausedInvalidDatabaseID = "Notion sync paused: database ID format is invalid."
	pausedMissingToken      = "Notion sync paused: add your integration secret."
)

// SyncConfig は同期1回分の設定。同期のたびに読み直す
type SyncConfig struct {
	Enabled    bool
	DatabaseID string // ハイフンを除いた32桁の16進数
	Token      string
	UsesOAuth  bool // Token がOAuthのアクセストークンの場合 true
}

// SyncConfigState は設定の読み込み結果
type SyncConfigState int

const (
	SyncConfigDisabled SyncConfigState = iota
	SyncConfigMisconfigured
	SyncConfigReady
)

type SyncConfigResult struct {
	State   SyncConfigState
	Message string // Misconfigured の場合のみ
	Config  SyncConfig
}

// LoadSyncConfig は設定と秘密情報から同期設定を組み立てる
// トークンはOAuthのアクセストークンを優先し、無ければ従来のインテグレーションシークレットを使う
func LoadSyncConfig(settings SettingsService, secrets SecretStore) (SyncConfigResult, error) {
	current, err := settings.LoadSettings()
	if err != nil {
		return SyncConfigResult{}, fmt.Errorf("failed to load settings: %w", err)
	}
	if !current.NotionSyncEnabled {
		return SyncConfigResult{State: SyncConfigDisabled}, nil
	}

	oauthToken, err := loadSecretOrEmpty(secrets, AccountOAuthAccessToken)
	if err != nil {
		return SyncConfigResult{}, err
	}
	legacyToken, err := loadSecretOrEmpty(secrets, AccountAPIToken)
	if err != nil {
		return SyncConfigResult{}, err
	}
	oauthToken = strings.TrimSpace(oauthToken)
	legacyToken = strings.TrimSpace(legacyToken)

	databaseID := strings.ReplaceAll(strings.TrimSpace(current.NotionDatabaseID), "-", "")
	if databaseID == "" {
		return misconfigured(pausedMissingDatabaseID), nil
	}
	if !isValidDatabaseID(databaseID) {
		return misconfigured(pausedInvalidDatabaseID), nil
	}

	token, usesOAuth := oauthToken, true
	if token == "" {
		token, usesOAuth = legacyToken, false
	}
	if token == "" {
		return misconfigured(pausedMissingToken), nil
	}

	return SyncConfigResult{
		State: SyncConfigReady,
		Config: SyncConfig{
			Enabled:    true,
			DatabaseID: databaseID,
			Token:      token,
			UsesOAuth:  usesOAuth,
		},
	}, nil
}

func misconfigured(message string) SyncConfigResult {
	return SyncConfigResult{State: SyncConfigMisconfigured, Message: message}
}

// NormalizeDatabaseID は前後の空白とハイフンを取り除き、形式を検証する
func NormalizeDatabaseID(raw string) (string, error) {
	id := strings.ReplaceAll(strings.TrimSpace(raw), "-", "")
	if !isValidDatabaseID(id) {
		return "", ErrInvalidDatabaseIDFormat
	}
	return id, nil
}

func isValidDatabaseID(value string) bool {
	if len(value) != 32 {
		return false
	}
	for _, c := range value {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
