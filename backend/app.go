package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

const (
	appDirName          = "notsy"
	defaultFlushTimeout = 5 * time.Second
	connectionTestLimit = 30 * time.Second
)

// アプリケーションのコンテキストを管理
type Context struct {
	ctx             context.Context
	skipBeforeClose bool // アプリケーション終了前の同期待ちをスキップするかどうか
}

// NewContext は新しいContextインスタンスを作成します
func NewContext(ctx context.Context) *Context {
	return &Context{
		ctx:             ctx,
		skipBeforeClose: false,
	}
}

// SkipBeforeClose はBeforeClose処理のスキップフラグを設定します
func (c *Context) SkipBeforeClose(skip bool) {
	c.skipBeforeClose = skip
}

// ShouldSkipBeforeClose はBeforeClose処理をスキップすべきかどうかを返します
func (c *Context) ShouldSkipBeforeClose() bool {
	return c.skipBeforeClose
}

// AppOptions はAppの構成。ゼロ値の項目は既定値を使う
type AppOptions struct {
	AppDataDir   string
	Headless     bool // Wailsを使わずCLIから動かす場合 true
	TestMode     bool
	LogLevel     string // 空の場合は settings.json の logLevel
	Logger       AppLogger
	Client       NotionClientOptions
	Scheduler    SchedulerOptions
	FlushTimeout time.Duration
	OpenBrowser  BrowserOpener

	OAuthAuthorizeURL    string
	OAuthTokenURL        string
	OAuthCallbackTimeout time.Duration
}

// App はNotion同期エンジンをフロントエンドとCLIに公開する
type App struct {
	ctx        *Context   // アプリケーションのコンテキスト
	opts       AppOptions // 起動時の構成
	appDataDir string     // アプリケーションデータディレクトリのパス
	logger     AppLogger  // アプリケーションのロガー

	settingsService SettingsService    // 設定操作サービス
	secrets         SecretStore        // 秘密情報の保存先
	client          *NotionClient      // Notion APIクライアント
	pageMaps        *PageMapStore      // ノートとページの対応表
	syncService     *NotionSyncService // 同期1回分の処理
	oauthService    *OAuthService      // OAuth認可
	status          *SyncStatusBoard   // UIに公開する同期状態
	scheduler       *SyncScheduler     // ノートごとの同期の予約

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
}

// NewApp は新しいAppインスタンスを作成します
func NewApp(opts AppOptions) *App {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	return &App{
		ctx:    NewContext(context.Background()),
		opts:   opts,
		logger: opts.Logger,
	}
}

// DefaultAppDataDir はOSごとの設定ディレクトリ配下の notsy ディレクトリを返す
func DefaultAppDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base, err = os.UserHomeDir()
		if err != nil {
			base = "."
		}
	}
	return filepath.Join(base, appDirName)
}

// ------------------------------------------------------------
// アプリケーション関連の操作
// ------------------------------------------------------------

// アプリケーション起動時に呼び出される初期化関数
func (a *App) Startup(ctx context.Context) {
	a.ctx.ctx = ctx
	if err := a.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing app: %v\n", err)
	}
}

// Init は各サービスを初期化する。2回目以降は初回の結果を返す
func (a *App) Init() error {
	a.initOnce.Do(func() {
		a.initErr = a.init()
	})
	return a.initErr
}

func (a *App) init() error {
	a.appDataDir = a.opts.AppDataDir
	if a.appDataDir == "" {
		a.appDataDir = DefaultAppDataDir()
	}
	if err := os.MkdirAll(a.appDataDir, 0755); err != nil {
		return fmt.Errorf("failed to create app data directory: %w", err)
	}

	// SettingsServiceの初期化
	a.settingsService = NewSettingsService(a.appDataDir)
	settings, err := a.settingsService.LoadSettings()
	if err != nil {
		return err
	}

	if a.logger == nil {
		level := a.opts.LogLevel
		if level == "" {
			level = settings.LogLevel
		}
		if a.opts.Headless {
			a.logger = NewHeadlessLogger(a.appDataDir, level)
		} else {
			a.logger = NewAppLogger(a.ctx.ctx, a.opts.TestMode, a.appDataDir, level)
		}
	}
	a.logger.Console("appDataDir %s", a.appDataDir)

	secrets, err := NewSecretStore(a.appDataDir)
	if err != nil {
		return err
	}
	a.secrets = secrets

	a.pageMaps = NewPageMapStore(a.appDataDir)
	if err := a.pageMaps.Load(); err != nil {
		return err
	}

	a.client = NewNotionClient(a.opts.Client)
	mapper := NewPageMapper(a.client, NewContentTranslator(a.client), a.pageMaps)

	opener := a.opts.OpenBrowser
	if opener == nil {
		if a.opts.Headless || a.opts.TestMode {
			opener = SystemBrowserOpener
		} else {
			opener = wailsBrowserOpener(a.ctx.ctx)
		}
	}
	a.oauthService = NewOAuthService(a.settingsService, a.secrets, a.logger, OAuthOptions{
		AuthorizeURL:    a.opts.OAuthAuthorizeURL,
		TokenURL:        a.opts.OAuthTokenURL,
		HTTPClient:      a.opts.Client.HTTPClient,
		CallbackTimeout: a.opts.OAuthCallbackTimeout,
		OpenBrowser:     opener,
	})

	a.syncService = NewNotionSyncService(a.settingsService, a.secrets, a.client, mapper, a.oauthService, a.logger)
	a.status = NewSyncStatusBoard(a.logger.NotifySyncStatus)
	a.scheduler = NewSyncScheduler(a.syncService, a.status, a.logger, a.opts.Scheduler)
	return nil
}

func (a *App) ready() error {
	return a.Init()
}

// アプリケーション終了前に呼び出される処理
// 保留中の同期を即時実行し、一定時間だけ終了を待つ
func (a *App) BeforeClose(ctx context.Context) (prevent bool) {
	if a.ctx.ShouldSkipBeforeClose() || a.ready() != nil {
		return false
	}
	if a.scheduler.HasPending() {
		if !a.scheduler.FlushAll(a.opts.FlushTimeout) {
			a.logger.Console("Closing with unfinished Notion sync")
		}
	}
	return false
}

// アプリケーション終了時に呼び出される処理
func (a *App) Shutdown(ctx context.Context) {
	a.Close()
}

// アプリケーションを強制終了する
func (a *App) DestroyApp() {
	// BeforeCloseイベントをスキップしてアプリケーションを終了
	a.ctx.SkipBeforeClose(true)
	if !a.opts.Headless && !a.opts.TestMode {
		wailsRuntime.Quit(a.ctx.ctx)
	}
}

// Logger は初期化済みのロガーを返す（Init の前は nil）
func (a *App) Logger() AppLogger {
	return a.logger
}

// BringToFront はウィンドウを最前面に表示します（2つ目の起動時）
func (a *App) BringToFront() {
	if a.opts.Headless || a.opts.TestMode {
		return
	}
	wailsRuntime.WindowUnminimise(a.ctx.ctx)
	wailsRuntime.WindowShow(a.ctx.ctx)
}

// Close は予約中の同期を取り消し、保存先を閉じる
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.Init() != nil {
			return
		}
		a.scheduler.Close()
		a.oauthService.Cancel()
		a.status.Close()
		err = a.secrets.Close()
		_ = a.logger.Sync()
	})
	return err
}

// ------------------------------------------------------------
// 同期関連の操作
// ------------------------------------------------------------

// ScheduleNotionSync はノートの変更を受け取り、同期を予約する
func (a *App) ScheduleNotionSync(note NoteSnapshot) {
	if a.ready() != nil || note.ID == "" {
		return
	}
	a.syncService.Revive(note.ID)
	a.scheduler.Schedule(note)
}

// NotifyNoteDeleted はノートの削除を受け取り、予約を取り消して対応を消す
func (a *App) NotifyNoteDeleted(noteID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.scheduler.Cancel(noteID)
	if err := a.syncService.Forget(noteID); err != nil {
		return a.logger.Error(err, "failed to forget Notion page for note %s", noteID)
	}
	return nil
}

func (a *App) CancelAllNotionSync() {
	if a.ready() != nil {
		return
	}
	a.scheduler.CancelAll()
}

func (a *App) HasPendingNotionSync() bool {
	if a.ready() != nil {
		return false
	}
	return a.scheduler.HasPending()
}

// FlushNotionSync は保留中の同期を即時実行して待つ。タイムアウトした場合は false
func (a *App) FlushNotionSync() bool {
	if a.ready() != nil {
		return true
	}
	return a.scheduler.FlushAll(a.opts.FlushTimeout)
}

// GetNotionSyncProblems は直近の同期が反映されなかったノートを返す
func (a *App) GetNotionSyncProblems() []SyncProblem {
	if a.ready() != nil {
		return nil
	}
	return a.scheduler.Problems()
}

func (a *App) GetNotionSyncStatus() SyncStatus {
	if a.ready() != nil {
		return SyncStatus{}
	}
	return a.status.Snapshot()
}

// ------------------------------------------------------------
// 設定関連の操作
// ------------------------------------------------------------

func (a *App) GetNotionSettings() (*Settings, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return a.settingsService.LoadSettings()
}

// SaveNotionSettings は設定を保存する。同期は次回の実行時に新しい設定を読み込む
func (a *App) SaveNotionSettings(settings Settings) error {
	if err := a.ready(); err != nil {
		return err
	}
	settings.NotionDatabaseID = strings.TrimSpace(settings.NotionDatabaseID)
	settings.NotionOAuthClientID = strings.TrimSpace(settings.NotionOAuthClientID)
	settings.NotionOAuthRedirectURI = strings.TrimSpace(settings.NotionOAuthRedirectURI)
	if settings.LogLevel == "" {
		settings.LogLevel = defaultLogLevel
	}
	if err := a.settingsService.SaveSettings(&settings); err != nil {
		return a.logger.Error(err, "failed to save settings")
	}
	if !settings.NotionSyncEnabled {
		a.scheduler.CancelAll()
	}
	return nil
}

// SetNotionIntegrationToken はインテグレーションシークレットを保存する。空文字の場合は削除する
func (a *App) SetNotionIntegrationToken(token string) error {
	if err := a.ready(); err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return a.secrets.DeleteSecret(AccountAPIToken)
	}
	return a.secrets.SaveSecret(AccountAPIToken, token)
}

// storedToken は保存済みのトークンを返す。OAuthのアクセストークンを優先する
func (a *App) storedToken() (string, error) {
	for _, account := range []string{AccountOAuthAccessToken, AccountAPIToken} {
		token, err := loadSecretOrEmpty(a.secrets, account)
		if err != nil {
			return "", err
		}
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
	}
	return "", nil
}

// ConnectionReport は接続テストの結果をフロントエンド向けにまとめたもの
type ConnectionReport struct {
	Success bool                `json:"success"`
	Kind    ConnectionCheckKind `json:"kind"`
	Message string              `json:"message"`
}

// TestNotionConnection はトークンとデータベースへのアクセスを確認する
// token が空の場合は保存済みのトークンを使う
func (a *App) TestNotionConnection(databaseID, token string) ConnectionReport {
	if err := a.ready(); err != nil {
		result := ConnectionCheckResult{Kind: ConnectionUnknownError, Reason: err.Error()}
		return ConnectionReport{Kind: result.Kind, Message: result.Message()}
	}
	if strings.TrimSpace(token) == "" {
		stored, err := a.storedToken()
		if err != nil {
			a.logger.Error(err, "failed to load stored Notion token")
		}
		token = stored
	}

	ctx, cancel := context.WithTimeout(a.ctx.ctx, connectionTestLimit)
	defer cancel()
	result := a.syncService.TestConnection(ctx, databaseID, token)
	return ConnectionReport{
		Success: result.Kind == ConnectionSuccess,
		Kind:    result.Kind,
		Message: result.Message(),
	}
}

// ------------------------------------------------------------
// OAuth関連の操作
// ------------------------------------------------------------

// oauthClient は設定からクライアントIDとリダイレクトURIを読み込む
func (a *App) oauthClient() (clientID, redirectURI string, err error) {
	settings, err := a.settingsService.LoadSettings()
	if err != nil {
		return "", "", err
	}
	return settings.NotionOAuthClientID, settings.NotionOAuthRedirectURI, nil
}

// BuildNotionAuthorizationURL は認可画面のURLを返す
func (a *App) BuildNotionAuthorizationURL(state string) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	clientID, redirectURI, err := a.oauthClient()
	if err != nil {
		return "", err
	}
	authURL, ok := a.oauthService.BuildAuthorizationURL(clientID, redirectURI, state)
	if !ok {
		return "", ErrOAuthNotConfigured
	}
	return authURL, nil
}

// ConnectNotion はブラウザで認可を行い、ローカルで受け取ったコードをトークンに交換する
func (a *App) ConnectNotion(clientSecret string) error {
	if err := a.ready(); err != nil {
		return err
	}
	clientID, redirectURI, err := a.oauthClient()
	if err != nil {
		return err
	}
	if err := a.oauthService.ConnectWithLoopback(a.ctx.ctx, clientID, clientSecret, redirectURI); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return a.logger.ErrorWithNotify(err, "Notion connection failed")
	}
	return nil
}

// ExchangeNotionCode は手動で入力された認可コードをトークンに交換する
func (a *App) ExchangeNotionCode(clientSecret, code string) error {
	if err := a.ready(); err != nil {
		return err
	}
	clientID, redirectURI, err := a.oauthClient()
	if err != nil {
		return err
	}
	if err := a.oauthService.ExchangeCode(a.ctx.ctx, clientID, clientSecret, redirectURI, code); err != nil {
		return a.logger.ErrorWithNotify(err, "Notion code exchange failed")
	}
	return nil
}

func (a *App) CancelNotionConnect() {
	if a.ready() != nil {
		return
	}
	a.oauthService.Cancel()
}

func (a *App) DisconnectNotion() error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.oauthService.Disconnect()
}

func (a *App) GetNotionOAuthState() string {
	if a.ready() != nil {
		return string(OAuthIdle)
	}
	return string(a.oauthService.State())
}
