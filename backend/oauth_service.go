package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultOAuthAuthorizeURL = "https://api.notion.com/v1/oauth/authorize"
	defaultOAuthTokenURL     = "https://api.notion.com/v1/oauth/token"
	defaultCallbackTimeout   = 180 * time.Second
)

var (
	ErrNoRefreshToken     = errors.New("no OAuth refresh token stored")
	ErrOAuthNotConfigured = errors.New("OAuth client ID is not configured")
)

// OAuthFlowState は認可フローの進行状態
type OAuthFlowState string

const (
	OAuthIdle                 OAuthFlowState = "idle"
	OAuthAwaitingUserApproval OAuthFlowState = "awaiting_user_approval"
	OAuthCodeReceived         OAuthFlowState = "code_received"
	OAuthExchanging           OAuthFlowState = "exchanging"
	OAuthConnected            OAuthFlowState = "connected"
	OAuthFailed               OAuthFlowState = "failed"
)

type OAuthOptions struct {
	AuthorizeURL    string
	TokenURL        string
	HTTPClient      *http.Client
	CallbackTimeout time.Duration
	OpenBrowser     BrowserOpener
}

// OAuthService はNotionのOAuth認可とトークンの保存を担当する
type OAuthService struct {
	settings SettingsService
	secrets  SecretStore
	logger   AppLogger
	opts     OAuthOptions

	mu         sync.Mutex
	state      OAuthFlowState
	flowSeq    uint64
	cancelFlow context.CancelFunc

	refreshGroup singleflight.Group
}

func NewOAuthService(settings SettingsService, secrets SecretStore, logger AppLogger, opts OAuthOptions) *OAuthService {
	if opts.AuthorizeURL == "" {
		opts.AuthorizeURL = defaultOAuthAuthorizeURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultOAuthTokenURL
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = defaultCallbackTimeout
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = SystemBrowserOpener
	}
	return &OAuthService{
		settings: settings,
		secrets:  secrets,
		logger:   logger,
		opts:     opts,
		state:    OAuthIdle,
	}
}

func (s *OAuthService) State() OAuthFlowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *OAuthService) setState(state OAuthFlowState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.logger.NotifyOAuthState(state)
	}
}

// fail は状態を failed にしてエラーを返す。キャンセルの場合は idle に戻す
func (s *OAuthService) fail(err error) error {
	if errors.Is(err, context.Canceled) {
		s.setState(OAuthIdle)
		return err
	}
	s.setState(OAuthFailed)
	return err
}

func (s *OAuthService) config(clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.opts.AuthorizeURL,
			TokenURL:  s.opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// tokenContext はトークンエンドポイントへの通信に使うHTTPクライアントを ctx に載せる
func (s *OAuthService) tokenContext(ctx context.Context) context.Context {
	base := s.opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client := &http.Client{
		Transport: notionVersionTransport{base: transport},
		Timeout:   base.Timeout,
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// notionVersionTransport は全てのリクエストに Notion-Version ヘッダーを付ける
type notionVersionTransport struct {
	base http.RoundTripper
}

func (t notionVersionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Notion-Version", notionAPIVersion)
	clone.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(clone)
}

// BuildAuthorizationURL は認可画面のURLを返す。クライアントIDかリダイレクトURIが空なら false
func (s *OAuthService) BuildAuthorizationURL(clientID, redirectURI, state string) (string, bool) {
	clientID = strings.TrimSpace(clientID)
	redirectURI = strings.TrimSpace(redirectURI)
	if clientID == "" || redirectURI == "" {
		return "", false
	}
	cfg := s.config(clientID, "", redirectURI)
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("owner", "user")), true
}

// ExchangeCode は認可コードをトークンに交換し、成功した場合のみ保存する
func (s *OAuthService) ExchangeCode(ctx context.Context, clientID, clientSecret, redirectURI, code string) error {
	clientID = strings.TrimSpace(clientID)
	clientSecret = strings.TrimSpace(clientSecret)
	redirectURI = strings.TrimSpace(redirectURI)
	code = strings.TrimSpace(code)
	if clientID == "" || clientSecret == "" || redirectURI == "" || code == "" {
		return s.fail(&InvalidResponseError{Message: "Missing OAuth fields"})
	}

	s.setState(OAuthExchanging)
	token, err := s.config(clientID, clientSecret, redirectURI).Exchange(s.tokenContext(ctx), code)
	if err != nil {
		return s.fail(convertOAuthError(ctx, err))
	}
	if err := s.storeToken(token, clientSecret); err != nil {
		return s.fail(err)
	}

	s.logger.Info("Connected to Notion")
	s.setState(OAuthConnected)
	return nil
}

// storeToken はアクセストークンを最初に保存し、残りは失敗してもログのみ
func (s *OAuthService) storeToken(token *oauth2.Token, clientSecret string) error {
	if err := s.secrets.SaveSecret(AccountOAuthAccessToken, token.AccessToken); err != nil {
		return &InvalidResponseError{Message: "Failed to store access token"}
	}
	if clientSecret != "" {
		if err := s.secrets.SaveSecret(AccountOAuthClientSecret, clientSecret); err != nil {
			s.logger.Error(err, "failed to store OAuth client secret")
		}
	}
	if token.RefreshToken != "" {
		if err := s.secrets.SaveSecret(AccountOAuthRefreshToken, token.RefreshToken); err != nil {
			s.logger.Error(err, "failed to store OAuth refresh token")
		}
	}
	return nil
}

// RefreshAccessToken は保存済みのリフレッシュトークンでアクセストークンを更新する
// 同時に呼ばれた場合は1回の通信にまとめる
func (s *OAuthService) RefreshAccessToken(ctx context.Context) (string, error) {
	v, err, _ := s.refreshGroup.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *OAuthService) refresh(ctx context.Context) (string, error) {
	refreshToken, err := loadSecretOrEmpty(s.secrets, AccountOAuthRefreshToken)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(refreshToken) == "" {
		return "", ErrNoRefreshToken
	}
	current, err := s.settings.LoadSettings()
	if err != nil {
		return "", fmt.Errorf("failed to load settings: %w", err)
	}
	clientID := strings.TrimSpace(current.NotionOAuthClientID)
	if clientID == "" {
		return "", ErrOAuthNotConfigured
	}
	clientSecret, err := loadSecretOrEmpty(s.secrets, AccountOAuthClientSecret)
	if err != nil {
		return "", err
	}

	cfg := s.config(clientID, clientSecret, current.NotionOAuthRedirectURI)
	token, err := cfg.TokenSource(s.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", convertOAuthError(ctx, err)
	}
	if err := s.storeToken(token, ""); err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// ConnectWithLoopback はローカルで待ち受けて認可コードを受け取り、トークンに交換する
func (s *OAuthService) ConnectWithLoopback(ctx context.Context, clientID, clientSecret, redirectURI string) error {
	clientID = strings.TrimSpace(clientID)
	clientSecret = strings.TrimSpace(clientSecret)
	redirectURI = strings.TrimSpace(redirectURI)
	if clientID == "" || clientSecret == "" || redirectURI == "" {
		return s.fail(&InvalidResponseError{Message: "Missing OAuth fields"})
	}

	flowCtx, seq := s.beginFlow(ctx)
	defer s.endFlow(seq)

	state := uuid.NewString()
	authURL, _ := s.BuildAuthorizationURL(clientID, redirectURI, state)

	server, err := StartOAuthCallbackServer(redirectURI, state)
	if err != nil {
		return s.fail(err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			s.logger.Console("Error shutting down OAuth callback server: %v", err)
		}
	}()

	s.setState(OAuthAwaitingUserApproval)
	if err := s.opts.OpenBrowser(flowCtx, authURL); err != nil {
		return s.fail(fmt.Errorf("failed to open browser: %w", err))
	}

	code, err := server.Wait(flowCtx, s.opts.CallbackTimeout)
	if err != nil {
		return s.fail(err)
	}
	s.setState(OAuthCodeReceived)
	return s.ExchangeCode(flowCtx, clientID, clientSecret, redirectURI, code)
}

// beginFlow は進行中のフローを取り消してから新しいフローを開始する
func (s *OAuthService) beginFlow(ctx context.Context) (context.Context, uint64) {
	flowCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancelFlow != nil {
		s.cancelFlow()
	}
	s.flowSeq++
	s.cancelFlow = cancel
	seq := s.flowSeq
	s.mu.Unlock()
	return flowCtx, seq
}

func (s *OAuthService) endFlow(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flowSeq == seq && s.cancelFlow != nil {
		s.cancelFlow()
		s.cancelFlow = nil
	}
}

// Cancel は進行中の認可フローを取り消す
func (s *OAuthService) Cancel() {
	s.mu.Lock()
	cancel := s.cancelFlow
	s.cancelFlow = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect は保存済みのOAuthトークンを削除する
func (s *OAuthService) Disconnect() error {
	s.Cancel()
	for _, account := range []string{AccountOAuthAccessToken, AccountOAuthRefreshToken, AccountOAuthClientSecret} {
		if err := s.secrets.DeleteSecret(account); err != nil {
			return fmt.Errorf("failed to delete %s: %w", account, err)
		}
	}
	s.setState(OAuthIdle)
	return nil
}

// convertOAuthError はoauth2パッケージのエラーをNotionクライアントと同じ分類に変換する
func convertOAuthError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		var body map[string]interface{}
		if json.Unmarshal(retrieveErr.Body, &body) != nil {
			body = nil
		}
		httpErr := newHTTPError(status, body)
		if httpErr.Code == "" {
			httpErr.Code = retrieveErr.ErrorCode
		}
		if _, hasMessage := body["message"].(string); !hasMessage && retrieveErr.ErrorDescription != "" {
			httpErr.Message = retrieveErr.ErrorDescription
		}
		return httpErr
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return &InvalidResponseError{Message: "Missing access_token"}
	}
	return &InvalidResponseError{Message: err.Error()}
}
