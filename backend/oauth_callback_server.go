package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrMissingCode            = errors.New("authorization code is missing")
	ErrStateMismatch          = errors.New("OAuth state mismatch")
	ErrInvalidCallbackRequest = errors.New("invalid OAuth callback request")
	ErrCallbackTimeout        = errors.New("timed out waiting for OAuth callback")
	ErrListenerFailed         = errors.New("failed to start OAuth callback listener")
	ErrInvalidRedirectURI     = errors.New("redirect URI must be an http loopback URL with an explicit port")
)

// コールバック画面の共通HTMLテンプレート
const callbackHTMLTemplate = `<html>
	<head>
		<meta charset="utf-8">
		<title>%s</title>
		<style>
			body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; margin: 0; background-color: #f5f5f5; }
			.container { display: flex; justify-content: center; align-items: center; height: 100vh; }
			.message-box { text-align: center; width: 400px; padding: 2rem; border-radius: 8px; background-color: #ffffff; box-shadow: 0 2px 6px rgba(0,0,0,0.3); }
			.text-error { color: #d32f2f; }
		</style>
	</head>
	<body>
		<div class="container">
			<div class="message-box">
				<h2 class="%s">%s</h2>
				<p>%s</p>
			</div>
		</div>
	</body>
</html>
`

type callbackResult struct {
	code string
	err  error
}

// OAuthCallbackServer はリダイレクトURIのポートで認可コードを1回だけ受け取る
type OAuthCallbackServer struct {
	listener      net.Listener
	server        *http.Server
	path          string
	expectedState string
	result        chan callbackResult
	closeOnce     sync.Once
}

// loopbackAddress はリダイレクトURIから待ち受けアドレスとパスを取り出す
func loopbackAddress(redirectURI string) (addr, path string, err error) {
	parsed, err := url.Parse(strings.TrimSpace(redirectURI))
	if err != nil || parsed.Scheme != "http" || parsed.Port() == "" {
		return "", "", ErrInvalidRedirectURI
	}
	host := parsed.Hostname()
	switch host {
	case "localhost", "127.0.0.1":
		host = "127.0.0.1"
	case "::1":
	default:
		return "", "", ErrInvalidRedirectURI
	}
	path = parsed.Path
	if path == "" {
		path = "/"
	}
	return net.JoinHostPort(host, parsed.Port()), path, nil
}

// StartOAuthCallbackServer はリダイレクトURIのポートで待ち受けを開始する
func StartOAuthCallbackServer(redirectURI, expectedState string) (*OAuthCallbackServer, error) {
	addr, path, err := loopbackAddress(redirectURI)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}

	s := &OAuthCallbackServer{
		listener:      listener,
		path:          path,
		expectedState: expectedState,
		result:        make(chan callbackResult, 1),
	}
	// パスの判定はハンドラー内で行うため、全てのリクエストを受け付ける
	s.server = &http.Server{
		Handler:           http.HandlerFunc(s.handleCallback),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deliver(callbackResult{err: fmt.Errorf("%w: %v", ErrListenerFailed, err)})
		}
	}()
	return s, nil
}

// Addr は実際に待ち受けているアドレスを返す
func (s *OAuthCallbackServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *OAuthCallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")

	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusBadRequest, "Invalid request")
		s.deliver(callbackResult{err: ErrInvalidCallbackRequest})
		return
	}
	if r.URL.Path != s.path {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		s.respondError(w, http.StatusBadRequest, "Missing code")
		s.deliver(callbackResult{err: ErrMissingCode})
		return
	}
	if query.Get("state") != s.expectedState {
		s.respondError(w, http.StatusBadRequest, "State mismatch. Please try connecting again.")
		s.deliver(callbackResult{err: ErrStateMismatch})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, callbackHTMLTemplate,
		"Notsy",             // title
		"",                  // heading class
		"Notion Connected",  // heading
		"You can close this tab and return to Notsy.") // message
	s.deliver(callbackResult{code: code})
}

func (s *OAuthCallbackServer) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, callbackHTMLTemplate,
		"Notsy",
		"text-error",
		"Notion Connection Error",
		message)
}

// deliver は最初の結果だけを保持する
func (s *OAuthCallbackServer) deliver(result callbackResult) {
	select {
	case s.result <- result:
	default:
	}
}

// Wait は認可コードを受け取るか、タイムアウトかキャンセルまで待つ
func (s *OAuthCallbackServer) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-s.result:
		return result.code, result.err
	case <-timer.C:
		return "", ErrCallbackTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close は待ち受けを停止する
func (s *OAuthCallbackServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			// 既に閉じられているコネクションのエラーは無視
			if !strings.Contains(shutdownErr.Error(), "use of closed network connection") {
				err = shutdownErr
			}
		}
	})
	return err
}
