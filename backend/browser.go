package backend

import (
	"context"

	"github.com/pkg/browser"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// BrowserOpener は認可画面をユーザーのブラウザで開く
type BrowserOpener func(ctx context.Context, url string) error

// wailsBrowserOpener はWailsのランタイム経由でブラウザを開く
func wailsBrowserOpener(appCtx context.Context) BrowserOpener {
	return func(_ context.Context, url string) error {
		wailsRuntime.BrowserOpenURL(appCtx, url)
		return nil
	}
}

// SystemBrowserOpener はWailsを使わない場合にOSの既定ブラウザを開く
func SystemBrowserOpener(_ context.Context, url string) error {
	return browser.OpenURL(url)
}
