package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// フロントエンドへ送るイベント名
const (
	EventSyncStatus = "notion:status"
	EventOAuthState = "notion:oauth"
	EventLogMessage = "logMessage"
	EventSyncError  = "notion:error"
)

// AppLogger はログ出力とフロントエンド通知を担当するインターフェース
type AppLogger interface {
	NotifySyncStatus(status SyncStatus)                                  // 同期状態の通知
	NotifyOAuthState(state OAuthFlowState)                               // OAuthの進行状態の通知
	Console(format string, args ...interface{})                          // コンソール出力
	Info(format string, args ...interface{})                             // 情報メッセージ出力
	Error(err error, format string, args ...interface{}) error           // エラーメッセージ出力
	ErrorWithNotify(err error, format string, args ...interface{}) error // エラーメッセージ出力とフロントエンド通知
	IsTestMode() bool
	Sync() error
}

// appLoggerImpl はAppLoggerの実装
type appLoggerImpl struct {
	ctx        context.Context
	isTestMode bool
	emitEvents bool // Wails上で動作している場合のみ true
	log        *zap.SugaredLogger
}

// NewAppLogger はWailsアプリ用のAppLoggerを作成する
// テストモードではログを出力せず、イベントも送らない
func NewAppLogger(ctx context.Context, isTestMode bool, appDataDir, level string) AppLogger {
	return newAppLogger(ctx, isTestMode, !isTestMode, appDataDir, level)
}

// NewHeadlessLogger はWailsを使わないCLI用のAppLoggerを作成する
func NewHeadlessLogger(appDataDir, level string) AppLogger {
	return newAppLogger(context.Background(), false, false, appDataDir, level)
}

func newAppLogger(ctx context.Context, isTestMode, emitEvents bool, appDataDir, level string) AppLogger {
	if isTestMode {
		return &appLoggerImpl{ctx: ctx, isTestMode: true, log: zap.NewNop().Sugar()}
	}

	logger, err := buildZapLogger(appDataDir, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		logger = zap.NewNop()
	}
	return &appLoggerImpl{
		ctx:        ctx,
		emitEvents: emitEvents && ctx != nil,
		log:        logger.Sugar(),
	}
}

// buildZapLogger は標準エラーと logs/app_<日時>.log の両方に出力するロガーを作る
func buildZapLogger(appDataDir, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.OutputPaths = []string{"stderr"}

	if appDataDir != "" {
		logDir := filepath.Join(appDataDir, "logs")
		if err := os.MkdirAll(logDir, 0755); err == nil {
			logPath := filepath.Join(logDir, fmt.Sprintf("app_%s.log", time.Now().Format("2006-01-02_15-04-05")))
			cfg.OutputPaths = append(cfg.OutputPaths, logPath)
		}
	}
	return cfg.Build()
}

func parseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ----------------------------------------------------------------
// 同期状態の通知
// ----------------------------------------------------------------

func (l *appLoggerImpl) NotifySyncStatus(status SyncStatus) {
	if l.emitEvents {
		wailsRuntime.EventsEmit(l.ctx, EventSyncStatus, status)
	}
}

func (l *appLoggerImpl) NotifyOAuthState(state OAuthFlowState) {
	l.log.Debugw("oauth state changed", "state", string(state))
	if l.emitEvents {
		wailsRuntime.EventsEmit(l.ctx, EventOAuthState, string(state))
	}
}

// ----------------------------------------------------------------
// ログメッセージの通知
// ----------------------------------------------------------------

// ログメッセージをコンソールのみに出力
func (l *appLoggerImpl) Console(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

// 情報メッセージをコンソールとフロントエンドに出力
func (l *appLoggerImpl) Info(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.log.Info(message)
	l.sendLogMessage(message)
}

// エラーメッセージをコンソールとフロントエンドに出力し、エラーを返す
func (l *appLoggerImpl) Error(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	message := fmt.Sprintf(format, args...)
	l.log.Errorw(message, "error", err)
	l.sendLogMessage(fmt.Sprintf("%s: %s", message, err.Error()))
	return err
}

// ErrorWithNotify はエラーを出力し、さらにフロントエンドにエラー通知を送信
func (l *appLoggerImpl) ErrorWithNotify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	l.Error(err, format, args...)
	if l.emitEvents {
		wailsRuntime.EventsEmit(l.ctx, EventSyncError, err.Error())
	}
	return err
}

// ログメッセージをフロントエンドのステータスバーに通知
func (l *appLoggerImpl) sendLogMessage(message string) {
	if l.emitEvents {
		wailsRuntime.EventsEmit(l.ctx, EventLogMessage, message)
	}
}

func (l *appLoggerImpl) IsTestMode() bool {
	return l.isTestMode
}

func (l *appLoggerImpl) Sync() error {
	if err := l.log.Sync(); err != nil && !isIgnorableSyncError(err) {
		return err
	}
	return nil
}

// 端末に対する fsync は環境によって失敗するため無視する
func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}
