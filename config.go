package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"notsy/backend"
)

const envPrefix = "NOTSY"

// cliConfig はフラグ・環境変数・設定ファイルから読み込んだ実行時の構成
type cliConfig struct {
	AppDataDir   string
	LogLevel     string
	BaseURL      string
	FlushTimeout time.Duration
	Debounce     time.Duration
	ClientSecret string
}

// applyDefaults は既定値と環境変数の対応を設定する
// 例: NOTSY_LOG_LEVEL, NOTSY_NOTION_BASE_URL
func applyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_data_dir", backend.DefaultAppDataDir())
	v.SetDefault("log.level", "")
	v.SetDefault("notion.base_url", "")
	v.SetDefault("notion.client_secret", "")
	v.SetDefault("sync.flush_timeout", 5*time.Second)
	v.SetDefault("sync.debounce", 1200*time.Millisecond)
}

// readConfigFile は設定ファイルを読み込む。明示されていない場合は
// appDataDir の config.(yaml|json|toml) を探し、無ければ何もしない
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(v.GetString("app_data_dir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func loadConfig(v *viper.Viper) (cliConfig, error) {
	cfg := cliConfig{
		AppDataDir:   strings.TrimSpace(v.GetString("app_data_dir")),
		LogLevel:     strings.TrimSpace(v.GetString("log.level")),
		BaseURL:      strings.TrimSpace(v.GetString("notion.base_url")),
		FlushTimeout: v.GetDuration("sync.flush_timeout"),
		Debounce:     v.GetDuration("sync.debounce"),
		ClientSecret: strings.TrimSpace(v.GetString("notion.client_secret")),
	}
	if err := cfg.validate(); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func (c cliConfig) validate() error {
	if c.AppDataDir == "" {
		return fmt.Errorf("app_data_dir is required")
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("sync.flush_timeout must be positive")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}
	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("notion.base_url is not a valid URL: %q", c.BaseURL)
		}
	}
	return nil
}

// appOptions はCLIから起動する場合のApp構成を返す
func (c cliConfig) appOptions(headless bool) backend.AppOptions {
	return backend.AppOptions{
		AppDataDir:   c.AppDataDir,
		Headless:     headless,
		LogLevel:     c.LogLevel,
		Client:       backend.NotionClientOptions{BaseURL: c.BaseURL},
		Scheduler:    backend.SchedulerOptions{Debounce: c.Debounce},
		FlushTimeout: c.FlushTimeout,
	}
}
