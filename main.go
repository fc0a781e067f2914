package main

import (
	"context"
	"embed"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/logger"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"

	"notsy/backend"
)

//go:embed all:frontend/dist
var assets embed.FS

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	applyDefaults(v)

	rootCmd := &cobra.Command{
		Use:   "notsy",
		Short: "Sync notes to a Notion database",
		Long: `Notsy mirrors notes into a Notion database, one page per note.
Without a subcommand it starts the desktop app.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runDesktop(cfg)
		},
	}

	setupFlags(rootCmd, v)
	addCommands(rootCmd, v)
	return rootCmd
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("data-dir", v.GetString("app_data_dir"), "Application data directory")
	flags.String("log-level", "", "Log level (debug, info, warn, error); defaults to settings.json")
	flags.String("notion-base-url", "", "Notion API base URL")
	flags.Duration("flush-timeout", v.GetDuration("sync.flush_timeout"), "How long to wait for pending syncs on exit")
	flags.Duration("debounce", v.GetDuration("sync.debounce"), "Delay after the last edit before syncing")

	bindFlag(v, cmd, "app_data_dir", "data-dir")
	bindFlag(v, cmd, "log.level", "log-level")
	bindFlag(v, cmd, "notion.base_url", "notion-base-url")
	bindFlag(v, cmd, "sync.flush_timeout", "flush-timeout")
	bindFlag(v, cmd, "sync.debounce", "debounce")
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// runDesktop はWailsのウィンドウを起動する
func runDesktop(cfg cliConfig) error {
	app := backend.NewApp(cfg.appOptions(false))

	err := wails.Run(&options.App{
		Title:     "Notsy",
		Width:     720,
		Height:    480,
		MinWidth:  480,
		MinHeight: 320,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 255, G: 255, B: 255, A: 1},
		OnStartup:        app.Startup,
		OnBeforeClose:    app.BeforeClose,
		OnShutdown:       app.Shutdown,
		LogLevel:         logger.INFO,
		Bind: []interface{}{
			app,
		},
		Mac: &mac.Options{
			TitleBar: &mac.TitleBar{
				TitlebarAppearsTransparent: true,
				HideTitle:                  true,
			},
		},
		Debug: options.Debug{
			OpenInspectorOnStartup: false,
		},
		SingleInstanceLock: &options.SingleInstanceLock{
			UniqueId: "notsy-instance-lock",
			OnSecondInstanceLaunch: func(secondInstanceData options.SecondInstanceData) {
				app.BringToFront()
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to run desktop app: %w", err)
	}
	return nil
}

// openHeadlessApp はCLI用にAppを初期化する。呼び出し側で Close すること
func openHeadlessApp(ctx context.Context, cfg cliConfig) (*backend.App, error) {
	app := backend.NewApp(cfg.appOptions(true))
	app.Startup(ctx)
	if err := app.Init(); err != nil {
		return nil, err
	}
	return app, nil
}
