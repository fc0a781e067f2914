package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"notsy/backend"
)

func addCommands(root *cobra.Command, v *viper.Viper) {
	root.AddCommand(
		newStatusCommand(v),
		newConfigureCommand(v),
		newSetTokenCommand(v),
		newTestCommand(v),
		newAuthURLCommand(v),
		newConnectCommand(v),
		newExchangeCommand(v),
		newDisconnectCommand(v),
		newPushCommand(v),
		newWatchCommand(v),
	)
}

// withApp は設定を読み込んでAppを開き、fn の終了後に閉じる
func withApp(ctx context.Context, v *viper.Viper, fn func(app *backend.App, cfg cliConfig) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	app, err := openHeadlessApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app, cfg)
}

func newStatusCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show Notion sync settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(app *backend.App, cfg cliConfig) error {
				settings, err := app.GetNotionSettings()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Data directory:  %s\n", cfg.AppDataDir)
				fmt.Fprintf(out, "Sync enabled:    %t\n", settings.NotionSyncEnabled)
				fmt.Fprintf(out, "Database ID:     %s\n", orNone(settings.NotionDatabaseID))
				fmt.Fprintf(out, "OAuth client ID: %s\n", orNone(settings.NotionOAuthClientID))
				fmt.Fprintf(out, "Redirect URI:    %s\n", orNone(settings.NotionOAuthRedirectURI))
				fmt.Fprintf(out, "OAuth state:     %s\n", app.GetNotionOAuthState())
				fmt.Fprintf(out, "Log level:       %s\n", settings.LogLevel)
				return nil
			})
		},
	}
}

func orNone(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return value
}

func newConfigureCommand(v *viper.Viper) *cobra.Command {
	var (
		enable      bool
		disable     bool
		databaseID  string
		clientID    string
		redirectURI string
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Update Notion sync settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return errors.New("--enable and --disable cannot be used together")
			}
			return withApp(cmd.Context(), v, func(app *backend.App, _ cliConfig) error {
				current, err := app.GetNotionSettings()
				if err != nil {
					return err
				}
				settings := *current
				flags := cmd.Flags()
				if enable {
					settings.NotionSyncEnabled = true
				}
				if disable {
					settings.NotionSyncEnabled = false
				}
				if flags.Changed("database-id") {
					settings.NotionDatabaseID = databaseID
				}
				if flags.Changed("client-id") {
					settings.NotionOAuthClientID = clientID
				}
				if flags.Changed("redirect-uri") {
					settings.NotionOAuthRedirectURI = redirectURI
				}
				if flags.Changed("settings-log-level") {
					settings.LogLevel = logLevel
				}
				if err := app.SaveNotionSettings(settings); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Settings saved.")
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&enable, "enable", false, "Enable Notion sync")
	flags.BoolVar(&disable, "disable", false, "Disable Notion sync")
	flags.StringVar(&databaseID, "database-id", "", "Notion database ID or URL segment")
	flags.StringVar(&clientID, "client-id", "", "Notion public integration client ID")
	flags.StringVar(&redirectURI, "redirect-uri", "", "OAuth redirect URI (http://localhost:<port>/<path>)")
	flags.StringVar(&logLevel, "settings-log-level", "", "Log level stored in settings.json")
	return cmd
}

func newSetTokenCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "set-token [secret|-]",
		Short: "Store the Notion integration secret (no argument clears it)",
		Long: `Store the Notion internal integration secret in the encrypted secret store.
Pass "-" to read the secret from standard input. Without an argument the stored secret is removed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
				if token == "-" {
					secret, err := readSecret(cmd)
					if err != nil {
						return fmt.Errorf("failed to read secret: %w", err)
					}
					token = secret
				}
			}
			return withApp(cmd.Context(), v, func(app *backend.App, _ cliConfig) error {
				if err := app.SetNotionIntegrationToken(token); err != nil {
					return err
				}
				if strings.TrimSpace(token) == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "Integration secret removed.")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Integration secret saved.")
				}
				return nil
			})
		},
	}
}

// readSecret は端末からの入力ならエコーせずに読み、それ以外は入力全体を読む
func readSecret(cmd *cobra.Command) (string, error) {
	if in, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), "Integration secret: ")
		data, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func newTestCommand(v *viper.Viper) *cobra.Command {
	var databaseID, token string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check the token and database access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(app *backend.App, _ cliConfig) error {
				if !cmd.Flags().Changed("database-id") {
					settings, err := app.GetNotionSettings()
					if err != nil {
						return err
					}
					databaseID = settings.NotionDatabaseID
				}
				report := app.TestNotionConnection(databaseID, token)
				fmt.Fprintln(cmd.OutOrStdout(), report.Message)
				if !report.Success {
					return fmt.Errorf("connection test failed (%s)", report.Kind)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&databaseID, "database-id", "", "Database ID to check (defaults to settings)")
	cmd.Flags().StringVar(&token, "token", "", "Token to check (defaults to the stored token)")
	return cmd
}

func newAuthURLCommand(v *viper.Viper) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "auth-url",
		Short: "Print the Notion authorization URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state == "" {
				state = uuid.NewString()
			}
			return withApp(cmd.Context(), v, func(app *backend.App, _ cliConfig) error {
				authURL, err := app.BuildNotionAuthorizationURL(state)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), authURL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "OAuth state value (random when omitted)")
	return cmd
}

// clientSecretFlag はフラグ、環境変数 NOTSY_NOTION_CLIENT_SECRET の順に参照する
// 同じキーを複数のコマンドで使うため、実行するコマンドのフラグだけを結び付ける
func clientSecretFlag(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().String("client-secret", "", "Notion OAuth client secret (or NOTSY_NOTION_CLIENT_SECRET)")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return v.BindPFlag("notion.client_secret", cmd.Flags().Lookup("client-secret"))
	}
}

func requireClientSecret(cfg cliConfig) (string, error) {
	if cfg.ClientSecret == "" {
		return "", errors.New("client secret is required (--client-secret or NOTSY_NOTION_CLIENT_SECRET)")
	}
	return cfg.ClientSecret, nil
}

func newConnectCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to Notion through the browser",
		Long: `Open the Notion authorization page in the browser and wait for the
redirect on the local callback address configured as the redirect URI.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, v, func(app *backend.App, cfg cliConfig) error {
				secret, err := requireClientSecret(cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Waiting for Notion authorization in the browser...")
				if err := app.ConnectNotion(secret); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Connected to Notion.")
				return nil
			})
		},
	}
	clientSecretFlag(cmd, v)
	return cmd
}

func newExchangeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exchange <code>",
		Short: "Exchange an authorization code copied from the redirect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(app *backend.App, cfg cliConfig) error {
				secret, err := requireClientSecret(cfg)
				if err != nil {
					return err
				}
				if err := app.ExchangeNotionCode(secret, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Connected to Notion.")
				return nil
			})
		},
	}
	clientSecretFlag(cmd, v)
	return cmd
}

func newDisconnectCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Remove stored OAuth tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(app *backend.App, _ cliConfig) error {
				if err := app.DisconnectNotion(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Disconnected from Notion.")
				return nil
			})
		},
	}
}

var errSyncDisabled = errors.New("notion sync is disabled (run: notsy configure --enable)")

// flushOrFail は保留中の同期を待ち、終わらなかった場合と反映されなかったノートがある場合はエラーを返す
// 状態表示は最後の結果しか持たないため、ノートごとの結果を見る
func flushOrFail(app *backend.App, cfg cliConfig) error {
	if !app.FlushNotionSync() {
		return fmt.Errorf("notion sync did not finish within %s", cfg.FlushTimeout)
	}
	problems := app.GetNotionSyncProblems()
	if len(problems) == 0 {
		return nil
	}

	// 同じ理由で止まったノートは1行にまとめる
	var messages []string
	noteIDs := make(map[string][]string)
	for _, problem := range problems {
		if _, ok := noteIDs[problem.Message]; !ok {
			messages = append(messages, problem.Message)
		}
		noteIDs[problem.Message] = append(noteIDs[problem.Message], problem.NoteID)
	}
	errs := make([]error, 0, len(messages))
	for _, message := range messages {
		errs = append(errs, fmt.Errorf("%s (notes: %s)", message, strings.Join(noteIDs[message], ", ")))
	}
	return errors.Join(errs...)
}

func newPushCommand(v *viper.Viper) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "push <notes.json>",
		Short: "Sync every note in a notes file once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes, err := backend.LoadNotesFile(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				v.Set("sync.flush_timeout", timeout)
			}
			return withApp(cmd.Context(), v, func(app *backend.App, cfg cliConfig) error {
				settings, err := app.GetNotionSettings()
				if err != nil {
					return err
				}
				if !settings.NotionSyncEnabled {
					return errSyncDisabled
				}
				for _, note := range notes {
					app.ScheduleNotionSync(note.Snapshot())
				}
				if err := flushOrFail(app, cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d notes.\n", len(notes))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait for the notes to sync")
	return cmd
}

func newWatchCommand(v *viper.Viper) *cobra.Command {
	var initialSync bool
	cmd := &cobra.Command{
		Use:   "watch <notes.json>",
		Short: "Sync a notes file whenever it changes",
		Long: `Watch a notes file and sync changed notes after the debounce delay.
Notes removed from the file lose their Notion page mapping. Pending syncs
are flushed on SIGINT or SIGTERM.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			notes, err := backend.LoadNotesFile(path)
			if err != nil {
				return err
			}
			// 同期処理自体はシグナルで止めず、終了時の flush まで続ける
			return withApp(context.Background(), v, func(app *backend.App, cfg cliConfig) error {
				watcher := backend.NewNotesWatcher(path, app, app.Logger())
				watcher.Prime(notes)
				if initialSync {
					for _, note := range notes {
						app.ScheduleNotionSync(note.Snapshot())
					}
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl+C to stop)\n", path)
				if err := watcher.Run(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Flushing pending Notion syncs...")
				return flushOrFail(app, cfg)
			})
		},
	}
	cmd.Flags().BoolVar(&initialSync, "initial-sync", false, "Sync every note once at startup")
	return cmd
}
