package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kpicatalog/internal/app"
	"kpicatalog/internal/db"
	"kpicatalog/internal/engine"
	"kpicatalog/internal/migrate"
	"kpicatalog/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Community KPI catalog",
	Long: `catalog stores KPIs, metrics, dimensions, events and dashboards as drafts,
mirrors every change to a version-controlled repository as a pull request and
publishes entries once their publish pull request is merged.

Concepts:
- Draft: every new or edited entity starts here; only drafts can be edited.
- Sync: a change is written to a branch of the external repository and a pull
  request is opened. Failures never lose the stored change; retry with 'catalog entity sync'.
- Contribution: the ledger of who changed what, resolved when the pull request closes.
- Review queue: drafts awaiting an editor; 'catalog publish' opens the publish pull request.
- Webhook: the repository host tells the catalog when pull requests close.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env not loaded:", err)
	}
	viper.SetEnvPrefix("CATALOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(contributionsCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(apiKeysCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := newLogger()
			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: log})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					log.Error("shutdown", "err", err)
				}
			}()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CATALOG_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
				EnableDevLogin:         devLogin,
				Logger:                 log.With("component", "auth"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CATALOG_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Webhook:  a.WebhookReceiver(),
			})
			if err != nil {
				return err
			}
			if n := a.Notifier(); n != nil {
				go n.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving catalog API", "addr", addr, "base_path", basePath, "webhook", server.WebhookPath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the unauthenticated X-Actor-Id header (deprecated)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				fmt.Printf("schema version %d (%s)\n", v, a.DB.DriverName())
				return nil
			})
		},
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger()})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actor() engine.Actor {
	return engine.Actor{ID: viper.GetString("actor-id")}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
