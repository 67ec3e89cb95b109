package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/config"
	"kpicatalog/internal/db"
	"kpicatalog/internal/engine"
	"kpicatalog/internal/migrate"
	"kpicatalog/internal/notify"
	"kpicatalog/internal/syncer"
	"kpicatalog/internal/vcs"
	"kpicatalog/internal/webhook"
)

const secretTTL = 5 * time.Minute

type Options struct {
	Workspace string
	// Config overrides catalog.yml when set.
	Config *config.Config
	Logger *slog.Logger
	// SkipMigrate leaves the schema untouched.
	SkipMigrate bool
}

// App is the wired catalog: config, database, external host and engine.
type App struct {
	Config *config.Config
	DB     *sqlx.DB
	Host   vcs.Host
	Engine engine.Engine
	Log    *slog.Logger
}

// Open builds the catalog from config: db, migrations, host, syncer, engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !opts.SkipMigrate {
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	host, err := NewHost(ctx, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := syncer.New(host, syncer.Options{
		Committer:  vcs.Identity{Name: cfg.VCS.Committer.Name, Email: cfg.VCS.Committer.Email},
		BaseBranch: cfg.VCS.BaseBranch,
		Logger:     log.With("component", "syncer"),
	})
	eng := engine.New(conn, cfg, s, log.With("component", "engine"))
	if cfg.Sync.Mode == config.SyncModeAsync {
		eng.EnableAsync(cfg.Sync.Workers, cfg.Sync.QueueSize)
	}
	log.Debug("catalog opened", "driver", cfg.Database.Driver, "provider", cfg.VCS.Provider, "sync_mode", cfg.Sync.Mode)
	return &App{Config: cfg, DB: conn, Host: host, Engine: eng, Log: log}, nil
}

// Close drains queued syncs then closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Engine.Dispatcher != nil {
		errs = append(errs, a.Engine.Dispatcher.Close(ctx))
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}

// NewHost returns the external host configured by cfg.VCS.
func NewHost(ctx context.Context, cfg *config.Config) (vcs.Host, error) {
	switch cfg.VCS.Provider {
	case config.ProviderMemory:
		owner, repo := cfg.VCS.Owner, cfg.VCS.Repo
		if owner == "" {
			owner = "local"
		}
		if repo == "" {
			repo = "catalog"
		}
		return vcs.NewMemoryHost(owner, repo, cfg.VCS.BaseBranch), nil
	case config.ProviderGitHub:
		tokens, err := NewTokenSource(ctx, cfg.VCS)
		if err != nil {
			return nil, err
		}
		opts := vcs.GitHubOptions{
			BaseURL:    cfg.VCS.APIURL,
			Owner:      cfg.VCS.Owner,
			Repo:       cfg.VCS.Repo,
			Token:      tokens,
			MaxRetries: cfg.VCS.MaxRetries,
		}
		if cfg.VCS.TimeoutSeconds > 0 {
			opts.HTTPClient = &http.Client{Timeout: time.Duration(cfg.VCS.TimeoutSeconds) * time.Second}
		}
		return vcs.NewGitHubClient(opts), nil
	}
	return nil, fmt.Errorf("unknown vcs provider %q", cfg.VCS.Provider)
}

// NewTokenSource prefers AWS Secrets Manager when a secret id is set.
func NewTokenSource(ctx context.Context, v config.VCSConfig) (vcs.TokenSource, error) {
	if v.TokenSecretID != "" {
		src, err := vcs.LoadSecretsManagerToken(ctx, v.TokenSecretRegion, v.TokenSecretID, secretTTL)
		if err != nil {
			return nil, fmt.Errorf("load secrets manager token: %w", err)
		}
		return src, nil
	}
	return vcs.EnvToken(v.TokenEnv), nil
}

// WebhookReceiver builds the inbound endpoint. The secret is read from the
// environment variable named in config.
func (a *App) WebhookReceiver() *webhook.Receiver {
	var secret []byte
	if name := strings.TrimSpace(a.Config.Webhook.SecretEnv); name != "" {
		secret = []byte(os.Getenv(name))
	}
	return webhook.NewReceiver(a.Engine, a.Engine.Repo, webhook.Options{
		Secret:       secret,
		MaxBodyBytes: a.Config.Webhook.MaxBodyBytes,
		Log:          a.Log.With("component", "webhook"),
	})
}

// Notifier is nil when no notification subscriber is configured.
func (a *App) Notifier() *notify.Notifier {
	return notify.New(a.Engine.Repo, a.Config.Notifications, notify.Options{Log: a.Log.With("component", "notify")})
}
