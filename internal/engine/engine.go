package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/config"
	"kpicatalog/internal/domain"
	"kpicatalog/internal/engine/auth"
	"kpicatalog/internal/events"
	"kpicatalog/internal/repo"
	"kpicatalog/internal/syncer"
	"kpicatalog/internal/vcs"
)

type Engine struct {
	DB         *sqlx.DB
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Service
	Syncer     *syncer.Service
	Config     *config.Config
	Dispatcher *Dispatcher
	Log        *slog.Logger
	Now        func() time.Time
}

func New(db *sqlx.DB, cfg *config.Config, s *syncer.Service, log *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Auth:   auth.Service{Repo: r, Editors: cfg.Roles.Editors, Admins: cfg.Roles.Admins},
		Syncer: s,
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) syncTimeout() time.Duration {
	if e.Config != nil && e.Config.Sync.TimeoutSeconds > 0 {
		return time.Duration(e.Config.Sync.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// Actor is the authenticated contributor behind an operation.
type Actor struct {
	ID    string
	Name  string
	Email string
}

func (a Actor) identity() vcs.Identity {
	name := a.Name
	if name == "" {
		name = a.ID
	}
	return vcs.Identity{Name: name, Email: a.Email}
}

// InputError is a rejected request payload.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidTransitionError is an operation not allowed in the entity's status.
type InvalidTransitionError struct {
	EntityID string
	From     domain.Status
	Op       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s entity %s in status %s", e.Op, e.EntityID, e.From)
}

// RetryableError reports a sync failure surfaced to the caller. The entity
// is unchanged and the operation may be retried once the external host is
// reachable with valid credentials.
type RetryableError struct {
	Op    string
	Cause string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: sync failed, verify repository credentials and connectivity then retry: %s", e.Op, e.Cause)
}

// IsRetryable reports whether err is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func newID() string {
	return uuid.NewString()
}

// loadEntity fetches id and checks it is of kind.
func (e Engine) loadEntity(ctx context.Context, tx *sqlx.Tx, kind domain.Kind, id string) (domain.Entity, error) {
	ent, err := e.Repo.GetEntity(ctx, tx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if kind != "" && ent.Kind != kind {
		return domain.Entity{}, repo.ErrNotFound
	}
	return ent, nil
}
