package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/catalogschema"
	"kpicatalog/internal/config"
	"kpicatalog/internal/domain"
	"kpicatalog/internal/events"
	"kpicatalog/internal/repo"
)

type CreateOptions struct {
	Kind        domain.Kind
	Name        string
	Description string
	Category    string
	Tags        []string
	Details     map[string]any
	Actor       Actor
}

// WriteResult is the stored entity plus what happened to its sync. Sync is
// nil while an async sync is still queued.
type WriteResult struct {
	Entity       domain.Entity       `json:"entity"`
	Contribution domain.Contribution `json:"contribution"`
	Sync         *SyncOutcome        `json:"sync,omitempty"`
}

// CreateEntity stores a new draft and syncs it. Store errors abort the call;
// sync failures never do.
func (e Engine) CreateEntity(ctx context.Context, opts CreateOptions) (WriteResult, error) {
	if !opts.Kind.Valid() {
		return WriteResult{}, &InputError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", opts.Kind)}
	}
	if strings.TrimSpace(opts.Name) == "" {
		return WriteResult{}, &InputError{Field: "name", Message: "required"}
	}
	if opts.Actor.ID == "" {
		return WriteResult{}, &InputError{Field: "actor", Message: "required"}
	}
	now := e.stamp()
	ent := domain.Entity{
		ID:             newID(),
		Kind:           opts.Kind,
		Status:         domain.StatusDraft,
		Name:           strings.TrimSpace(opts.Name),
		Description:    opts.Description,
		Category:       opts.Category,
		Tags:           opts.Tags,
		Details:        opts.Details,
		CreatedBy:      opts.Actor.ID,
		LastModifiedBy: opts.Actor.ID,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := catalogschema.Validate(ent); err != nil {
		return WriteResult{}, err
	}

	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	defer tx.Rollback()

	slug, err := e.uniqueSlug(ctx, tx, ent.Kind, ent.Name, ent.ID)
	if err != nil {
		return WriteResult{}, err
	}
	ent.Slug = slug
	if err := e.Repo.InsertEntity(ctx, tx, ent); err != nil {
		return WriteResult{}, fmt.Errorf("insert entity: %w", err)
	}
	job, contrib, err := e.openSync(ctx, tx, ent, domain.ActionCreated, opts.Actor)
	if err != nil {
		return WriteResult{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.EntityCreated, ent.Kind, ent.ID, opts.Actor.ID,
		events.EventPayload{"slug": ent.Slug, "name": ent.Name}); err != nil {
		return WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, err
	}

	return e.finishWrite(ctx, ent, contrib, job)
}

type EditOptions struct {
	Kind        domain.Kind
	ID          string
	Name        *string
	Description *string
	Category    *string
	Tags        *[]string
	// Details replaces the kind payload when non-nil.
	Details map[string]any
	Actor   Actor
}

// EditEntity changes a draft. Only the creator or an editor/admin may edit,
// and only while the entity is a draft. The slug never changes.
func (e Engine) EditEntity(ctx context.Context, opts EditOptions) (WriteResult, error) {
	if opts.Actor.ID == "" {
		return WriteResult{}, &InputError{Field: "actor", Message: "required"}
	}
	ent, err := e.loadEntity(ctx, nil, opts.Kind, opts.ID)
	if err != nil {
		return WriteResult{}, err
	}
	if ent.Status != domain.StatusDraft {
		return WriteResult{}, &InvalidTransitionError{EntityID: ent.ID, From: ent.Status, Op: "edit"}
	}
	if ent.CreatedBy != opts.Actor.ID {
		if err := e.Auth.Require(ctx, "editing another contributor's draft", opts.Actor.ID, domain.RoleEditor, domain.RoleAdmin); err != nil {
			return WriteResult{}, err
		}
	}
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return WriteResult{}, &InputError{Field: "name", Message: "must not be empty"}
		}
		ent.Name = strings.TrimSpace(*opts.Name)
	}
	if opts.Description != nil {
		ent.Description = *opts.Description
	}
	if opts.Category != nil {
		ent.Category = *opts.Category
	}
	if opts.Tags != nil {
		ent.Tags = *opts.Tags
	}
	if opts.Details != nil {
		ent.Details = opts.Details
	}
	ent.LastModifiedBy = opts.Actor.ID
	ent.LastModifiedAt = e.stamp()
	if err := catalogschema.Validate(ent); err != nil {
		return WriteResult{}, err
	}

	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDraftContent(ctx, tx, ent); err != nil {
		return WriteResult{}, err
	}
	job, contrib, err := e.openSync(ctx, tx, ent, domain.ActionEdited, opts.Actor)
	if err != nil {
		return WriteResult{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.EntityEdited, ent.Kind, ent.ID, opts.Actor.ID,
		events.EventPayload{"slug": ent.Slug}); err != nil {
		return WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, err
	}
	return e.finishWrite(ctx, ent, contrib, job)
}

// finishWrite runs or queues the sync after the store write committed.
func (e Engine) finishWrite(ctx context.Context, ent domain.Entity, contrib domain.Contribution, job SyncJob) (WriteResult, error) {
	res := WriteResult{Entity: ent, Contribution: contrib}
	if e.Dispatcher != nil && e.Config != nil && e.Config.Sync.Mode == config.SyncModeAsync {
		if err := e.Dispatcher.Enqueue(job); err != nil {
			e.Log.Error("sync not queued", "entity_id", ent.ID, "sync_id", job.SyncID, "err", err)
			outcome := e.recordFailure(ctx, job, "queue: "+err.Error())
			res.Sync = &outcome
			res.Contribution.Status = domain.ContributionFailed
		}
		return res, nil
	}
	syncCtx, cancel := context.WithTimeout(ctx, e.syncTimeout())
	defer cancel()
	outcome := e.RunSync(syncCtx, job)
	res.Sync = &outcome
	if outcome.Success {
		if updated, err := e.Repo.GetEntity(ctx, nil, ent.ID); err == nil {
			res.Entity = updated
		}
	} else {
		res.Contribution.Status = domain.ContributionFailed
		res.Contribution.Error = outcome.Error
	}
	return res, nil
}

func (e Engine) GetEntity(ctx context.Context, kind domain.Kind, id string) (domain.Entity, error) {
	return e.loadEntity(ctx, nil, kind, id)
}

func (e Engine) GetEntityBySlug(ctx context.Context, kind domain.Kind, slug string) (domain.Entity, error) {
	return e.Repo.GetEntityBySlug(ctx, nil, kind, slug)
}

func (e Engine) ListEntities(ctx context.Context, f repo.EntityFilters) ([]domain.Entity, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, &InputError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", f.Kind)}
	}
	return e.Repo.ListEntities(ctx, f)
}

func (e Engine) ListContributions(ctx context.Context, f repo.ContributionFilters) ([]domain.Contribution, error) {
	return e.Repo.ListContributions(ctx, f)
}

// RetrySync re-runs an awaited sync for an entity that never got sync
// bookkeeping. Allowed for the creator and editors/admins.
func (e Engine) RetrySync(ctx context.Context, kind domain.Kind, id string, actor Actor) (SyncOutcome, error) {
	ent, err := e.loadEntity(ctx, nil, kind, id)
	if err != nil {
		return SyncOutcome{}, err
	}
	if ent.Synced() {
		return SyncOutcome{}, &InvalidTransitionError{EntityID: ent.ID, From: ent.Status, Op: "retry sync of already synced"}
	}
	if ent.CreatedBy != actor.ID {
		if err := e.Auth.Require(ctx, "retry-sync", actor.ID, domain.RoleEditor, domain.RoleAdmin); err != nil {
			return SyncOutcome{}, err
		}
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return SyncOutcome{}, err
	}
	defer tx.Rollback()
	job, _, err := e.openSync(ctx, tx, ent, domain.ActionCreated, actor)
	if err != nil {
		return SyncOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncOutcome{}, err
	}
	syncCtx, cancel := context.WithTimeout(ctx, e.syncTimeout())
	defer cancel()
	outcome := e.RunSync(syncCtx, job)
	if !outcome.Success {
		return outcome, &RetryableError{Op: "retry-sync", Cause: outcome.Error}
	}
	return outcome, nil
}

// CheckPublished lists published entities with no pull request that are not
// exempt. Any hit means a reconciliation was lost.
func (e Engine) CheckPublished(ctx context.Context) ([]domain.Entity, error) {
	return e.Repo.PublishedWithoutPR(ctx)
}

func (e Engine) SetPublishExempt(ctx context.Context, kind domain.Kind, id string, exempt bool, actor Actor) error {
	if err := e.Auth.Require(ctx, "publish exemption", actor.ID, domain.RoleAdmin); err != nil {
		return err
	}
	if _, err := e.loadEntity(ctx, nil, kind, id); err != nil {
		return err
	}
	return e.Repo.SetPublishExempt(ctx, id, exempt)
}

// uniqueSlug derives the slug from name, suffixing -2, -3, ... on collision.
// Names without any ASCII letter or digit fall back to an id prefix.
func (e Engine) uniqueSlug(ctx context.Context, tx *sqlx.Tx, kind domain.Kind, name, id string) (string, error) {
	base := domain.Slugify(name)
	if base == "" {
		base = "item-" + strings.ReplaceAll(id, "-", "")[:8]
	}
	slug := base
	for i := 2; ; i++ {
		taken, err := e.Repo.SlugTaken(ctx, tx, kind, slug)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
		slug = base + "-" + strconv.Itoa(i)
	}
}
