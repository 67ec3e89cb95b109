package engine

import (
	"context"
	"sort"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
	"kpicatalog/internal/events"
	"kpicatalog/internal/repo"
)

type QueueItem struct {
	Kind   domain.Kind   `json:"kind"`
	Entity domain.Entity `json:"entity"`
}

type QueueOptions struct {
	Kind  domain.Kind
	Limit int
}

// ReviewQueue lists every draft across kinds, most recently modified first.
func (e Engine) ReviewQueue(ctx context.Context, opts QueueOptions) ([]QueueItem, error) {
	kinds := domain.Kinds
	if opts.Kind != "" {
		if !opts.Kind.Valid() {
			return nil, &InputError{Field: "kind", Message: "unknown kind"}
		}
		kinds = []domain.Kind{opts.Kind}
	}
	var items []QueueItem
	for _, kind := range kinds {
		drafts, err := e.Repo.ListEntities(ctx, repo.EntityFilters{Kind: kind, Status: domain.StatusDraft})
		if err != nil {
			return nil, err
		}
		for _, d := range drafts {
			items = append(items, QueueItem{Kind: kind, Entity: d})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Entity, items[j].Entity
		if a.LastModifiedAt != b.LastModifiedAt {
			return a.LastModifiedAt > b.LastModifiedAt
		}
		return a.ID > b.ID
	})
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

type PublishResult struct {
	Entity domain.Entity `json:"entity"`
	Sync   SyncOutcome   `json:"sync"`
}

// Publish re-syncs a draft with its latest content and, once the pull
// request is open, flips it to published without waiting for the merge.
// A failed sync leaves the draft untouched and returns *RetryableError.
func (e Engine) Publish(ctx context.Context, kind domain.Kind, id string, actor Actor) (PublishResult, error) {
	if err := e.Auth.Require(ctx, "publish", actor.ID, domain.RoleEditor, domain.RoleAdmin); err != nil {
		return PublishResult{}, err
	}
	ent, err := e.loadEntity(ctx, nil, kind, id)
	if err != nil {
		return PublishResult{}, err
	}
	if ent.Status != domain.StatusDraft {
		return PublishResult{}, &InvalidTransitionError{EntityID: ent.ID, From: ent.Status, Op: "publish"}
	}

	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return PublishResult{}, err
	}
	defer tx.Rollback()
	job, _, err := e.openSync(ctx, tx, ent, domain.ActionEdited, actor)
	if err != nil {
		return PublishResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PublishResult{}, err
	}

	syncCtx, cancel := context.WithTimeout(ctx, e.syncTimeout())
	defer cancel()
	outcome := e.RunSync(syncCtx, job)
	if !outcome.Success {
		return PublishResult{Entity: ent, Sync: outcome}, &RetryableError{Op: "publish", Cause: outcome.Error}
	}

	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		published, err := e.Repo.PublishDraft(ctx, tx, ent.ID, actor.ID, e.stamp())
		if err != nil || !published {
			return err
		}
		return e.eventWriter().Append(ctx, tx, events.EntityPublished, ent.Kind, ent.ID, actor.ID, events.EventPayload{
			"via": "review", "pr_number": outcome.PRNumber, "sync_id": outcome.SyncID,
		})
	})
	if err != nil {
		return PublishResult{Sync: outcome}, err
	}
	updated, err := e.Repo.GetEntity(ctx, nil, ent.ID)
	if err != nil {
		return PublishResult{Sync: outcome}, err
	}
	e.Log.Info("entity published", "kind", ent.Kind, "entity_id", ent.ID, "actor", actor.ID, "pr", outcome.PRNumber)
	return PublishResult{Entity: updated, Sync: outcome}, nil
}
