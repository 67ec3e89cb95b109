package engine

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
	"kpicatalog/internal/events"
	"kpicatalog/internal/repo"
	"kpicatalog/internal/syncer"
)

// SyncJob is one sync attempt already recorded as a pending sync plus a
// pending contribution.
type SyncJob struct {
	EntityID       string
	Kind           domain.Kind
	Action         domain.Action
	SyncID         string
	ContributionID string
	Actor          Actor
}

type SyncOutcome struct {
	syncer.Result
	SyncID         string `json:"sync_id"`
	ContributionID string `json:"contribution_id"`
}

// openSync records the correlation row and the ledger row for a new sync
// attempt inside tx.
func (e Engine) openSync(ctx context.Context, tx *sqlx.Tx, ent domain.Entity, action domain.Action, actor Actor) (SyncJob, domain.Contribution, error) {
	now := e.stamp()
	ps := domain.PendingSync{
		ID:        newID(),
		EntityID:  ent.ID,
		Kind:      ent.Kind,
		Action:    action,
		State:     domain.SyncOpen,
		CreatedAt: now,
	}
	if err := e.Repo.InsertPendingSync(ctx, tx, ps); err != nil {
		return SyncJob{}, domain.Contribution{}, err
	}
	c := domain.Contribution{
		ID:        newID(),
		UserID:    actor.ID,
		ItemType:  ent.Kind,
		ItemID:    ent.ID,
		ItemSlug:  ent.Slug,
		Action:    action,
		Status:    domain.ContributionPending,
		SyncID:    ps.ID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertContribution(ctx, tx, c); err != nil {
		return SyncJob{}, domain.Contribution{}, err
	}
	return SyncJob{
		EntityID:       ent.ID,
		Kind:           ent.Kind,
		Action:         action,
		SyncID:         ps.ID,
		ContributionID: c.ID,
		Actor:          actor,
	}, c, nil
}

// RunSync performs a recorded sync attempt against the latest stored
// content and writes its outcome. It never returns an error; bookkeeping
// failures are logged.
func (e Engine) RunSync(ctx context.Context, job SyncJob) SyncOutcome {
	out := SyncOutcome{SyncID: job.SyncID, ContributionID: job.ContributionID}
	store := context.WithoutCancel(ctx)

	ent, err := e.Repo.GetEntity(ctx, nil, job.EntityID)
	if err != nil {
		return e.recordFailure(store, job, "load entity: "+err.Error())
	}
	if e.Syncer == nil {
		return e.recordFailure(store, job, "credentials: sync service not configured")
	}
	out.Result = e.Syncer.Sync(ctx, syncer.Request{
		Kind:   ent.Kind,
		Entity: ent,
		Action: job.Action,
		Actor:  job.Actor.identity(),
		Token:  job.SyncID,
	})
	if err := e.Repo.RecordSyncOutcome(store, nil, job.SyncID, out.Branch, out.PRNumber, out.PRURL, out.CommitSHA, out.FilePath); err != nil {
		e.Log.Error("record sync outcome", "sync_id", job.SyncID, "err", err)
	}
	if !out.Success {
		failed := e.recordFailure(store, job, out.Error)
		failed.Result = out.Result
		return failed
	}

	err = e.inTx(store, func(tx *sqlx.Tx) error {
		if err := e.Repo.SetSyncFields(store, tx, ent.ID, repo.SyncFields{
			CommitSHA: out.CommitSHA,
			PRNumber:  out.PRNumber,
			PRURL:     out.PRURL,
			FilePath:  out.FilePath,
		}); err != nil {
			return err
		}
		if err := e.Repo.SetContributionPR(store, tx, job.ContributionID, out.PRNumber); err != nil {
			return err
		}
		return e.eventWriter().Append(store, tx, events.SyncSucceeded, ent.Kind, ent.ID, job.Actor.ID, events.EventPayload{
			"action": job.Action, "branch": out.Branch, "pr_number": out.PRNumber, "pr_url": out.PRURL, "sync_id": job.SyncID,
		})
	})
	if err != nil {
		e.Log.Error("record sync success", "entity_id", ent.ID, "sync_id", job.SyncID, "pr", out.PRNumber, "err", err)
	}
	return out
}

// recordFailure is the explicit terminal failure of a sync attempt that
// never produced a pull request.
func (e Engine) recordFailure(ctx context.Context, job SyncJob, reason string) SyncOutcome {
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		now := e.stamp()
		if _, err := e.Repo.FailContribution(ctx, tx, job.ContributionID, reason, now); err != nil {
			return err
		}
		if _, err := e.Repo.ClosePendingSync(ctx, tx, job.SyncID, domain.SyncClosed, now); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, events.SyncFailed, job.Kind, job.EntityID, job.Actor.ID, events.EventPayload{
			"action": job.Action, "error": reason, "sync_id": job.SyncID,
		})
	})
	if err != nil {
		e.Log.Error("record sync failure", "entity_id", job.EntityID, "sync_id", job.SyncID, "err", err)
	}
	e.Log.Warn("sync did not open a pull request", "entity_id", job.EntityID, "sync_id", job.SyncID, "reason", reason)
	return SyncOutcome{
		Result:         syncer.Result{Success: false, Error: reason},
		SyncID:         job.SyncID,
		ContributionID: job.ContributionID,
	}
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}
