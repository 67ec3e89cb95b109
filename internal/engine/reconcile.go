package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
	"kpicatalog/internal/events"
	"kpicatalog/internal/repo"
	"kpicatalog/internal/syncer"
)

// ClosedPullRequest is the part of a "pull request closed" notification
// reconciliation needs.
type ClosedPullRequest struct {
	Number    int
	Merged    bool
	HeadRef   string
	Body      string
	URL       string
	RepoOwner string
	RepoName  string
}

const (
	OutcomeReconciled = "reconciled"
	OutcomeDropped    = "dropped"
)

// How a closed pull request was tied back to an entity.
const (
	CorrelatedByToken  = "token"
	CorrelatedByBranch = "branch"
	CorrelatedByLegacy = "legacy-branch-name"
)

type ReconcileResult struct {
	Outcome     string      `json:"outcome"`
	Reason      string      `json:"reason,omitempty"`
	Correlation string      `json:"correlation,omitempty"`
	EntityID    string      `json:"entity_id,omitempty"`
	Kind        domain.Kind `json:"kind,omitempty"`
	SyncID      string      `json:"sync_id,omitempty"`
	Merged      bool        `json:"merged"`
	Published   bool        `json:"published"`
	Resolved    int64       `json:"resolved"`
}

const webhookActor = "vcs-webhook"

// Reconcile applies the outcome of a closed pull request to the entity and
// the contribution ledger. Every write is conditional on the prior state,
// so replaying the same notification converges on the same end state.
//
// A pull request correlated through its pending sync resolves only the
// ledger rows of that sync. One that can only be tied to an entity through
// the legacy branch name resolves every pending row of the entity.
func (e Engine) Reconcile(ctx context.Context, pr ClosedPullRequest) (ReconcileResult, error) {
	if reason := e.foreignRepository(pr); reason != "" {
		return e.drop(ctx, pr, reason)
	}
	ps, how, err := e.correlate(ctx, pr)
	if err != nil {
		return ReconcileResult{}, err
	}

	var ent domain.Entity
	switch {
	case ps != nil:
		ent, err = e.Repo.GetEntity(ctx, nil, ps.EntityID)
	default:
		ref, decodeErr := syncer.DecodeBranch(pr.HeadRef)
		if decodeErr != nil {
			return e.drop(ctx, pr, decodeErr.Error())
		}
		how = CorrelatedByLegacy
		ent, err = e.Repo.GetEntityBySlug(ctx, nil, ref.Kind, ref.Slug)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return e.drop(ctx, pr, "no entity for pull request")
	}
	if err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{
		Outcome:     OutcomeReconciled,
		Correlation: how,
		EntityID:    ent.ID,
		Kind:        ent.Kind,
		Merged:      pr.Merged,
	}
	status := domain.ContributionFailed
	state := domain.SyncClosed
	if pr.Merged {
		status = domain.ContributionCompleted
		state = domain.SyncMerged
	}

	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		now := e.stamp()
		if pr.Merged {
			if err := e.Repo.SetPullRequest(ctx, tx, ent.ID, pr.Number, pullRequestURL(pr, ps)); err != nil {
				return fmt.Errorf("record pull request: %w", err)
			}
			published, err := e.Repo.PublishDraft(ctx, tx, ent.ID, ent.LastModifiedBy, now)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			res.Published = published
		}
		var (
			n   int64
			err error
		)
		if ps != nil {
			res.SyncID = ps.ID
			if _, err := e.Repo.ClosePendingSync(ctx, tx, ps.ID, state, now); err != nil {
				return fmt.Errorf("close pending sync: %w", err)
			}
			n, err = e.Repo.ResolveBySync(ctx, tx, ps.ID, status, pr.Number, now)
		} else {
			n, err = e.Repo.ResolveByItem(ctx, tx, ent.ID, ent.Kind, status, pr.Number, now)
		}
		if err != nil {
			return fmt.Errorf("resolve contributions: %w", err)
		}
		res.Resolved = n
		if n > 0 {
			evt := events.ContributionFailed
			if pr.Merged {
				evt = events.ContributionCompleted
			}
			if err := e.eventWriter().Append(ctx, tx, evt, ent.Kind, ent.ID, webhookActor, events.EventPayload{
				"pr_number": pr.Number, "resolved": n, "correlation": how, "sync_id": res.SyncID,
			}); err != nil {
				return err
			}
		}
		if res.Published {
			return e.eventWriter().Append(ctx, tx, events.EntityPublished, ent.Kind, ent.ID, webhookActor, events.EventPayload{
				"via": "merge", "pr_number": pr.Number,
			})
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	e.Log.Info("pull request reconciled",
		"pr", pr.Number, "merged", pr.Merged, "entity_id", ent.ID, "kind", ent.Kind,
		"correlation", how, "resolved", res.Resolved, "published", res.Published)
	return res, nil
}

// correlate finds the pending sync behind pr: first by the token in the
// body, then by exact head branch. A nil sync means only the legacy branch
// name is left.
func (e Engine) correlate(ctx context.Context, pr ClosedPullRequest) (*domain.PendingSync, string, error) {
	if token, ok := syncer.TokenFromBody(pr.Body); ok {
		ps, err := e.Repo.GetPendingSync(ctx, nil, token)
		if err == nil {
			return &ps, CorrelatedByToken, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, "", err
		}
		e.Log.Warn("pull request token has no pending sync", "pr", pr.Number, "token", token)
	}
	if pr.HeadRef != "" {
		ps, err := e.Repo.GetPendingSyncByBranch(ctx, nil, pr.HeadRef)
		if err == nil {
			return &ps, CorrelatedByBranch, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", nil
}

// pullRequestURL prefers the url from the notification and falls back to the
// one recorded when the correlated sync opened the same PR.
func pullRequestURL(pr ClosedPullRequest, ps *domain.PendingSync) string {
	if pr.URL != "" {
		return pr.URL
	}
	if ps != nil && ps.PRNumber != nil && *ps.PRNumber == pr.Number {
		return ps.PRURL
	}
	return ""
}

func (e Engine) foreignRepository(pr ClosedPullRequest) string {
	if e.Config == nil || pr.RepoOwner == "" || pr.RepoName == "" {
		return ""
	}
	owner, name := e.Config.VCS.Owner, e.Config.VCS.Repo
	if owner == "" || name == "" {
		return ""
	}
	if !strings.EqualFold(owner, pr.RepoOwner) || !strings.EqualFold(name, pr.RepoName) {
		return fmt.Sprintf("pull request from foreign repository %s/%s", pr.RepoOwner, pr.RepoName)
	}
	return ""
}

func (e Engine) drop(ctx context.Context, pr ClosedPullRequest, reason string) (ReconcileResult, error) {
	e.Log.Warn("closed pull request dropped", "pr", pr.Number, "head", pr.HeadRef, "reason", reason)
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		return e.eventWriter().Append(ctx, tx, events.WebhookDropped, "", "", webhookActor, events.EventPayload{
			"pr_number": pr.Number, "head_ref": pr.HeadRef, "reason": reason,
		})
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return ReconcileResult{Outcome: OutcomeDropped, Reason: reason, Merged: pr.Merged}, nil
}
