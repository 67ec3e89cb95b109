package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
)

const pendingSyncColumns = `id,entity_id,kind,action,branch,pr_number,pr_url,commit_sha,file_path,state,created_at,closed_at`

type pendingSyncRow struct {
	ID        string         `db:"id"`
	EntityID  string         `db:"entity_id"`
	Kind      string         `db:"kind"`
	Action    string         `db:"action"`
	Branch    sql.NullString `db:"branch"`
	PRNumber  sql.NullInt64  `db:"pr_number"`
	PRURL     sql.NullString `db:"pr_url"`
	CommitSHA sql.NullString `db:"commit_sha"`
	FilePath  sql.NullString `db:"file_path"`
	State     string         `db:"state"`
	CreatedAt string         `db:"created_at"`
	ClosedAt  sql.NullString `db:"closed_at"`
}

func (row pendingSyncRow) pendingSync() domain.PendingSync {
	return domain.PendingSync{
		ID:        row.ID,
		EntityID:  row.EntityID,
		Kind:      domain.Kind(row.Kind),
		Action:    domain.Action(row.Action),
		Branch:    row.Branch.String,
		PRNumber:  intPtr(row.PRNumber),
		PRURL:     row.PRURL.String,
		CommitSHA: row.CommitSHA.String,
		FilePath:  row.FilePath.String,
		State:     domain.SyncState(row.State),
		CreatedAt: row.CreatedAt,
		ClosedAt:  row.ClosedAt.String,
	}
}

func (r Repo) InsertPendingSync(ctx context.Context, tx *sqlx.Tx, ps domain.PendingSync) error {
	if ps.State == "" {
		ps.State = domain.SyncOpen
	}
	_, err := exec(ctx, r.q(tx), `INSERT INTO pending_syncs(`+pendingSyncColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ps.ID, ps.EntityID, ps.Kind, ps.Action, nullable(ps.Branch), nullableIntPtr(ps.PRNumber), nullable(ps.PRURL),
		nullable(ps.CommitSHA), nullable(ps.FilePath), ps.State, ps.CreatedAt, nullable(ps.ClosedAt))
	return err
}

// RecordSyncOutcome stores the identifiers a sync attempt produced, even a
// failed one, so orphaned branches stay traceable.
func (r Repo) RecordSyncOutcome(ctx context.Context, tx *sqlx.Tx, id, branch string, prNumber int, prURL, commitSHA, filePath string) error {
	_, err := exec(ctx, r.q(tx), `UPDATE pending_syncs SET branch=?,pr_number=?,pr_url=?,commit_sha=?,file_path=? WHERE id=?`,
		nullable(branch), nullableInt(prNumber), nullable(prURL), nullable(commitSHA), nullable(filePath), id)
	return err
}

func (r Repo) GetPendingSync(ctx context.Context, tx *sqlx.Tx, id string) (domain.PendingSync, error) {
	var row pendingSyncRow
	if err := get(ctx, r.q(tx), &row, `SELECT `+pendingSyncColumns+` FROM pending_syncs WHERE id=?`, id); err != nil {
		return domain.PendingSync{}, err
	}
	return row.pendingSync(), nil
}

func (r Repo) GetPendingSyncByBranch(ctx context.Context, tx *sqlx.Tx, branch string) (domain.PendingSync, error) {
	var row pendingSyncRow
	if err := get(ctx, r.q(tx), &row, `SELECT `+pendingSyncColumns+` FROM pending_syncs WHERE branch=? ORDER BY created_at DESC LIMIT 1`, branch); err != nil {
		return domain.PendingSync{}, err
	}
	return row.pendingSync(), nil
}

// ClosePendingSync moves an open sync to merged or closed exactly once.
func (r Repo) ClosePendingSync(ctx context.Context, tx *sqlx.Tx, id string, state domain.SyncState, now string) (bool, error) {
	res, err := exec(ctx, r.q(tx), `UPDATE pending_syncs SET state=?,closed_at=? WHERE id=? AND state=?`,
		state, now, id, domain.SyncOpen)
	if err != nil {
		return false, err
	}
	return affected(res) > 0, nil
}

func (r Repo) ListPendingSyncs(ctx context.Context, entityID string, state domain.SyncState) ([]domain.PendingSync, error) {
	query := `SELECT ` + pendingSyncColumns + ` FROM pending_syncs WHERE 1=1`
	var args []any
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	if state != "" {
		query += ` AND state=?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	var rows []pendingSyncRow
	if err := selectAll(ctx, r.DB, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.PendingSync, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.pendingSync())
	}
	return out, nil
}
