package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
)

const contributionColumns = `id,user_id,item_type,item_id,item_slug,action,status,sync_id,pr_number,error,created_at,resolved_at`

type contributionRow struct {
	ID         string         `db:"id"`
	UserID     string         `db:"user_id"`
	ItemType   string         `db:"item_type"`
	ItemID     string         `db:"item_id"`
	ItemSlug   string         `db:"item_slug"`
	Action     string         `db:"action"`
	Status     string         `db:"status"`
	SyncID     sql.NullString `db:"sync_id"`
	PRNumber   sql.NullInt64  `db:"pr_number"`
	Error      sql.NullString `db:"error"`
	CreatedAt  string         `db:"created_at"`
	ResolvedAt sql.NullString `db:"resolved_at"`
}

func (row contributionRow) contribution() domain.Contribution {
	return domain.Contribution{
		ID:         row.ID,
		UserID:     row.UserID,
		ItemType:   domain.Kind(row.ItemType),
		ItemID:     row.ItemID,
		ItemSlug:   row.ItemSlug,
		Action:     domain.Action(row.Action),
		Status:     domain.ContributionStatus(row.Status),
		SyncID:     row.SyncID.String,
		PRNumber:   intPtr(row.PRNumber),
		Error:      row.Error.String,
		CreatedAt:  row.CreatedAt,
		ResolvedAt: row.ResolvedAt.String,
	}
}

func (r Repo) InsertContribution(ctx context.Context, tx *sqlx.Tx, c domain.Contribution) error {
	if c.Status == "" {
		c.Status = domain.ContributionPending
	}
	_, err := exec(ctx, r.q(tx), `INSERT INTO contributions(`+contributionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.ItemType, c.ItemID, c.ItemSlug, c.Action, c.Status,
		nullable(c.SyncID), nullableIntPtr(c.PRNumber), nullable(c.Error), c.CreatedAt, nullable(c.ResolvedAt))
	return err
}

func (r Repo) GetContribution(ctx context.Context, id string) (domain.Contribution, error) {
	var row contributionRow
	if err := get(ctx, r.DB, &row, `SELECT `+contributionColumns+` FROM contributions WHERE id=?`, id); err != nil {
		return domain.Contribution{}, err
	}
	return row.contribution(), nil
}

// SetContributionPR records the pull request a pending contribution rides on.
func (r Repo) SetContributionPR(ctx context.Context, tx *sqlx.Tx, id string, prNumber int) error {
	_, err := exec(ctx, r.q(tx), `UPDATE contributions SET pr_number=? WHERE id=? AND status=?`,
		nullableInt(prNumber), id, domain.ContributionPending)
	return err
}

// FailContribution is the explicit terminal failure used when a sync never
// produced a pull request. Only pending rows move.
func (r Repo) FailContribution(ctx context.Context, tx *sqlx.Tx, id, reason, now string) (bool, error) {
	res, err := exec(ctx, r.q(tx), `UPDATE contributions SET status=?,error=?,resolved_at=? WHERE id=? AND status=?`,
		domain.ContributionFailed, nullable(reason), now, id, domain.ContributionPending)
	if err != nil {
		return false, err
	}
	return affected(res) > 0, nil
}

// ResolveBySync moves the pending rows linked to one pending sync.
func (r Repo) ResolveBySync(ctx context.Context, tx *sqlx.Tx, syncID string, status domain.ContributionStatus, prNumber int, now string) (int64, error) {
	res, err := exec(ctx, r.q(tx), `UPDATE contributions SET status=?,pr_number=COALESCE(?,pr_number),resolved_at=? WHERE sync_id=? AND status=?`,
		status, nullableInt(prNumber), now, syncID, domain.ContributionPending)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

// ResolveByItem moves every pending row of (item_id, item_type). Used when a
// closed pull request can only be tied to an entity, not to a sync.
func (r Repo) ResolveByItem(ctx context.Context, tx *sqlx.Tx, itemID string, itemType domain.Kind, status domain.ContributionStatus, prNumber int, now string) (int64, error) {
	res, err := exec(ctx, r.q(tx), `UPDATE contributions SET status=?,pr_number=COALESCE(pr_number,?),resolved_at=? WHERE item_id=? AND item_type=? AND status=?`,
		status, nullableInt(prNumber), now, itemID, itemType, domain.ContributionPending)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

type ContributionFilters struct {
	UserID   string
	ItemID   string
	ItemType domain.Kind
	Status   domain.ContributionStatus
	Limit    int
}

func (r Repo) ListContributions(ctx context.Context, f ContributionFilters) ([]domain.Contribution, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.ItemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, f.ItemID)
	}
	if f.ItemType != "" {
		clauses = append(clauses, "item_type=?")
		args = append(args, f.ItemType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var rows []contributionRow
	if err := selectAll(ctx, r.DB, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Contribution, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.contribution())
	}
	return out, nil
}
