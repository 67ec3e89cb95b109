package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
)

const entityColumns = `id,kind,slug,status,name,description,category,tags_json,details_json,created_by,last_modified_by,
created_at,last_modified_at,github_commit_sha,github_pr_number,github_pr_url,github_file_path,publish_exempt`

type entityRow struct {
	ID              string         `db:"id"`
	Kind            string         `db:"kind"`
	Slug            string         `db:"slug"`
	Status          string         `db:"status"`
	Name            string         `db:"name"`
	Description     string         `db:"description"`
	Category        string         `db:"category"`
	TagsJSON        string         `db:"tags_json"`
	DetailsJSON     string         `db:"details_json"`
	CreatedBy       string         `db:"created_by"`
	LastModifiedBy  string         `db:"last_modified_by"`
	CreatedAt       string         `db:"created_at"`
	LastModifiedAt  string         `db:"last_modified_at"`
	GithubCommitSHA sql.NullString `db:"github_commit_sha"`
	GithubPRNumber  sql.NullInt64  `db:"github_pr_number"`
	GithubPRURL     sql.NullString `db:"github_pr_url"`
	GithubFilePath  sql.NullString `db:"github_file_path"`
	PublishExempt   bool           `db:"publish_exempt"`
}

func (row entityRow) entity() (domain.Entity, error) {
	e := domain.Entity{
		ID:              row.ID,
		Kind:            domain.Kind(row.Kind),
		Slug:            row.Slug,
		Status:          domain.Status(row.Status),
		Name:            row.Name,
		Description:     row.Description,
		Category:        row.Category,
		CreatedBy:       row.CreatedBy,
		LastModifiedBy:  row.LastModifiedBy,
		CreatedAt:       row.CreatedAt,
		LastModifiedAt:  row.LastModifiedAt,
		GithubCommitSHA: row.GithubCommitSHA.String,
		GithubPRNumber:  intPtr(row.GithubPRNumber),
		GithubPRURL:     row.GithubPRURL.String,
		GithubFilePath:  row.GithubFilePath.String,
		PublishExempt:   row.PublishExempt,
	}
	if row.TagsJSON != "" {
		if err := json.Unmarshal([]byte(row.TagsJSON), &e.Tags); err != nil {
			return e, fmt.Errorf("entity %s tags: %w", row.ID, err)
		}
	}
	if row.DetailsJSON != "" {
		if err := json.Unmarshal([]byte(row.DetailsJSON), &e.Details); err != nil {
			return e, fmt.Errorf("entity %s details: %w", row.ID, err)
		}
	}
	return e, nil
}

func encodePayload(e domain.Entity) (string, string, error) {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	t, err := json.Marshal(tags)
	if err != nil {
		return "", "", err
	}
	d, err := json.Marshal(details)
	if err != nil {
		return "", "", err
	}
	return string(t), string(d), nil
}

func (r Repo) InsertEntity(ctx context.Context, tx *sqlx.Tx, e domain.Entity) error {
	tags, details, err := encodePayload(e)
	if err != nil {
		return err
	}
	_, err = exec(ctx, r.q(tx), `INSERT INTO entities(id,kind,slug,status,name,description,category,tags_json,details_json,
created_by,last_modified_by,created_at,last_modified_at,publish_exempt) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Kind, e.Slug, e.Status, e.Name, e.Description, e.Category, tags, details,
		e.CreatedBy, e.LastModifiedBy, e.CreatedAt, e.LastModifiedAt, e.PublishExempt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %q already exists", ErrConflict, e.Kind, e.Slug)
	}
	return err
}

func (r Repo) GetEntity(ctx context.Context, tx *sqlx.Tx, id string) (domain.Entity, error) {
	var row entityRow
	if err := get(ctx, r.q(tx), &row, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id); err != nil {
		return domain.Entity{}, err
	}
	return row.entity()
}

func (r Repo) GetEntityBySlug(ctx context.Context, tx *sqlx.Tx, kind domain.Kind, slug string) (domain.Entity, error) {
	var row entityRow
	if err := get(ctx, r.q(tx), &row, `SELECT `+entityColumns+` FROM entities WHERE kind=? AND slug=?`, kind, slug); err != nil {
		return domain.Entity{}, err
	}
	return row.entity()
}

func (r Repo) SlugTaken(ctx context.Context, tx *sqlx.Tx, kind domain.Kind, slug string) (bool, error) {
	var n int
	if err := get(ctx, r.q(tx), &n, `SELECT COUNT(1) FROM entities WHERE kind=? AND slug=?`, kind, slug); err != nil {
		return false, err
	}
	return n > 0, nil
}

type EntityFilters struct {
	Kind      domain.Kind
	Status    domain.Status
	CreatedBy string
	Limit     int
}

// ListEntities returns the newest modification first.
func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY last_modified_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var rows []entityRow
	if err := selectAll(ctx, r.DB, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := row.entity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// UpdateDraftContent rewrites the editable payload of a draft entity.
// ErrConflict means the entity is no longer a draft.
func (r Repo) UpdateDraftContent(ctx context.Context, tx *sqlx.Tx, e domain.Entity) error {
	tags, details, err := encodePayload(e)
	if err != nil {
		return err
	}
	res, err := exec(ctx, r.q(tx), `UPDATE entities SET name=?,description=?,category=?,tags_json=?,details_json=?,
last_modified_by=?,last_modified_at=? WHERE id=? AND status=?`,
		e.Name, e.Description, e.Category, tags, details, e.LastModifiedBy, e.LastModifiedAt, e.ID, domain.StatusDraft)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("%w: entity %s is not a draft", ErrConflict, e.ID)
	}
	return nil
}

// SyncFields is the bookkeeping written after a successful sync.
type SyncFields struct {
	CommitSHA string
	PRNumber  int
	PRURL     string
	FilePath  string
}

func (r Repo) SetSyncFields(ctx context.Context, tx *sqlx.Tx, id string, f SyncFields) error {
	res, err := exec(ctx, r.q(tx), `UPDATE entities SET github_commit_sha=?,github_pr_number=?,github_pr_url=?,github_file_path=? WHERE id=?`,
		nullable(f.CommitSHA), nullableInt(f.PRNumber), nullable(f.PRURL), nullable(f.FilePath), id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPullRequest records the final PR of a merged sync without touching the
// commit or path. An empty url keeps the stored one only while the number is
// unchanged; a different PR without a url clears it.
func (r Repo) SetPullRequest(ctx context.Context, tx *sqlx.Tx, id string, number int, url string) error {
	_, err := exec(ctx, r.q(tx), `UPDATE entities SET
github_pr_url=CASE WHEN github_pr_number=? THEN COALESCE(?,github_pr_url) ELSE ? END,
github_pr_number=?
WHERE id=?`,
		nullableInt(number), nullable(url), nullable(url), nullableInt(number), id)
	return err
}

// PublishDraft flips draft to published. It reports false when the entity
// was not a draft, which makes replays no-ops.
func (r Repo) PublishDraft(ctx context.Context, tx *sqlx.Tx, id, actorID, now string) (bool, error) {
	res, err := exec(ctx, r.q(tx), `UPDATE entities SET status=?,last_modified_by=?,last_modified_at=? WHERE id=? AND status=?`,
		domain.StatusPublished, actorID, now, id, domain.StatusDraft)
	if err != nil {
		return false, err
	}
	return affected(res) > 0, nil
}

func (r Repo) SetPublishExempt(ctx context.Context, id string, exempt bool) error {
	res, err := exec(ctx, r.DB, `UPDATE entities SET publish_exempt=? WHERE id=?`, exempt, id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// PublishedWithoutPR lists published entities that break the
// published-implies-PR invariant and are not exempt.
func (r Repo) PublishedWithoutPR(ctx context.Context) ([]domain.Entity, error) {
	var rows []entityRow
	if err := selectAll(ctx, r.DB, &rows, `SELECT `+entityColumns+` FROM entities
WHERE status=? AND github_pr_number IS NULL AND publish_exempt=? ORDER BY last_modified_at DESC`, domain.StatusPublished, false); err != nil {
		return nil, err
	}
	out := make([]domain.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := row.entity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
