package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
)

func (r Repo) GrantRole(ctx context.Context, tx *sqlx.Tx, actorID, role, now string) error {
	_, err := exec(ctx, r.q(tx), `INSERT INTO actor_roles(actor_id, role, created_at) VALUES (?,?,?)
ON CONFLICT(actor_id, role) DO NOTHING`, actorID, role, now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sqlx.Tx, actorID, role string) error {
	_, err := exec(ctx, r.q(tx), `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	var roles []string
	err := selectAll(ctx, r.DB, &roles, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
	return roles, err
}

func (r Repo) ListActorRoles(ctx context.Context) ([]domain.ActorRole, error) {
	var res []domain.ActorRole
	err := selectAll(ctx, r.DB, &res, `SELECT actor_id, role, created_at FROM actor_roles ORDER BY actor_id, role`)
	return res, err
}
