package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
	"kpicatalog/internal/events"
	"kpicatalog/internal/repo"
)

const rbacKind domain.Kind = "rbac"

// Operations below accept an empty by actor as the local operator (the CLI),
// which is trusted without a role check.

func (e Engine) requireAdmin(ctx context.Context, action string, by Actor) error {
	if by.ID == "" {
		return nil
	}
	return e.Auth.Require(ctx, action, by.ID, domain.RoleAdmin)
}

func validRole(role string) error {
	switch role {
	case domain.RoleEditor, domain.RoleAdmin:
		return nil
	}
	return &InputError{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
}

func (e Engine) GrantRole(ctx context.Context, by Actor, actorID, role string) error {
	if err := validRole(role); err != nil {
		return err
	}
	if strings.TrimSpace(actorID) == "" {
		return &InputError{Field: "actor_id", Message: "required"}
	}
	if err := e.requireAdmin(ctx, "granting roles", by); err != nil {
		return err
	}
	return e.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.GrantRole(ctx, tx, actorID, role, e.stamp()); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, events.RoleGranted, rbacKind, actorID, operatorID(by),
			events.EventPayload{"role": role})
	})
}

func (e Engine) RevokeRole(ctx context.Context, by Actor, actorID, role string) error {
	if err := validRole(role); err != nil {
		return err
	}
	if err := e.requireAdmin(ctx, "revoking roles", by); err != nil {
		return err
	}
	return e.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.RevokeRole(ctx, tx, actorID, role); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, events.RoleRevoked, rbacKind, actorID, operatorID(by),
			events.EventPayload{"role": role})
	})
}

// Roles merges stored grants with the static lists of catalog.yml.
func (e Engine) Roles(ctx context.Context, actorID string) ([]string, error) {
	return e.Auth.Roles(ctx, actorID)
}

// CreateAPIKey mints a key for owner. The plain key is only returned here;
// the store keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, by Actor, owner, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(owner) == "" {
		return "", domain.APIKey{}, &InputError{Field: "actor_id", Message: "required"}
	}
	if by.ID != owner {
		if err := e.requireAdmin(ctx, "creating keys for another actor", by); err != nil {
			return "", domain.APIKey{}, err
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "kc_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        newID(),
		ActorID:   owner,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

func (e Engine) DeleteAPIKey(ctx context.Context, by Actor, id string) error {
	if by.ID != "" {
		keys, err := e.Repo.ListAPIKeys(ctx, by.ID)
		if err != nil {
			return err
		}
		owned := false
		for _, k := range keys {
			owned = owned || k.ID == id
		}
		if !owned {
			if err := e.requireAdmin(ctx, "deleting another actor's key", by); err != nil {
				return err
			}
		}
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}

func operatorID(by Actor) string {
	if by.ID == "" {
		return "operator"
	}
	return by.ID
}
