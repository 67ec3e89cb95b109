package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"kpicatalog/internal/repo"
)

// ForbiddenError indicates the actor holds none of the required roles.
type ForbiddenError struct {
	Action string
	Roles  []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s requires role %s", e.Action, strings.Join(e.Roles, " or "))
}

// Service resolves roles from the actor_roles table plus the static
// editors/admins lists of catalog.yml.
type Service struct {
	Repo    repo.Repo
	Editors []string
	Admins  []string
}

func (s Service) Roles(ctx context.Context, actorID string) ([]string, error) {
	var roles []string
	if s.Repo.DB != nil {
		stored, err := s.Repo.ActorRoles(ctx, actorID)
		if err != nil {
			return nil, err
		}
		roles = append(roles, stored...)
	}
	if slices.Contains(s.Editors, actorID) && !slices.Contains(roles, "editor") {
		roles = append(roles, "editor")
	}
	if slices.Contains(s.Admins, actorID) && !slices.Contains(roles, "admin") {
		roles = append(roles, "admin")
	}
	slices.Sort(roles)
	return roles, nil
}

// HasAny reports whether actorID holds at least one of roles.
func (s Service) HasAny(ctx context.Context, actorID string, roles ...string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	held, err := s.Roles(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if slices.Contains(held, r) {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError when actorID holds none of roles.
func (s Service) Require(ctx context.Context, action, actorID string, roles ...string) error {
	ok, err := s.HasAny(ctx, actorID, roles...)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Action: action, Roles: roles}
	}
	return nil
}
