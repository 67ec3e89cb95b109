package repo

import (
	"context"
	"strings"

	"kpicatalog/internal/domain"
)

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	// Cursor returns events older than this id.
	Cursor int64
	Limit  int
}

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json`

// LatestEvents pages newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	args = append(args, f.Limit)
	var res []domain.Event
	err := selectAll(ctx, r.DB, &res, `SELECT `+eventColumns+` FROM events WHERE `+strings.Join(clauses, " AND ")+
		` ORDER BY id DESC LIMIT ?`, args...)
	return res, err
}

// EventsAfter returns events with ids greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var res []domain.Event
	err := selectAll(ctx, r.DB, &res, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	return res, err
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := get(ctx, r.DB, &id, `SELECT COALESCE(MAX(id),0) FROM events`)
	return id, err
}
