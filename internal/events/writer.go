package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"kpicatalog/internal/domain"
)

// Audit event types.
const (
	EntityCreated         = "entity.created"
	EntityEdited          = "entity.edited"
	EntityPublished       = "entity.published"
	SyncSucceeded         = "sync.succeeded"
	SyncFailed            = "sync.failed"
	ContributionCompleted = "contribution.completed"
	ContributionFailed    = "contribution.failed"
	WebhookDropped        = "webhook.dropped"
	RoleGranted           = "role.granted"
	RoleRevoked           = "role.revoked"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row inside tx.
func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType string, entityKind domain.Kind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	kind := string(entityKind)
	if kind == "" {
		kind = "webhook"
	}
	var id any
	if entityID != "" {
		id = entityID
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		domain.FormatTime(w.Now()), evtType, kind, id, actorID, string(data))
	return err
}
