package repo

import (
	"context"
	"database/sql"

	"kpicatalog/internal/domain"
)

const deliveryColumns = `delivery_id,event,action,payload,outcome,error,received_at,processed_at`

type deliveryRow struct {
	DeliveryID  string         `db:"delivery_id"`
	Event       string         `db:"event"`
	Action      sql.NullString `db:"action"`
	Payload     string         `db:"payload"`
	Outcome     sql.NullString `db:"outcome"`
	Error       sql.NullString `db:"error"`
	ReceivedAt  string         `db:"received_at"`
	ProcessedAt sql.NullString `db:"processed_at"`
}

func (row deliveryRow) delivery() domain.WebhookDelivery {
	return domain.WebhookDelivery{
		DeliveryID:  row.DeliveryID,
		Event:       row.Event,
		Action:      row.Action.String,
		Payload:     row.Payload,
		Outcome:     row.Outcome.String,
		Error:       row.Error.String,
		ReceivedAt:  row.ReceivedAt,
		ProcessedAt: row.ProcessedAt.String,
	}
}

// InsertDelivery stores an inbound delivery. It reports false when the
// delivery id was already recorded.
func (r Repo) InsertDelivery(ctx context.Context, d domain.WebhookDelivery) (bool, error) {
	res, err := exec(ctx, r.DB, `INSERT INTO webhook_deliveries(delivery_id,event,action,payload,received_at) VALUES (?,?,?,?,?)
ON CONFLICT(delivery_id) DO NOTHING`,
		d.DeliveryID, d.Event, nullable(d.Action), d.Payload, d.ReceivedAt)
	if err != nil {
		return false, err
	}
	return affected(res) > 0, nil
}

func (r Repo) FinishDelivery(ctx context.Context, id, outcome, errMsg, now string) error {
	_, err := exec(ctx, r.DB, `UPDATE webhook_deliveries SET outcome=?,error=?,processed_at=? WHERE delivery_id=?`,
		nullable(outcome), nullable(errMsg), now, id)
	return err
}

func (r Repo) GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	var row deliveryRow
	if err := get(ctx, r.DB, &row, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE delivery_id=?`, id); err != nil {
		return domain.WebhookDelivery{}, err
	}
	return row.delivery(), nil
}

func (r Repo) ListDeliveries(ctx context.Context, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []deliveryRow
	if err := selectAll(ctx, r.DB, &rows, `SELECT `+deliveryColumns+` FROM webhook_deliveries ORDER BY received_at DESC LIMIT ?`, limit); err != nil {
		return nil, err
	}
	out := make([]domain.WebhookDelivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.delivery())
	}
	return out, nil
}
