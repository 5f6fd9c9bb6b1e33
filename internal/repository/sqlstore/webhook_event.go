package sqlstore

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/repository"
)

var _ repository.WebhookEventRepository = (*DB)(nil)

// SaveWebhookEvent appends to the event log. Duplicate deliveries get their
// own rows.
func (db *DB) SaveWebhookEvent(ctx context.Context, e *model.WebhookEventRecord) error {
	if e.ID == "" {
		e.ID = xid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = db.stamp()
	}

	_, err := db.exec(ctx,
		`INSERT INTO webhook_events (id, object_type, aspect_type, object_id, owner_id,
			user_id, action, error_message, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ObjectType,
		e.AspectType,
		e.ObjectID,
		e.OwnerID,
		e.UserID,
		e.Action,
		e.Error,
		e.Payload,
		e.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: saving webhook event: %w", err)
	}
	return nil
}

// ListWebhookEvents returns userID's most recent events first.
func (db *DB) ListWebhookEvents(ctx context.Context, userID string, opts repository.ListOptions) ([]model.WebhookEventRecord, error) {
	limit := clampLimit(opts.Limit, 50, 500)
	offset := max(opts.Offset, 0)

	rows, err := db.query(ctx,
		`SELECT id, object_type, aspect_type, object_id, owner_id, user_id, action,
		        error_message, payload, received_at
		 FROM webhook_events
		 WHERE user_id = ?
		 ORDER BY received_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing webhook events: %w", err)
	}
	defer rows.Close()

	var events []model.WebhookEventRecord
	for rows.Next() {
		var e model.WebhookEventRecord
		if err := rows.Scan(
			&e.ID,
			&e.ObjectType,
			&e.AspectType,
			&e.ObjectID,
			&e.OwnerID,
			&e.UserID,
			&e.Action,
			&e.Error,
			&e.Payload,
			&e.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning webhook event: %w", err)
		}
		e.ReceivedAt = e.ReceivedAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterating webhook events: %w", err)
	}
	return events, nil
}
