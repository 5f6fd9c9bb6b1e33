package model

import (
	"fmt"
	"time"
)

// WebhookEvent is a push notification delivered by the provider.
type WebhookEvent struct {
	ObjectType     string         `json:"object_type"` // "activity" | "athlete"
	ObjectID       int64          `json:"object_id"`
	AspectType     string         `json:"aspect_type"` // "create" | "update" | "delete"
	OwnerID        int64          `json:"owner_id"`    // provider athlete id
	SubscriptionID int64          `json:"subscription_id,omitempty"`
	EventTime      int64          `json:"event_time,omitempty"`
	Updates        map[string]any `json:"updates,omitempty"`
}

// Deauthorized reports an athlete update revoking the app's access. The
// provider sends "authorized": "false" as a string, a bool is accepted too.
func (e *WebhookEvent) Deauthorized() bool {
	if e.ObjectType != "athlete" || e.AspectType != "update" {
		return false
	}
	v, ok := e.Updates["authorized"]
	return ok && fmt.Sprint(v) == "false"
}

// WebhookEventRecord is one row of the inbound event log.
type WebhookEventRecord struct {
	ID         string    `json:"id"`
	ObjectType string    `json:"objectType"`
	AspectType string    `json:"aspectType"`
	ObjectID   int64     `json:"objectId"`
	OwnerID    int64     `json:"ownerId"`
	UserID     string    `json:"userId,omitempty"`
	Action     string    `json:"action"`
	Error      string    `json:"error,omitempty"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}
