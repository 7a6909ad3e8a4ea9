package service

import (
	"context"
	"time"
)

// EventType names an outward engine event.
type EventType string

const (
	EventStageAdvanced     EventType = "stage_advanced"
	EventEscalated         EventType = "escalated"
	EventInstanceApproved  EventType = "instance_approved"
	EventInstanceRejected  EventType = "instance_rejected"
	EventInstanceCancelled EventType = "instance_cancelled"
	EventStageBlocked      EventType = "stage_blocked"
)

// Event is emitted after an engine transition has been persisted.
//
// Stage carries the new stage for StageAdvanced, the escalated stage for
// Escalated, the rejecting stage for InstanceRejected and the blocked stage
// for StageBlocked.
type Event struct {
	Type        EventType `json:"event_type"`
	InstanceID  string    `json:"instance_id"`
	RequestID   string    `json:"request_id"`
	RequestType string    `json:"request_type"`
	Stage       int       `json:"stage,omitempty"`
	EscalateTo  string    `json:"escalate_to,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	Recipients  []string  `json:"recipients,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// EventPublisher delivers engine events. Delivery is fire-and-forget:
// implementations log their own failures and never report them back.
// Publish is called under the instance lock and must return promptly.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// Directory is the user/role directory the engine resolves approvers from.
type Directory interface {
	// RoleHolders returns the active users holding role at this moment.
	RoleHolders(ctx context.Context, role string) ([]string, error)
	// IsActive reports whether userID exists and may act.
	IsActive(ctx context.Context, userID string) (bool, error)
}
