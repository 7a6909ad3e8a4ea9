package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-proc-approvals/internal/config"
	"github.com/pesio-ai/be-proc-approvals/internal/service"
)

// natsConn is the slice of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subj string, data []byte) error
}

// NotificationPublisher publishes approval engine events to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.approvals.stage_advanced.
//
// All publish operations are non-fatal. Errors are logged and never returned,
// so a notification failure never interrupts an approval.
type NotificationPublisher struct {
	conn   natsConn
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ActorID      string                 `json:"actor_id,omitempty"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity"`
	Category     string                 `json:"category"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by conn. A nil conn
// gives a publisher that drops every event.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *NotificationPublisher {
	if conn == nil {
		return newNotificationPublisher(nil, prefix, log)
	}
	return newNotificationPublisher(conn, prefix, log)
}

func newNotificationPublisher(conn natsConn, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{
		conn:   conn,
		prefix: prefix,
		log:    log.With().Str("component", "notifications").Logger(),
	}
}

// Publish implements service.EventPublisher.
func (p *NotificationPublisher) Publish(_ context.Context, ev service.Event) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(notificationFor(ev))
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", ev.InstanceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", ev.InstanceID).
		Int("recipients", len(ev.Recipients)).
		Msg("notification: event published")
}

func notificationFor(ev service.Event) *NotificationEvent {
	n := &NotificationEvent{
		EventType:    string(ev.Type),
		ActorID:      ev.ActorID,
		Recipients:   ev.Recipients,
		ResourceType: "approval_instance",
		ResourceID:   ev.InstanceID,
		Severity:     "info",
		Category:     "approvals",
		OccurredAt:   ev.OccurredAt,
		Payload: map[string]interface{}{
			"request_id":   ev.RequestID,
			"request_type": ev.RequestType,
		},
	}
	if n.Recipients == nil {
		n.Recipients = []string{}
	}
	if ev.Stage > 0 {
		n.Payload["stage"] = ev.Stage
	}
	if ev.EscalateTo != "" {
		n.Payload["escalate_to"] = ev.EscalateTo
	}
	if ev.Reason != "" {
		n.Payload["reason"] = ev.Reason
	}

	switch ev.Type {
	case service.EventStageAdvanced, service.EventEscalated:
		n.IsActionable = true
	case service.EventInstanceRejected, service.EventStageBlocked:
		n.Severity = "warning"
	}
	return n
}

// ConnectNATS dials the configured NATS server. The connection reconnects
// forever; disconnects are logged.
func ConnectNATS(cfg config.NATSConfig, name string, log zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return conn, nil
}
