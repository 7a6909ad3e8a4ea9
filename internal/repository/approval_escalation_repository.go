package repository

import (
	"context"

	"github.com/pesio-ai/be-proc-approvals/internal/database"
	"github.com/pesio-ai/be-proc-approvals/internal/errors"
)

// ApprovalEscalationRepository stores fired escalations. The unique
// (instance_id, stage_number) constraint is the idempotency guard shared by
// every scheduler replica.
type ApprovalEscalationRepository struct {
	db database.Querier
}

// NewApprovalEscalationRepository creates a new ApprovalEscalationRepository.
func NewApprovalEscalationRepository(db database.Querier) *ApprovalEscalationRepository {
	return &ApprovalEscalationRepository{db: db}
}

// RecordOnce inserts ev unless the stage already escalated.
func (r *ApprovalEscalationRepository) RecordOnce(ctx context.Context, ev *EscalationEvent) (bool, error) {
	query := `
		INSERT INTO approval_escalations
		    (id, instance_id, stage_number, original_approver, escalate_to, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instance_id, stage_number) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		ev.ID,
		ev.InstanceID,
		ev.StageNumber,
		ev.OriginalApprover,
		ev.EscalateTo,
		ev.FiredAt,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to record escalation")
	}
	return tag.RowsAffected() == 1, nil
}

// ListByInstance returns the escalations fired for an instance, oldest first.
func (r *ApprovalEscalationRepository) ListByInstance(ctx context.Context, instanceID string) ([]*EscalationEvent, error) {
	query := `
		SELECT id, instance_id, stage_number, original_approver, escalate_to, fired_at
		FROM approval_escalations
		WHERE instance_id = $1
		ORDER BY fired_at ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list escalations")
	}
	defer rows.Close()

	var events []*EscalationEvent
	for rows.Next() {
		ev := &EscalationEvent{}
		if err := rows.Scan(
			&ev.ID,
			&ev.InstanceID,
			&ev.StageNumber,
			&ev.OriginalApprover,
			&ev.EscalateTo,
			&ev.FiredAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan escalation")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate escalations")
	}
	return events, nil
}
