package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-proc-approvals/internal/database"
	"github.com/pesio-ai/be-proc-approvals/internal/errors"
)

// ApprovalDecisionRepository is the append-only decision ledger. Records are
// never updated; the unique (instance_id, stage_number, approver_id) index
// rejects a second decision from the same approver.
type ApprovalDecisionRepository struct {
	db database.Querier
}

// NewApprovalDecisionRepository creates a new ApprovalDecisionRepository.
func NewApprovalDecisionRepository(db database.Querier) *ApprovalDecisionRepository {
	return &ApprovalDecisionRepository{db: db}
}

// Append inserts one decision.
func (r *ApprovalDecisionRepository) Append(ctx context.Context, rec *StageDecisionRecord) error {
	query := `
		INSERT INTO approval_stage_decisions
		    (id, instance_id, stage_number, approver_id,
		     decision, comments, by_escalation, decided_at)
		VALUES ($1, $2, $3, $4,
		        $5, NULLIF($6, ''), $7, $8)
	`

	_, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.InstanceID,
		rec.StageNumber,
		rec.ApproverID,
		string(rec.Decision),
		rec.Comments,
		rec.ByEscalation,
		rec.DecidedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeDuplicateDecision,
			"approver %q already decided stage %d", rec.ApproverID, rec.StageNumber)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append stage decision")
	}
	return nil
}

// ListByInstance returns all decisions of an instance ordered by stage, then time.
func (r *ApprovalDecisionRepository) ListByInstance(ctx context.Context, instanceID string) ([]*StageDecisionRecord, error) {
	query := `
		SELECT id, instance_id, stage_number, approver_id,
		       decision, comments, by_escalation, decided_at
		FROM approval_stage_decisions
		WHERE instance_id = $1
		ORDER BY stage_number ASC, decided_at ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stage decisions")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByStage returns the decisions recorded for one stage in arrival order.
func (r *ApprovalDecisionRepository) ListByStage(ctx context.Context, instanceID string, stageNumber int) ([]*StageDecisionRecord, error) {
	query := `
		SELECT id, instance_id, stage_number, approver_id,
		       decision, comments, by_escalation, decided_at
		FROM approval_stage_decisions
		WHERE instance_id = $1 AND stage_number = $2
		ORDER BY decided_at ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID, stageNumber)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stage decisions")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalDecisionRepository) scanRows(rows pgx.Rows) ([]*StageDecisionRecord, error) {
	var records []*StageDecisionRecord
	for rows.Next() {
		rec := &StageDecisionRecord{}
		var (
			decision string
			comments *string
		)
		err := rows.Scan(
			&rec.ID,
			&rec.InstanceID,
			&rec.StageNumber,
			&rec.ApproverID,
			&decision,
			&comments,
			&rec.ByEscalation,
			&rec.DecidedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage decision")
		}
		rec.Decision = Decision(decision)
		if comments != nil {
			rec.Comments = *comments
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate stage decisions")
	}
	return records, nil
}
