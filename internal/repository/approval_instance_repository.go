package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-proc-approvals/internal/database"
	"github.com/pesio-ai/be-proc-approvals/internal/errors"
)

// ApprovalInstanceRepository manages approval_instances. The definition
// snapshot and stage states are stored as JSONB next to the scalar columns.
type ApprovalInstanceRepository struct {
	db database.Querier
}

// NewApprovalInstanceRepository creates a new ApprovalInstanceRepository.
func NewApprovalInstanceRepository(db database.Querier) *ApprovalInstanceRepository {
	return &ApprovalInstanceRepository{db: db}
}

const instanceColumns = `
	id, request_id, request_type, amount, submitted_by,
	definition_id, definition, current_stage, status, stages,
	rejecting_stage, cancel_reason, version,
	created_at, updated_at, completed_at
`

// Create inserts a new instance.
func (r *ApprovalInstanceRepository) Create(ctx context.Context, inst *ApprovalInstance) error {
	defJSON, stagesJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_instances
		    (id, request_id, request_type, amount, submitted_by,
		     definition_id, definition, current_stage, status, stages,
		     rejecting_stage, cancel_reason, version,
		     created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''),
		        $6, $7, $8, $9, $10,
		        $11, $12, $13,
		        $14, $15, $16)
	`

	_, err = r.db.Exec(ctx, query,
		inst.ID,
		inst.RequestID,
		inst.RequestType,
		inst.Amount,
		inst.SubmittedBy,
		inst.DefinitionID,
		defJSON,
		inst.CurrentStage,
		string(inst.Status),
		stagesJSON,
		inst.RejectingStage,
		inst.CancelReason,
		inst.Version,
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.CompletedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.Wrap(err, errors.ErrCodeConflict, "request already has an open approval instance")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
	}
	return nil
}

// GetByID retrieves an instance by primary key.
func (r *ApprovalInstanceRepository) GetByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE id = $1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetLatestByRequestID returns the most recent instance for a request.
func (r *ApprovalInstanceRepository) GetLatestByRequestID(ctx context.Context, requestID string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_instance_for_request", requestID)
	}
	return inst, err
}

// Update saves the mutable columns guarded by the optimistic version.
func (r *ApprovalInstanceRepository) Update(ctx context.Context, inst *ApprovalInstance) error {
	_, stagesJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_instances
		SET current_stage   = $3,
		    status          = $4,
		    stages          = $5,
		    rejecting_stage = $6,
		    cancel_reason   = $7,
		    updated_at      = $8,
		    completed_at    = $9,
		    version         = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`

	var newVersion int64
	err = r.db.QueryRow(ctx, query,
		inst.ID,
		inst.Version,
		inst.CurrentStage,
		string(inst.Status),
		stagesJSON,
		inst.RejectingStage,
		inst.CancelReason,
		inst.UpdatedAt,
		inst.CompletedAt,
	).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Newf(errors.ErrCodeConflict,
			"approval instance %q was modified concurrently (version %d)", inst.ID, inst.Version)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval instance")
	}
	inst.Version = newVersion
	return nil
}

// ListOpen returns every instance that has not reached a terminal status.
func (r *ApprovalInstanceRepository) ListOpen(ctx context.Context) ([]*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list open approval instances")
	}
	defer rows.Close()

	var out []*ApprovalInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval instances")
	}
	return out, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalInstanceDocs(inst *ApprovalInstance) ([]byte, []byte, error) {
	defJSON, err := json.Marshal(inst.Definition)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal definition snapshot")
	}
	stagesJSON, err := json.Marshal(inst.Stages)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal stage states")
	}
	return defJSON, stagesJSON, nil
}

func (r *ApprovalInstanceRepository) scanInstance(row rowScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	var (
		submittedBy *string
		status      string
		defJSON     []byte
		stagesJSON  []byte
	)

	err := row.Scan(
		&inst.ID,
		&inst.RequestID,
		&inst.RequestType,
		&inst.Amount,
		&submittedBy,
		&inst.DefinitionID,
		&defJSON,
		&inst.CurrentStage,
		&status,
		&stagesJSON,
		&inst.RejectingStage,
		&inst.CancelReason,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
	}

	inst.Status = InstanceStatus(status)
	if submittedBy != nil {
		inst.SubmittedBy = *submittedBy
	}
	if err := json.Unmarshal(defJSON, &inst.Definition); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal definition snapshot")
	}
	if err := json.Unmarshal(stagesJSON, &inst.Stages); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal stage states")
	}
	return inst, nil
}
