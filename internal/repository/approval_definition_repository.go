package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-proc-approvals/internal/database"
	"github.com/pesio-ai/be-proc-approvals/internal/errors"
)

// ApprovalDefinitionRepository handles approval_workflow_definitions.
type ApprovalDefinitionRepository struct {
	db database.Querier
}

// NewApprovalDefinitionRepository creates a new ApprovalDefinitionRepository.
func NewApprovalDefinitionRepository(db database.Querier) *ApprovalDefinitionRepository {
	return &ApprovalDefinitionRepository{db: db}
}

const definitionColumns = `
	id, name, version, previous_version_id,
	request_type, min_amount, max_amount,
	is_active, stages, created_by, created_at
`

// Create inserts a new definition.
func (r *ApprovalDefinitionRepository) Create(ctx context.Context, def *WorkflowDefinition) error {
	stagesJSON, err := json.Marshal(def.Stages)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal stage templates")
	}

	query := `
		INSERT INTO approval_workflow_definitions
		    (id, name, version, previous_version_id,
		     request_type, min_amount, max_amount,
		     is_active, stages, created_by, created_at)
		VALUES ($1, $2, $3, $4,
		        NULLIF($5, ''), $6, $7,
		        $8, $9, NULLIF($10, ''), $11)
	`

	_, err = r.db.Exec(ctx, query,
		def.ID,
		def.Name,
		def.Version,
		def.PreviousVersionID,
		def.Applicability.RequestType,
		def.Applicability.MinAmount,
		def.Applicability.MaxAmount,
		def.IsActive,
		stagesJSON,
		def.CreatedBy,
		def.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "workflow definition %q already exists", def.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
	}
	return nil
}

// GetByID retrieves a definition by primary key.
func (r *ApprovalDefinitionRepository) GetByID(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM approval_workflow_definitions
		WHERE id = $1
	`

	def, err := r.scanDefinition(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return def, err
}

// List returns definitions, optionally only active ones, oldest first.
func (r *ApprovalDefinitionRepository) List(ctx context.Context, activeOnly bool) ([]*WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM approval_workflow_definitions
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := r.scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflow definitions")
	}
	return defs, nil
}

// SetActive flips the active flag. It is the only mutation allowed on a
// published definition.
func (r *ApprovalDefinitionRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE approval_workflow_definitions
		SET is_active = $2
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, active)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow definition")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_definition", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalDefinitionRepository) scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var (
		requestType *string
		createdBy   *string
		stagesJSON  []byte
	)

	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.Version,
		&def.PreviousVersionID,
		&requestType,
		&def.Applicability.MinAmount,
		&def.Applicability.MaxAmount,
		&def.IsActive,
		&stagesJSON,
		&createdBy,
		&def.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow definition")
	}
	if requestType != nil {
		def.Applicability.RequestType = *requestType
	}
	if createdBy != nil {
		def.CreatedBy = *createdBy
	}
	if err := json.Unmarshal(stagesJSON, &def.Stages); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal stage templates")
	}
	return def, nil
}
