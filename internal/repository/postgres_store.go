package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-proc-approvals/internal/database"
)

// PostgresStore implements Store on top of a pgx pool.
type PostgresStore struct {
	db *database.DB
	repositorySet
}

// NewPostgresStore creates a Store whose repositories use the pool directly.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, repositorySet: newRepositorySet(db)}
}

// Atomic runs fn inside one database transaction.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(ctx, newRepositorySet(tx))
	})
}

type repositorySet struct {
	definitions *ApprovalDefinitionRepository
	instances   *ApprovalInstanceRepository
	decisions   *ApprovalDecisionRepository
	escalations *ApprovalEscalationRepository
	audit       *ApprovalAuditRepository
}

func newRepositorySet(q database.Querier) repositorySet {
	return repositorySet{
		definitions: NewApprovalDefinitionRepository(q),
		instances:   NewApprovalInstanceRepository(q),
		decisions:   NewApprovalDecisionRepository(q),
		escalations: NewApprovalEscalationRepository(q),
		audit:       NewApprovalAuditRepository(q),
	}
}

func (s repositorySet) Definitions() DefinitionRepository { return s.definitions }
func (s repositorySet) Instances() InstanceRepository     { return s.instances }
func (s repositorySet) Decisions() DecisionRepository     { return s.decisions }
func (s repositorySet) Escalations() EscalationRepository { return s.escalations }
func (s repositorySet) Audit() AuditRepository            { return s.audit }
