package repository

import "context"

// DefinitionRepository persists published workflow definitions.
type DefinitionRepository interface {
	// Create inserts a new definition. Definitions are never updated in place
	// apart from the active flag.
	Create(ctx context.Context, def *WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*WorkflowDefinition, error)
	List(ctx context.Context, activeOnly bool) ([]*WorkflowDefinition, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// InstanceRepository persists approval instances.
type InstanceRepository interface {
	Create(ctx context.Context, inst *ApprovalInstance) error
	GetByID(ctx context.Context, id string) (*ApprovalInstance, error)
	// GetLatestByRequestID returns the most recently created instance for a
	// request.
	GetLatestByRequestID(ctx context.Context, requestID string) (*ApprovalInstance, error)
	// Update saves inst when the stored version equals inst.Version and
	// increments inst.Version. A mismatch is reported as a conflict.
	Update(ctx context.Context, inst *ApprovalInstance) error
	// ListOpen returns every PENDING or IN_PROGRESS instance.
	ListOpen(ctx context.Context) ([]*ApprovalInstance, error)
}

// DecisionRepository is the append-only decision ledger.
type DecisionRepository interface {
	// Append inserts rec. A second record for the same (instance, stage,
	// approver) fails with a duplicate decision error.
	Append(ctx context.Context, rec *StageDecisionRecord) error
	ListByInstance(ctx context.Context, instanceID string) ([]*StageDecisionRecord, error)
	ListByStage(ctx context.Context, instanceID string, stageNumber int) ([]*StageDecisionRecord, error)
}

// EscalationRepository holds the escalation idempotency records.
type EscalationRepository interface {
	// RecordOnce inserts ev unless an escalation already exists for
	// (ev.InstanceID, ev.StageNumber). It reports whether ev was inserted.
	RecordOnce(ctx context.Context, ev *EscalationEvent) (bool, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*EscalationEvent, error)
}

// AuditRepository appends and reads audit log entries.
type AuditRepository interface {
	Append(ctx context.Context, entry *ApprovalAuditEntry) error
	GetByInstanceID(ctx context.Context, instanceID string) ([]*ApprovalAuditEntry, error)
}

// Repositories groups the repositories used by the engine.
type Repositories interface {
	Definitions() DefinitionRepository
	Instances() InstanceRepository
	Decisions() DecisionRepository
	Escalations() EscalationRepository
	Audit() AuditRepository
}

// Store is a Repositories that can run a group of writes atomically.
type Store interface {
	Repositories
	// Atomic runs fn against repositories that share one transaction. Any
	// error returned by fn discards all writes made through tx.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
}
