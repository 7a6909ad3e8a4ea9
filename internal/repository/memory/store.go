// Package memory is an in-process implementation of repository.Store. It
// backs the "memory" storage driver and the service tests.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
)

// Store keeps every entity in maps guarded by one RWMutex. Values are cloned
// on the way in and out so callers never share memory with the store.
//
// Atomic calls are serialised; on error the definitions, instances, decisions
// and escalations written inside the call are rolled back. Audit entries are
// never rolled back.
type Store struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	definitions map[string]*repository.WorkflowDefinition
	instances   map[string]*repository.ApprovalInstance
	decisions   []*repository.StageDecisionRecord
	escalations []*repository.EscalationEvent
	audit       []*repository.ApprovalAuditEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		definitions: make(map[string]*repository.WorkflowDefinition),
		instances:   make(map[string]*repository.ApprovalInstance),
	}
}

func (s *Store) Definitions() repository.DefinitionRepository { return definitionRepo{s} }
func (s *Store) Instances() repository.InstanceRepository     { return instanceRepo{s} }
func (s *Store) Decisions() repository.DecisionRepository     { return decisionRepo{s} }
func (s *Store) Escalations() repository.EscalationRepository { return escalationRepo{s} }
func (s *Store) Audit() repository.AuditRepository            { return auditRepo{s} }

// Atomic runs fn and restores the previous state when it fails.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	definitions map[string]*repository.WorkflowDefinition
	instances   map[string]*repository.ApprovalInstance
	decisions   int
	escalations int
}

// Stored values are replaced, never mutated, so shallow map copies are enough.
func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{
		definitions: maps.Clone(s.definitions),
		instances:   maps.Clone(s.instances),
		decisions:   len(s.decisions),
		escalations: len(s.escalations),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions = snap.definitions
	s.instances = snap.instances
	s.decisions = s.decisions[:snap.decisions]
	s.escalations = s.escalations[:snap.escalations]
}

// ── definitions ──────────────────────────────────────────────────────────────

type definitionRepo struct{ s *Store }

func (r definitionRepo) Create(_ context.Context, def *repository.WorkflowDefinition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.definitions[def.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "workflow definition %q already exists", def.ID)
	}
	r.s.definitions[def.ID] = def.Clone()
	return nil
}

func (r definitionRepo) GetByID(_ context.Context, id string) (*repository.WorkflowDefinition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	def, ok := r.s.definitions[id]
	if !ok {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return def.Clone(), nil
}

func (r definitionRepo) List(_ context.Context, activeOnly bool) ([]*repository.WorkflowDefinition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*repository.WorkflowDefinition, 0, len(r.s.definitions))
	for _, def := range r.s.definitions {
		if activeOnly && !def.IsActive {
			continue
		}
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r definitionRepo) SetActive(_ context.Context, id string, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	def, ok := r.s.definitions[id]
	if !ok {
		return errors.NotFound("workflow_definition", id)
	}
	updated := def.Clone()
	updated.IsActive = active
	r.s.definitions[id] = updated
	return nil
}

// ── instances ────────────────────────────────────────────────────────────────

type instanceRepo struct{ s *Store }

func (r instanceRepo) Create(_ context.Context, inst *repository.ApprovalInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.instances[inst.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "approval instance %q already exists", inst.ID)
	}
	if !inst.Status.IsTerminal() {
		for _, existing := range r.s.instances {
			if existing.RequestID == inst.RequestID && !existing.Status.IsTerminal() {
				return errors.Newf(errors.ErrCodeConflict,
					"request %q already has an open approval instance", inst.RequestID)
			}
		}
	}
	r.s.instances[inst.ID] = inst.Clone()
	return nil
}

func (r instanceRepo) GetByID(_ context.Context, id string) (*repository.ApprovalInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	inst, ok := r.s.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst.Clone(), nil
}

func (r instanceRepo) GetLatestByRequestID(_ context.Context, requestID string) (*repository.ApprovalInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var latest *repository.ApprovalInstance
	for _, inst := range r.s.instances {
		if inst.RequestID != requestID {
			continue
		}
		if latest == nil || inst.CreatedAt.After(latest.CreatedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, errors.NotFound("approval_instance_for_request", requestID)
	}
	return latest.Clone(), nil
}

func (r instanceRepo) Update(_ context.Context, inst *repository.ApprovalInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.instances[inst.ID]
	if !ok {
		return errors.NotFound("approval_instance", inst.ID)
	}
	if stored.Version != inst.Version {
		return errors.Newf(errors.ErrCodeConflict,
			"approval instance %q was modified concurrently (version %d)", inst.ID, inst.Version)
	}
	inst.Version++
	r.s.instances[inst.ID] = inst.Clone()
	return nil
}

func (r instanceRepo) ListOpen(_ context.Context) ([]*repository.ApprovalInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*repository.ApprovalInstance
	for _, inst := range r.s.instances {
		if inst.Status.IsTerminal() {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ── decisions ────────────────────────────────────────────────────────────────

type decisionRepo struct{ s *Store }

func (r decisionRepo) Append(_ context.Context, rec *repository.StageDecisionRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := rec.DecisionKey()
	for _, existing := range r.s.decisions {
		if existing.DecisionKey() == key {
			return errors.Newf(errors.ErrCodeDuplicateDecision,
				"approver %q already decided stage %d", rec.ApproverID, rec.StageNumber)
		}
	}
	stored := *rec
	r.s.decisions = append(r.s.decisions, &stored)
	return nil
}

func (r decisionRepo) ListByInstance(_ context.Context, instanceID string) ([]*repository.StageDecisionRecord, error) {
	return r.filter(func(rec *repository.StageDecisionRecord) bool {
		return rec.InstanceID == instanceID
	}), nil
}

func (r decisionRepo) ListByStage(_ context.Context, instanceID string, stageNumber int) ([]*repository.StageDecisionRecord, error) {
	return r.filter(func(rec *repository.StageDecisionRecord) bool {
		return rec.InstanceID == instanceID && rec.StageNumber == stageNumber
	}), nil
}

func (r decisionRepo) filter(keep func(*repository.StageDecisionRecord) bool) []*repository.StageDecisionRecord {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*repository.StageDecisionRecord
	for _, rec := range r.s.decisions {
		if keep(rec) {
			copied := *rec
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StageNumber < out[j].StageNumber })
	return out
}

// ── escalations ──────────────────────────────────────────────────────────────

type escalationRepo struct{ s *Store }

func (r escalationRepo) RecordOnce(_ context.Context, ev *repository.EscalationEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.escalations {
		if existing.InstanceID == ev.InstanceID && existing.StageNumber == ev.StageNumber {
			return false, nil
		}
	}
	stored := *ev
	r.s.escalations = append(r.s.escalations, &stored)
	return true, nil
}

func (r escalationRepo) ListByInstance(_ context.Context, instanceID string) ([]*repository.EscalationEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*repository.EscalationEvent
	for _, ev := range r.s.escalations {
		if ev.InstanceID == instanceID {
			copied := *ev
			out = append(out, &copied)
		}
	}
	return out, nil
}

// ── audit ────────────────────────────────────────────────────────────────────

type auditRepo struct{ s *Store }

func (r auditRepo) Append(_ context.Context, entry *repository.ApprovalAuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := *entry
	stored.Metadata = maps.Clone(entry.Metadata)
	r.s.audit = append(r.s.audit, &stored)
	return nil
}

func (r auditRepo) GetByInstanceID(_ context.Context, instanceID string) ([]*repository.ApprovalAuditEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*repository.ApprovalAuditEntry
	for _, entry := range r.s.audit {
		if entry.InstanceID == instanceID {
			copied := *entry
			copied.Metadata = maps.Clone(entry.Metadata)
			out = append(out, &copied)
		}
	}
	return out, nil
}
