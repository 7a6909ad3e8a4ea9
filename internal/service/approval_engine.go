package service

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/logger"
	"github.com/pesio-ai/be-proc-approvals/internal/metrics"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
	"github.com/pesio-ai/be-proc-approvals/internal/tracing"
)

// ApprovalEngine routes requests through their workflow stages. It owns every
// state transition of an approval instance; all transitions of one instance
// are serialised on a per-instance lock shared with the escalation scheduler.
// Events are published after commit while that lock is still held, so the
// events of one instance leave in the order their transitions committed.
// Publishers must not block.
type ApprovalEngine struct {
	store     repository.Store
	selector  *WorkflowSelector
	directory Directory
	publisher EventPublisher
	locks     *instanceLocks
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
	log       *logger.Logger
}

// Option configures an ApprovalEngine.
type Option func(*ApprovalEngine)

// WithPublisher sets the outward event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(e *ApprovalEngine) { e.publisher = p }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *ApprovalEngine) { e.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *ApprovalEngine) { e.now = now }
}

// WithIDGenerator replaces uuid.NewString for new records.
func WithIDGenerator(fn func() string) Option {
	return func(e *ApprovalEngine) { e.newID = fn }
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(store repository.Store, directory Directory, log *logger.Logger, opts ...Option) *ApprovalEngine {
	e := &ApprovalEngine{
		store:     store,
		directory: directory,
		publisher: nopPublisher{},
		locks:     newInstanceLocks(),
		now:       time.Now,
		newID:     uuid.NewString,
		log:       log,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.selector = NewWorkflowSelector(store.Definitions(), e.metrics, log)
	return e
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitRequest is an approvable entity entering the engine.
type SubmitRequest struct {
	RequestID   string `json:"request_id"`
	RequestType string `json:"request_type"`
	// Amount in minor currency units.
	Amount      int64  `json:"amount"`
	SubmittedBy string `json:"submitted_by,omitempty"`
}

func (r SubmitRequest) validate() error {
	switch {
	case r.RequestID == "":
		return errors.InvalidInput("request_id", "is required")
	case r.RequestType == "":
		return errors.InvalidInput("request_type", "is required")
	case r.Amount < 0:
		return errors.InvalidInput("amount", "must not be negative")
	}
	return nil
}

// SubmitResult is the created instance plus the routing candidates.
type SubmitResult struct {
	Instance *repository.ApprovalInstance `json:"instance"`
	// Candidates holds every matching definition id, best first. More than
	// one entry is an ambiguous match that was resolved by tie-break.
	Candidates []string `json:"candidates"`
}

// Submit selects a workflow for the request and opens an instance at stage 1.
// A request with no applicable workflow fails with NO_APPLICABLE_WORKFLOW and
// no instance is created.
func (e *ApprovalEngine) Submit(ctx context.Context, req SubmitRequest) (_ *SubmitResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.submit",
		"request_id", req.RequestID, "request_type", req.RequestType)
	defer func() { tracing.EndSpan(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	sel, err := e.selector.Select(ctx, req.RequestType, req.Amount)
	if err != nil {
		if errors.Is(err, errors.ErrNoApplicableWorkflow) {
			e.metrics.Submission("no_workflow")
			e.log.Warn().
				Str("request_id", req.RequestID).
				Str("request_type", req.RequestType).
				Int64("amount", req.Amount).
				Msg("No applicable workflow, request blocked")
		}
		return nil, err
	}
	def := sel.Definition

	now := e.now().UTC()
	id := e.newID()
	unlock := e.locks.Lock(id)
	defer unlock()

	inst := &repository.ApprovalInstance{
		ID:           id,
		RequestID:    req.RequestID,
		RequestType:  req.RequestType,
		Amount:       req.Amount,
		SubmittedBy:  req.SubmittedBy,
		DefinitionID: def.ID,
		Definition:   *def.Clone(),
		CurrentStage: 1,
		Status:       repository.StatusPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	first, err := e.enterStage(ctx, &inst.Definition, 1, now)
	if err != nil {
		return nil, err
	}
	inst.Stages = []repository.StageState{*first}
	inst.Status = repository.StatusInProgress

	if err := e.store.Instances().Create(ctx, inst); err != nil {
		return nil, err
	}

	e.metrics.Submission("routed")
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("request_id", inst.RequestID).
		Str("definition_id", def.ID).
		Int("definition_version", def.Version).
		Int("stages", len(def.Stages)).
		Msg("Approval instance created")

	e.appendAudit(ctx, inst, 1, repository.AuditSubmitted, req.SubmittedBy, repository.StatusPending,
		map[string]interface{}{
			"definition_id": def.ID,
			"candidates":    sel.Candidates,
			"approvers":     first.Approvers,
		})

	var events []Event
	if first.Blocked {
		events = append(events, e.stageBlocked(ctx, inst, first, now))
	}
	e.publish(ctx, events...)

	return &SubmitResult{Instance: inst, Candidates: sel.Candidates}, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// DecideRequest is one approver's verdict on an instance's current stage.
type DecideRequest struct {
	InstanceID string              `json:"instance_id"`
	ApproverID string              `json:"approver_id"`
	Decision   repository.Decision `json:"decision"`
	Comments   string              `json:"comments,omitempty"`
	// StageNumber, when non-zero, must name the current stage.
	StageNumber int `json:"stage_number,omitempty"`
}

func (r DecideRequest) validate() error {
	switch {
	case r.InstanceID == "":
		return errors.InvalidInput("instance_id", "is required")
	case r.ApproverID == "":
		return errors.InvalidInput("approver_id", "is required")
	case !r.Decision.Valid():
		return errors.InvalidInput("decision", "must be APPROVED or REJECTED")
	case r.StageNumber < 0:
		return errors.InvalidInput("stage_number", "must not be negative")
	}
	return nil
}

// StageUpdateResult reports what a decision did to its instance.
type StageUpdateResult struct {
	Instance    *repository.ApprovalInstance    `json:"instance"`
	Decision    *repository.StageDecisionRecord `json:"decision"`
	StageNumber int                             `json:"stage_number"`
	Evaluation  StageEvaluation                 `json:"evaluation"`
	// Advanced is set when the decision moved the instance to the next stage.
	Advanced bool `json:"advanced"`
	// Completed is set when the decision made the instance terminal.
	Completed bool `json:"completed"`
}

// Decide records a decision on the current stage and applies the stage's
// quorum rule. Terminal instances and past stages fail with STALE_DECISION.
// Callers who are neither pinned approvers nor escalation targets fail with
// UNAUTHORIZED_APPROVER, and a second decision by the same approver fails with
// DUPLICATE_DECISION. Failed calls change nothing.
func (e *ApprovalEngine) Decide(ctx context.Context, req DecideRequest) (_ *StageUpdateResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.decide",
		"instance_id", req.InstanceID, "approver_id", req.ApproverID, "decision", string(req.Decision))
	defer func() { tracing.EndSpan(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(req.InstanceID)
	defer unlock()
	result, events, err := e.decideLocked(ctx, req)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, events...)
	return result, nil
}

func (e *ApprovalEngine) decideLocked(ctx context.Context, req DecideRequest) (*StageUpdateResult, []Event, error) {
	inst, err := e.store.Instances().GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, nil, errors.Newf(errors.ErrCodeStaleDecision,
			"approval instance %s is already %s", inst.ID, inst.Status)
	}
	if req.StageNumber != 0 && req.StageNumber != inst.CurrentStage {
		return nil, nil, errors.Newf(errors.ErrCodeStaleDecision,
			"stage %d is not current, instance %s is at stage %d", req.StageNumber, inst.ID, inst.CurrentStage)
	}

	stage := inst.CurrentStageState()
	tmpl := inst.CurrentTemplate()
	if stage == nil || tmpl == nil {
		return nil, nil, errors.Newf(errors.ErrCodeInternal,
			"approval instance %s has no state for stage %d", inst.ID, inst.CurrentStage)
	}

	if !stage.CanDecide(req.ApproverID) {
		if stage.Blocked {
			return nil, nil, errors.Newf(errors.ErrCodeBlockedStage,
				"stage %d of instance %s is blocked: %s", stage.StageNumber, inst.ID, stage.BlockedReason)
		}
		return nil, nil, errors.Newf(errors.ErrCodeUnauthorizedApprover,
			"%s is not an approver of stage %d", req.ApproverID, stage.StageNumber)
	}

	existing, err := e.store.Decisions().ListByStage(ctx, inst.ID, stage.StageNumber)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range existing {
		if d.ApproverID == req.ApproverID {
			return nil, nil, errors.Newf(errors.ErrCodeDuplicateDecision,
				"%s already decided stage %d", req.ApproverID, stage.StageNumber)
		}
	}

	now := e.now().UTC()
	rec := &repository.StageDecisionRecord{
		ID:           e.newID(),
		InstanceID:   inst.ID,
		StageNumber:  stage.StageNumber,
		ApproverID:   req.ApproverID,
		Decision:     req.Decision,
		Comments:     req.Comments,
		ByEscalation: !stage.IsPinned(req.ApproverID),
		DecidedAt:    now,
	}
	eval := EvaluateStage(tmpl.ApprovalType, stage, append(existing, rec))

	statusBefore := inst.Status
	decided := stage.StageNumber
	result := &StageUpdateResult{Decision: rec, StageNumber: decided, Evaluation: eval}
	var events []Event
	var next *repository.StageState

	switch eval.Outcome {
	case repository.OutcomeSatisfied:
		stage.Outcome = repository.OutcomeSatisfied
		stage.CompletedAt = &now
		if inst.IsLastStage() {
			inst.Status = repository.StatusApproved
			inst.CompletedAt = &now
			result.Completed = true
			events = append(events, e.newEvent(EventInstanceApproved, inst, now, submitterOf(inst)))
			break
		}
		next, err = e.enterStage(ctx, &inst.Definition, decided+1, now)
		if err != nil {
			return nil, nil, err
		}
		inst.CurrentStage = next.StageNumber
		inst.Stages = append(inst.Stages, *next)
		result.Advanced = true
		advanced := e.newEvent(EventStageAdvanced, inst, now, next.Approvers)
		advanced.Stage = next.StageNumber
		events = append(events, advanced)

	case repository.OutcomeRejected:
		stage.Outcome = repository.OutcomeRejected
		stage.CompletedAt = &now
		inst.Status = repository.StatusRejected
		inst.RejectingStage = &decided
		inst.CompletedAt = &now
		result.Completed = true
		rejected := e.newEvent(EventInstanceRejected, inst, now, submitterOf(inst))
		rejected.Stage = decided
		rejected.ActorID = req.ApproverID
		events = append(events, rejected)
	}
	inst.UpdatedAt = now

	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Repositories) error {
		if err := tx.Decisions().Append(ctx, rec); err != nil {
			return err
		}
		return tx.Instances().Update(ctx, inst)
	})
	if err != nil {
		return nil, nil, err
	}
	result.Instance = inst

	e.metrics.Decision(string(rec.Decision), string(eval.Outcome))
	e.log.Info().
		Str("instance_id", inst.ID).
		Int("stage", decided).
		Str("approver_id", rec.ApproverID).
		Str("decision", string(rec.Decision)).
		Bool("by_escalation", rec.ByEscalation).
		Str("outcome", string(eval.Outcome)).
		Msg("Stage decision recorded")

	e.appendAudit(ctx, inst, decided, repository.AuditDecided, req.ApproverID, statusBefore,
		map[string]interface{}{
			"decision":      string(rec.Decision),
			"comments":      rec.Comments,
			"by_escalation": rec.ByEscalation,
			"approvals":     eval.Approvals,
			"rejections":    eval.Rejections,
			"pinned_size":   eval.PinnedSize,
		})

	switch {
	case result.Advanced:
		e.appendAudit(ctx, inst, next.StageNumber, repository.AuditStageAdvanced, req.ApproverID, statusBefore,
			map[string]interface{}{"from_stage": decided, "approvers": next.Approvers})
		if next.Blocked {
			events = append(events, e.stageBlocked(ctx, inst, next, now))
		}
	case inst.Status == repository.StatusApproved:
		e.completed(ctx, inst, decided, repository.AuditApproved, req.ApproverID, statusBefore)
	case inst.Status == repository.StatusRejected:
		e.completed(ctx, inst, decided, repository.AuditRejected, req.ApproverID, statusBefore)
	}

	return result, events, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// CancelRequest is an administrative override ending an open instance.
type CancelRequest struct {
	InstanceID  string `json:"instance_id"`
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

// Cancel moves an open instance to CANCELLED. Cancelling a terminal instance
// fails with CONFLICT.
func (e *ApprovalEngine) Cancel(ctx context.Context, req CancelRequest) (_ *repository.ApprovalInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.cancel", "instance_id", req.InstanceID)
	defer func() { tracing.EndSpan(span, err) }()

	if req.InstanceID == "" {
		return nil, errors.InvalidInput("instance_id", "is required")
	}
	if req.Reason == "" {
		return nil, errors.InvalidInput("reason", "is required")
	}

	unlock := e.locks.Lock(req.InstanceID)
	defer unlock()
	inst, events, err := e.cancelLocked(ctx, req)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, events...)
	return inst, nil
}

func (e *ApprovalEngine) cancelLocked(ctx context.Context, req CancelRequest) (*repository.ApprovalInstance, []Event, error) {
	inst, err := e.store.Instances().GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, nil, errors.Newf(errors.ErrCodeConflict,
			"approval instance %s is already %s", inst.ID, inst.Status)
	}

	now := e.now().UTC()
	statusBefore := inst.Status
	reason := req.Reason
	inst.Status = repository.StatusCancelled
	inst.CancelReason = &reason
	inst.CompletedAt = &now
	inst.UpdatedAt = now

	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Repositories) error {
		return tx.Instances().Update(ctx, inst)
	})
	if err != nil {
		return nil, nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("cancelled_by", req.CancelledBy).
		Str("reason", reason).
		Msg("Approval instance cancelled")
	e.metrics.Completion(string(inst.Status))
	e.appendAudit(ctx, inst, inst.CurrentStage, repository.AuditCancelled, req.CancelledBy, statusBefore,
		map[string]interface{}{"reason": reason})

	ev := e.newEvent(EventInstanceCancelled, inst, now, submitterOf(inst))
	ev.Stage = inst.CurrentStage
	ev.Reason = reason
	ev.ActorID = req.CancelledBy
	return inst, []Event{ev}, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns an instance by id.
func (e *ApprovalEngine) GetInstance(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	return e.store.Instances().GetByID(ctx, id)
}

// GetByRequest returns the most recent instance opened for a request.
func (e *ApprovalEngine) GetByRequest(ctx context.Context, requestID string) (*repository.ApprovalInstance, error) {
	return e.store.Instances().GetLatestByRequestID(ctx, requestID)
}

// ListDecisions returns the decision ledger of an instance.
func (e *ApprovalEngine) ListDecisions(ctx context.Context, instanceID string) ([]*repository.StageDecisionRecord, error) {
	if _, err := e.store.Instances().GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.Decisions().ListByInstance(ctx, instanceID)
}

// ListEscalations returns the escalations fired for an instance.
func (e *ApprovalEngine) ListEscalations(ctx context.Context, instanceID string) ([]*repository.EscalationEvent, error) {
	if _, err := e.store.Instances().GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.Escalations().ListByInstance(ctx, instanceID)
}

// History returns the audit trail of an instance.
func (e *ApprovalEngine) History(ctx context.Context, instanceID string) ([]*repository.ApprovalAuditEntry, error) {
	if _, err := e.store.Instances().GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.Audit().GetByInstanceID(ctx, instanceID)
}

// PendingForApprover returns the open instances whose current stage the
// approver may decide and has not decided yet.
func (e *ApprovalEngine) PendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalInstance, error) {
	if approverID == "" {
		return nil, errors.InvalidInput("approver_id", "is required")
	}

	open, err := e.store.Instances().ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]*repository.ApprovalInstance, 0)
	for _, inst := range open {
		stage := inst.CurrentStageState()
		if stage == nil || !stage.CanDecide(approverID) {
			continue
		}
		decisions, err := e.store.Decisions().ListByStage(ctx, inst.ID, stage.StageNumber)
		if err != nil {
			return nil, err
		}
		if slices.ContainsFunc(decisions, func(d *repository.StageDecisionRecord) bool {
			return d.ApproverID == approverID
		}) {
			continue
		}
		pending = append(pending, inst)
	}
	return pending, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// enterStage resolves the approver set of stage number of def and pins it.
// An empty set yields a Blocked stage.
func (e *ApprovalEngine) enterStage(ctx context.Context, def *repository.WorkflowDefinition, number int, now time.Time) (*repository.StageState, error) {
	tmpl, ok := def.Stage(number)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInternal, "workflow %s has no stage %d", def.ID, number)
	}

	approvers, reason, err := e.resolveApprovers(ctx, tmpl.Approver)
	if err != nil {
		return nil, err
	}

	stage := &repository.StageState{
		StageNumber: number,
		EnteredAt:   now,
		Approvers:   approvers,
		Outcome:     repository.OutcomePending,
	}
	if len(approvers) == 0 {
		stage.Blocked = true
		stage.BlockedReason = reason
		stage.Outcome = repository.OutcomeBlocked
	}
	return stage, nil
}

// resolveApprovers takes the point-in-time snapshot of who may approve. When
// the set is empty the second value says why.
func (e *ApprovalEngine) resolveApprovers(ctx context.Context, spec repository.ApproverSpec) ([]string, string, error) {
	switch spec.Kind() {
	case repository.ApproverRole:
		holders, err := e.directory.RoleHolders(ctx, spec.Role)
		if err != nil {
			return nil, "", errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve role holders")
		}
		holders = slices.Clone(holders)
		slices.Sort(holders)
		holders = slices.Compact(holders)
		if len(holders) == 0 {
			return []string{}, "no active holders of role " + spec.Role, nil
		}
		return holders, "", nil

	case repository.ApproverUser:
		active, err := e.directory.IsActive(ctx, spec.UserID)
		if err != nil {
			return nil, "", errors.Wrap(err, errors.ErrCodeInternal, "failed to check approver status")
		}
		if !active {
			return []string{}, "designated approver " + spec.UserID + " is inactive", nil
		}
		return []string{spec.UserID}, "", nil
	}
	return nil, "", errors.Newf(errors.ErrCodeInternal, "invalid approver specification %s", spec)
}

// stageBlocked logs and audits a stage that cannot be decided and returns the
// event announcing it.
func (e *ApprovalEngine) stageBlocked(ctx context.Context, inst *repository.ApprovalInstance, stage *repository.StageState, now time.Time) Event {
	e.log.Warn().
		Str("code", string(errors.ErrCodeBlockedStage)).
		Str("instance_id", inst.ID).
		Int("stage", stage.StageNumber).
		Str("reason", stage.BlockedReason).
		Msg("Stage blocked, administrative intervention required")
	e.appendAudit(ctx, inst, stage.StageNumber, repository.AuditBlocked, "system", inst.Status,
		map[string]interface{}{"reason": stage.BlockedReason})

	ev := e.newEvent(EventStageBlocked, inst, now, nil)
	ev.Stage = stage.StageNumber
	ev.Reason = stage.BlockedReason
	return ev
}

func (e *ApprovalEngine) completed(ctx context.Context, inst *repository.ApprovalInstance, stage int, action, actor string, before repository.InstanceStatus) {
	e.metrics.Completion(string(inst.Status))
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("request_id", inst.RequestID).
		Str("status", string(inst.Status)).
		Int("stage", stage).
		Msg("Approval instance completed")
	e.appendAudit(ctx, inst, stage, action, actor, before, nil)
}

func (e *ApprovalEngine) newEvent(t EventType, inst *repository.ApprovalInstance, now time.Time, recipients []string) Event {
	return Event{
		Type:        t,
		InstanceID:  inst.ID,
		RequestID:   inst.RequestID,
		RequestType: inst.RequestType,
		Recipients:  slices.Clone(recipients),
		OccurredAt:  now,
	}
}

func (e *ApprovalEngine) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		e.publisher.Publish(ctx, ev)
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (e *ApprovalEngine) appendAudit(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	stage int,
	action, actor string,
	before repository.InstanceStatus,
	metadata map[string]interface{},
) {
	after := string(inst.Status)
	entry := &repository.ApprovalAuditEntry{
		ID:          e.newID(),
		InstanceID:  inst.ID,
		RequestID:   inst.RequestID,
		Action:      action,
		PerformedBy: actor,
		PerformedAt: e.now().UTC(),
		StatusAfter: &after,
		Metadata:    metadata,
	}
	if stage > 0 {
		entry.StageNumber = &stage
	}
	if before != "" {
		b := string(before)
		entry.StatusBefore = &b
	}

	if err := e.store.Audit().Append(ctx, entry); err != nil {
		e.log.Warn().Err(err).
			Str("instance_id", inst.ID).
			Str("action", action).
			Msg("Failed to write audit log entry")
	}
}

func submitterOf(inst *repository.ApprovalInstance) []string {
	if inst.SubmittedBy == "" {
		return nil
	}
	return []string{inst.SubmittedBy}
}
