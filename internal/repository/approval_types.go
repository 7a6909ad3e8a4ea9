package repository

import (
	"fmt"
	"slices"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// ApprovalType is the quorum rule applied to a stage.
type ApprovalType string

const (
	ApprovalSingle   ApprovalType = "SINGLE"
	ApprovalAll      ApprovalType = "ALL"
	ApprovalMajority ApprovalType = "MAJORITY"
)

// Valid reports whether t is a known quorum rule.
func (t ApprovalType) Valid() bool {
	switch t {
	case ApprovalSingle, ApprovalAll, ApprovalMajority:
		return true
	}
	return false
}

// InstanceStatus is the overall status of an approval instance.
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "PENDING"
	StatusInProgress InstanceStatus = "IN_PROGRESS"
	StatusApproved   InstanceStatus = "APPROVED"
	StatusRejected   InstanceStatus = "REJECTED"
	StatusCancelled  InstanceStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Decision is an approver's verdict on a stage.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Valid reports whether d is APPROVED or REJECTED.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// StageOutcome is the result of evaluating a stage's quorum rule.
type StageOutcome string

const (
	OutcomePending   StageOutcome = "PENDING"
	OutcomeSatisfied StageOutcome = "SATISFIED"
	OutcomeRejected  StageOutcome = "REJECTED"
	OutcomeBlocked   StageOutcome = "BLOCKED"
)

// ── Workflow definitions ─────────────────────────────────────────────────────

// ApproverKind tags the approver variant.
type ApproverKind string

const (
	ApproverRole ApproverKind = "role"
	ApproverUser ApproverKind = "user"
)

// ApproverSpec names who approves a stage: either every holder of a role or
// one specific user. Exactly one field is set.
type ApproverSpec struct {
	Role   string `json:"role,omitempty" yaml:"role,omitempty"`
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
}

// RoleApprover builds a role-based approver spec.
func RoleApprover(role string) ApproverSpec { return ApproverSpec{Role: role} }

// UserApprover builds a user-based approver spec.
func UserApprover(userID string) ApproverSpec { return ApproverSpec{UserID: userID} }

// Kind returns the variant, or "" when the spec sets both or neither field.
func (a ApproverSpec) Kind() ApproverKind {
	switch {
	case a.Role != "" && a.UserID == "":
		return ApproverRole
	case a.UserID != "" && a.Role == "":
		return ApproverUser
	}
	return ""
}

func (a ApproverSpec) String() string {
	switch a.Kind() {
	case ApproverRole:
		return "role:" + a.Role
	case ApproverUser:
		return "user:" + a.UserID
	}
	return "invalid"
}

// EscalationRule widens a stage's approver set once it has been open longer
// than AfterHours.
type EscalationRule struct {
	AfterHours int    `json:"after_hours" yaml:"after_hours"`
	EscalateTo string `json:"escalate_to" yaml:"escalate_to"`
}

// Threshold returns AfterHours as a duration.
func (e EscalationRule) Threshold() time.Duration {
	return time.Duration(e.AfterHours) * time.Hour
}

// StageTemplate is one step of a workflow definition.
type StageTemplate struct {
	StageNumber  int             `json:"stage_number" yaml:"stage_number"`
	Name         string          `json:"name" yaml:"name"`
	Approver     ApproverSpec    `json:"approver" yaml:"approver"`
	ApprovalType ApprovalType    `json:"approval_type" yaml:"approval_type"`
	Escalation   *EscalationRule `json:"escalation,omitempty" yaml:"escalation,omitempty"`
}

// Applicability selects the requests a definition applies to. An empty
// RequestType matches any type; nil bounds are unbounded. Both bounds are
// inclusive and expressed in minor currency units.
type Applicability struct {
	RequestType string `json:"request_type,omitempty" yaml:"request_type,omitempty"`
	MinAmount   *int64 `json:"min_amount,omitempty" yaml:"min_amount,omitempty"`
	MaxAmount   *int64 `json:"max_amount,omitempty" yaml:"max_amount,omitempty"`
}

// Matches reports whether a request of the given type and amount falls
// inside the predicate.
func (a Applicability) Matches(requestType string, amount int64) bool {
	if a.RequestType != "" && a.RequestType != requestType {
		return false
	}
	if a.MinAmount != nil && amount < *a.MinAmount {
		return false
	}
	if a.MaxAmount != nil && amount > *a.MaxAmount {
		return false
	}
	return true
}

// Width returns the amount window size and whether it is bounded on both ends.
func (a Applicability) Width() (int64, bool) {
	if a.MinAmount == nil || a.MaxAmount == nil {
		return 0, false
	}
	return *a.MaxAmount - *a.MinAmount, true
}

// WorkflowDefinition is a published, immutable approval template. Edits are
// made by publishing a new version.
type WorkflowDefinition struct {
	ID                string          `json:"id" yaml:"id"`
	Name              string          `json:"name" yaml:"name"`
	Version           int             `json:"version" yaml:"version"`
	PreviousVersionID *string         `json:"previous_version_id,omitempty" yaml:"previous_version_id,omitempty"`
	Applicability     Applicability   `json:"applicability" yaml:"applicability"`
	IsActive          bool            `json:"is_active" yaml:"is_active"`
	Stages            []StageTemplate `json:"stages" yaml:"stages"`
	CreatedBy         string          `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at" yaml:"created_at"`
}

// Stage returns the template with the given 1-based number.
func (d *WorkflowDefinition) Stage(number int) (*StageTemplate, bool) {
	if number < 1 || number > len(d.Stages) {
		return nil, false
	}
	stage := &d.Stages[number-1]
	if stage.StageNumber != number {
		return nil, false
	}
	return stage, true
}

// Clone returns a deep copy.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	out := *d
	out.PreviousVersionID = clonePtr(d.PreviousVersionID)
	out.Applicability.MinAmount = clonePtr(d.Applicability.MinAmount)
	out.Applicability.MaxAmount = clonePtr(d.Applicability.MaxAmount)
	out.Stages = make([]StageTemplate, len(d.Stages))
	for i, stage := range d.Stages {
		out.Stages[i] = stage
		if stage.Escalation != nil {
			rule := *stage.Escalation
			out.Stages[i].Escalation = &rule
		}
	}
	return &out
}

// ── Live instances ───────────────────────────────────────────────────────────

// StageState is the runtime record of a stage an instance has entered.
// Approvers is pinned at stage entry and never re-resolved.
type StageState struct {
	StageNumber       int          `json:"stage_number"`
	EnteredAt         time.Time    `json:"entered_at"`
	Approvers         []string     `json:"approvers"`
	EscalationTargets []string     `json:"escalation_targets,omitempty"`
	Blocked           bool         `json:"blocked,omitempty"`
	BlockedReason     string       `json:"blocked_reason,omitempty"`
	Escalated         bool         `json:"escalated,omitempty"`
	EscalationBlocked bool         `json:"escalation_blocked,omitempty"`
	Outcome           StageOutcome `json:"outcome"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// IsPinned reports whether userID is in the originally pinned approver set.
func (s *StageState) IsPinned(userID string) bool {
	return slices.Contains(s.Approvers, userID)
}

// IsEscalationTarget reports whether userID was added by escalation.
func (s *StageState) IsEscalationTarget(userID string) bool {
	return slices.Contains(s.EscalationTargets, userID)
}

// QuorumSize is the number of identities quorum is counted against: the
// pinned approvers plus escalation targets that were not already pinned.
func (s *StageState) QuorumSize() int {
	n := len(s.Approvers)
	for _, u := range s.EscalationTargets {
		if !s.IsPinned(u) {
			n++
		}
	}
	return n
}

// CanDecide reports whether userID may record a decision on this stage.
func (s *StageState) CanDecide(userID string) bool {
	return s.IsPinned(userID) || s.IsEscalationTarget(userID)
}

// ApprovalInstance is the execution record of one request moving through a
// snapshotted workflow definition.
type ApprovalInstance struct {
	ID             string             `json:"id"`
	RequestID      string             `json:"request_id"`
	RequestType    string             `json:"request_type"`
	Amount         int64              `json:"amount"`
	SubmittedBy    string             `json:"submitted_by,omitempty"`
	DefinitionID   string             `json:"definition_id"`
	Definition     WorkflowDefinition `json:"definition"`
	CurrentStage   int                `json:"current_stage"`
	Status         InstanceStatus     `json:"status"`
	Stages         []StageState       `json:"stages"`
	RejectingStage *int               `json:"rejecting_stage,omitempty"`
	CancelReason   *string            `json:"cancel_reason,omitempty"`
	Version        int64              `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// CurrentStageState returns the runtime state of the current stage.
func (i *ApprovalInstance) CurrentStageState() *StageState {
	for idx := len(i.Stages) - 1; idx >= 0; idx-- {
		if i.Stages[idx].StageNumber == i.CurrentStage {
			return &i.Stages[idx]
		}
	}
	return nil
}

// CurrentTemplate returns the snapshotted template of the current stage.
func (i *ApprovalInstance) CurrentTemplate() *StageTemplate {
	stage, ok := i.Definition.Stage(i.CurrentStage)
	if !ok {
		return nil
	}
	return stage
}

// IsLastStage reports whether the current stage is the final one.
func (i *ApprovalInstance) IsLastStage() bool {
	return i.CurrentStage >= len(i.Definition.Stages)
}

// Clone returns a deep copy so stored instances are never aliased.
func (i *ApprovalInstance) Clone() *ApprovalInstance {
	if i == nil {
		return nil
	}
	out := *i
	out.Definition = *i.Definition.Clone()
	out.Stages = make([]StageState, len(i.Stages))
	for idx, stage := range i.Stages {
		stage.Approvers = slices.Clone(stage.Approvers)
		stage.EscalationTargets = slices.Clone(stage.EscalationTargets)
		stage.CompletedAt = clonePtr(stage.CompletedAt)
		out.Stages[idx] = stage
	}
	out.RejectingStage = clonePtr(i.RejectingStage)
	out.CancelReason = clonePtr(i.CancelReason)
	out.CompletedAt = clonePtr(i.CompletedAt)
	return &out
}

// StageDecisionRecord is one approver's decision on one stage. At most one
// exists per (instance, stage, approver).
type StageDecisionRecord struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	StageNumber  int       `json:"stage_number"`
	ApproverID   string    `json:"approver_id"`
	Decision     Decision  `json:"decision"`
	Comments     string    `json:"comments,omitempty"`
	ByEscalation bool      `json:"by_escalation"`
	DecidedAt    time.Time `json:"decided_at"`
}

// DecisionKey identifies the uniqueness scope of a decision.
func (r *StageDecisionRecord) DecisionKey() string {
	return fmt.Sprintf("%s/%d/%s", r.InstanceID, r.StageNumber, r.ApproverID)
}

// EscalationEvent records that a stage was escalated. At most one exists per
// (instance, stage).
type EscalationEvent struct {
	ID               string    `json:"id"`
	InstanceID       string    `json:"instance_id"`
	StageNumber      int       `json:"stage_number"`
	OriginalApprover string    `json:"original_approver"`
	EscalateTo       string    `json:"escalate_to"`
	FiredAt          time.Time `json:"fired_at"`
}

// ── Audit ────────────────────────────────────────────────────────────────────

// Audit actions.
const (
	AuditSubmitted     = "submitted"
	AuditDecided       = "decided"
	AuditStageAdvanced = "stage_advanced"
	AuditEscalated     = "escalated"
	AuditApproved      = "approved"
	AuditRejected      = "rejected"
	AuditCancelled     = "cancelled"
	AuditBlocked       = "blocked"
)

// ApprovalAuditEntry is one immutable record in the audit log.
type ApprovalAuditEntry struct {
	ID           string                 `json:"id"`
	InstanceID   string                 `json:"instance_id"`
	RequestID    string                 `json:"request_id"`
	StageNumber  *int                   `json:"stage_number,omitempty"`
	Action       string                 `json:"action"`
	PerformedBy  string                 `json:"performed_by"`
	PerformedAt  time.Time              `json:"performed_at"`
	StatusBefore *string                `json:"status_before,omitempty"`
	StatusAfter  *string                `json:"status_after,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
