package service

import "github.com/pesio-ai/be-proc-approvals/internal/repository"

// StageEvaluation is the quorum verdict for one stage.
type StageEvaluation struct {
	Outcome    repository.StageOutcome `json:"outcome"`
	Approvals  int                     `json:"approvals"`
	Rejections int                     `json:"rejections"`
	// PinnedSize is the quorum denominator, escalation targets included.
	PinnedSize int `json:"pinned_size"`
}

// EvaluateStage applies the quorum rule to the decisions recorded for stage,
// in the order they were recorded. The first decision that settles the stage
// wins and later decisions cannot change it.
//
// An escalation target joins the pinned set: its decision counts like any
// other member's and the denominator grows by one. Decisions from anyone else
// are ignored. A stage with nobody able to decide is BLOCKED.
func EvaluateStage(
	approvalType repository.ApprovalType,
	stage *repository.StageState,
	decisions []*repository.StageDecisionRecord,
) StageEvaluation {
	eval := StageEvaluation{Outcome: repository.OutcomePending, PinnedSize: stage.QuorumSize()}

	for _, d := range decisions {
		if d.StageNumber != stage.StageNumber || !stage.CanDecide(d.ApproverID) {
			continue
		}
		if d.Decision == repository.DecisionApproved {
			eval.Approvals++
		} else {
			eval.Rejections++
		}
		if eval.Outcome = quorum(approvalType, eval); eval.Outcome != repository.OutcomePending {
			return eval
		}
	}

	if eval.PinnedSize == 0 {
		eval.Outcome = repository.OutcomeBlocked
	}
	return eval
}

func quorum(approvalType repository.ApprovalType, eval StageEvaluation) repository.StageOutcome {
	n := eval.PinnedSize
	switch approvalType {
	case repository.ApprovalSingle:
		if eval.Rejections > 0 {
			return repository.OutcomeRejected
		}
		if eval.Approvals > 0 {
			return repository.OutcomeSatisfied
		}
	case repository.ApprovalAll:
		if eval.Rejections > 0 {
			return repository.OutcomeRejected
		}
		if n > 0 && eval.Approvals == n {
			return repository.OutcomeSatisfied
		}
	case repository.ApprovalMajority:
		if 2*eval.Approvals > n {
			return repository.OutcomeSatisfied
		}
		if 2*eval.Rejections > n {
			return repository.OutcomeRejected
		}
	}
	return repository.OutcomePending
}
