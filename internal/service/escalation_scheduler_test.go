package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
)

func escalatingDefinition(approvalType repository.ApprovalType) *repository.WorkflowDefinition {
	return singleStageDefinition("escalating", "PO", "R", approvalType,
		&repository.EscalationRule{AfterHours: 24, EscalateTo: "U9"})
}

func TestEscalationScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{"R": {"A", "B", "C"}})
	h.publish(t, escalatingDefinition(repository.ApprovalAll))
	inst := h.submit(t, "REQ-1", "PO", 1)

	h.clock.Advance(25 * time.Hour)
	report, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Open)
	assert.Equal(t, 1, report.Fired)

	escalated := h.events.ofType(EventEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, inst.ID, escalated[0].InstanceID)
	assert.Equal(t, 1, escalated[0].Stage)
	assert.Equal(t, "U9", escalated[0].EscalateTo)

	got, err := h.engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	stage := got.CurrentStageState()
	assert.Equal(t, []string{"A", "B", "C"}, stage.Approvers, "escalation widens, never replaces")
	assert.Equal(t, []string{"U9"}, stage.EscalationTargets)
	assert.True(t, stage.Escalated)

	records, err := h.engine.ListEscalations(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "role:R", records[0].OriginalApprover)

	// U9 joins the quorum: ALL now needs four approvals.
	res, err := h.decide(inst.ID, "U9", repository.DecisionApproved)
	require.NoError(t, err)
	assert.True(t, res.Decision.ByEscalation)
	assert.Equal(t, 4, res.Evaluation.PinnedSize)
	assert.Equal(t, 1, res.Evaluation.Approvals)
	assert.Equal(t, repository.OutcomePending, res.Evaluation.Outcome)
	assert.Equal(t, repository.StatusInProgress, res.Instance.Status)

	for _, approver := range []string{"A", "B"} {
		res, err = h.decide(inst.ID, approver, repository.DecisionApproved)
		require.NoError(t, err)
		assert.Equal(t, repository.StatusInProgress, res.Instance.Status)
	}
	res, err = h.decide(inst.ID, "C", repository.DecisionApproved)
	require.NoError(t, err)
	assert.False(t, res.Decision.ByEscalation)
	assert.Equal(t, 4, res.Evaluation.Approvals)
	assert.Equal(t, repository.StatusApproved, res.Instance.Status)
}

func TestEscalationOfSingleHolderStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{"R": {"A"}})
	h.publish(t, escalatingDefinition(repository.ApprovalSingle))
	inst := h.submit(t, "REQ-1", "PO", 1)

	h.clock.Advance(25 * time.Hour)
	report, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	records, err := h.engine.ListEscalations(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	res, err := h.decide(inst.ID, "U9", repository.DecisionApproved)
	require.NoError(t, err)
	assert.True(t, res.Decision.ByEscalation)
	assert.Equal(t, 2, res.Evaluation.PinnedSize)
	assert.Equal(t, 1, res.Evaluation.Approvals)
	assert.Equal(t, repository.StatusApproved, res.Instance.Status)

	decisions, err := h.engine.ListDecisions(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "U9", decisions[0].ApproverID)
}

func TestEscalationTargetRejectionUnderMajority(t *testing.T) {
	h := newHarness(t, map[string][]string{"R": {"A", "B", "C"}})
	h.publish(t, escalatingDefinition(repository.ApprovalMajority))
	inst := h.submit(t, "REQ-1", "PO", 1)

	h.clock.Advance(25 * time.Hour)
	_, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)

	res, err := h.decide(inst.ID, "U9", repository.DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusInProgress, res.Instance.Status, "one of four rejections is no majority")

	_, err = h.decide(inst.ID, "A", repository.DecisionRejected)
	require.NoError(t, err)
	res, err = h.decide(inst.ID, "B", repository.DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, res.Instance.Status)
	assert.Empty(t, h.events.ofType(EventInstanceApproved))
}

func TestEscalationKeepsExistingDecisions(t *testing.T) {
	h := newHarness(t, map[string][]string{"R": {"A", "B", "C"}})
	h.publish(t, escalatingDefinition(repository.ApprovalMajority))
	inst := h.submit(t, "REQ-1", "PO", 1)

	_, err := h.decide(inst.ID, "A", repository.DecisionApproved)
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	_, err = h.scheduler.Tick(context.Background())
	require.NoError(t, err)

	res, err := h.decide(inst.ID, "B", repository.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evaluation.Approvals, "the decision before escalation still counts")
	assert.Equal(t, 4, res.Evaluation.PinnedSize)
	assert.Equal(t, repository.StatusInProgress, res.Instance.Status)

	res, err = h.decide(inst.ID, "U9", repository.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evaluation.Approvals)
	assert.Equal(t, repository.StatusApproved, res.Instance.Status)
}

func TestEscalationNotDue(t *testing.T) {
	h := newHarness(t, map[string][]string{"R": {"A"}})
	h.publish(t, escalatingDefinition(repository.ApprovalSingle))
	h.submit(t, "REQ-1", "PO", 1)

	for _, elapsed := range []time.Duration{time.Hour, 23 * time.Hour} {
		h.clock.Advance(elapsed)
		report, err := h.scheduler.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, report.Fired)
	}
	// exactly 24h is not yet past the threshold
	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Fired)
	assert.Empty(t, h.events.ofType(EventEscalated))
}

func TestEscalationIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{"R": {"A"}})
	h.publish(t, escalatingDefinition(repository.ApprovalSingle))
	inst := h.submit(t, "REQ-1", "PO", 1)
	h.clock.Advance(30 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.scheduler.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)

	assert.Len(t, h.events.ofType(EventEscalated), 1)
	records, err := h.engine.ListEscalations(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	got, _ := h.engine.GetInstance(ctx, inst.ID)
	assert.Equal(t, []string{"U9"}, got.CurrentStageState().EscalationTargets)
}

func TestEscalationRecordIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{"R": {"A"}})
	h.publish(t, escalatingDefinition(repository.ApprovalSingle))
	inst := h.submit(t, "REQ-1", "PO", 1)

	// another replica already fired this stage
	inserted, err := h.store.Escalations().RecordOnce(ctx, &repository.EscalationEvent{
		ID: "elsewhere", InstanceID: inst.ID, StageNumber: 1, EscalateTo: "U9",
	})
	require.NoError(t, err)
	require.True(t, inserted)

	h.clock.Advance(25 * time.Hour)
	report, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicate)
	assert.Empty(t, h.events.ofType(EventEscalated))
}

func TestEscalationSuppressedAfterStageCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{"R": {"A"}})
	h.publish(t, escalatingDefinition(repository.ApprovalSingle))

	decided := h.submit(t, "REQ-1", "PO", 1)
	cancelled := h.submit(t, "REQ-2", "PO", 1)
	h.clock.Advance(25 * time.Hour)

	_, err := h.decide(decided.ID, "A", repository.DecisionApproved)
	require.NoError(t, err)
	_, err = h.engine.Cancel(ctx, CancelRequest{InstanceID: cancelled.ID, Reason: "withdrawn"})
	require.NoError(t, err)

	report, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Open)
	assert.Empty(t, h.events.ofType(EventEscalated))
}

func TestEscalationRechecksUnderLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{"R": {"A"}})
	h.publish(t, escalatingDefinition(repository.ApprovalSingle))
	inst := h.submit(t, "REQ-1", "PO", 1)
	h.clock.Advance(25 * time.Hour)

	// the decision lands after the tick listed the instance but before it
	// took the lock
	_, err := h.decide(inst.ID, "A", repository.DecisionApproved)
	require.NoError(t, err)

	result, err := h.engine.escalate(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, escalationSkipped, result)
	assert.Empty(t, h.events.ofType(EventEscalated))
}

func TestEscalationSkipsBusyInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{"R": {"A"}})
	h.publish(t, escalatingDefinition(repository.ApprovalSingle))
	inst := h.submit(t, "REQ-1", "PO", 1)
	h.clock.Advance(25 * time.Hour)

	unlock := h.engine.locks.Lock(inst.ID)
	report, err := h.scheduler.Tick(ctx)
	unlock()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Busy)
	assert.Zero(t, report.Fired)

	report, err = h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)
}

func TestEscalationToInactiveUserBlocks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{"R": {"A"}})
	h.dir.deactivate("U9")
	h.publish(t, escalatingDefinition(repository.ApprovalSingle))
	inst := h.submit(t, "REQ-1", "PO", 1)
	h.clock.Advance(25 * time.Hour)

	report, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked)

	report, err = h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Blocked, "blocked escalation is reported once")

	assert.Len(t, h.events.ofType(EventStageBlocked), 1)
	assert.Empty(t, h.events.ofType(EventEscalated))
	records, _ := h.engine.ListEscalations(ctx, inst.ID)
	assert.Empty(t, records)

	got, _ := h.engine.GetInstance(ctx, inst.ID)
	assert.True(t, got.CurrentStageState().EscalationBlocked)

	// the original approver can still decide
	_, err = h.decide(inst.ID, "A", repository.DecisionApproved)
	require.NoError(t, err)
}

func TestBlockedStageEscalatesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string][]string{})
	h.publish(t, escalatingDefinition(repository.ApprovalAll))
	inst := h.submit(t, "REQ-1", "PO", 1)
	require.True(t, inst.CurrentStageState().Blocked)

	_, err := h.decide(inst.ID, "U9", repository.DecisionApproved)
	assert.True(t, errors.Is(err, errors.ErrBlockedStage))

	report, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	res, err := h.decide(inst.ID, "U9", repository.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Instance.Status)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	s := NewEscalationScheduler(h.engine, 5*time.Millisecond, h.scheduler.log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
