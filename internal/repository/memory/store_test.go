package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
)

func newInstance(id string, created time.Time) *repository.ApprovalInstance {
	return &repository.ApprovalInstance{
		ID:           id,
		RequestID:    "req-" + id,
		RequestType:  "STOCK_REPLENISHMENT",
		Amount:       1200,
		DefinitionID: "def-1",
		CurrentStage: 1,
		Status:       repository.StatusInProgress,
		Stages: []repository.StageState{{
			StageNumber: 1,
			EnteredAt:   created,
			Approvers:   []string{"u1"},
			Outcome:     repository.OutcomePending,
		}},
		Version:   1,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestInstanceIsolation(t *testing.T) {
	ctx := context.Background()
	store := New()
	inst := newInstance("i-1", time.Now())
	require.NoError(t, store.Instances().Create(ctx, inst))

	// mutate caller copy, stored copy must not change
	inst.Stages[0].Approvers[0] = "intruder"

	loaded, err := store.Instances().GetByID(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, loaded.Stages[0].Approvers)

	loaded.Stages[0].EscalationTargets = append(loaded.Stages[0].EscalationTargets, "u9")
	again, err := store.Instances().GetByID(ctx, "i-1")
	require.NoError(t, err)
	assert.Empty(t, again.Stages[0].EscalationTargets)
}

func TestInstanceOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.Instances().Create(ctx, newInstance("i-1", time.Now())))

	first, _ := store.Instances().GetByID(ctx, "i-1")
	second, _ := store.Instances().GetByID(ctx, "i-1")

	first.CurrentStage = 2
	require.NoError(t, store.Instances().Update(ctx, first))
	assert.EqualValues(t, 2, first.Version)

	second.Status = repository.StatusCancelled
	err := store.Instances().Update(ctx, second)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestListOpenOrdering(t *testing.T) {
	ctx := context.Background()
	store := New()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.Instances().Create(ctx, newInstance("b", base.Add(time.Hour))))
	require.NoError(t, store.Instances().Create(ctx, newInstance("a", base)))
	done := newInstance("c", base)
	done.Status = repository.StatusApproved
	require.NoError(t, store.Instances().Create(ctx, done))

	open, err := store.Instances().ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.Equal(t, "b", open[1].ID)
}

func TestDecisionUniqueness(t *testing.T) {
	ctx := context.Background()
	store := New()
	rec := &repository.StageDecisionRecord{
		ID:          "d-1",
		InstanceID:  "i-1",
		StageNumber: 1,
		ApproverID:  "u1",
		Decision:    repository.DecisionApproved,
		DecidedAt:   time.Now(),
	}
	require.NoError(t, store.Decisions().Append(ctx, rec))

	dup := *rec
	dup.ID = "d-2"
	dup.Decision = repository.DecisionRejected
	err := store.Decisions().Append(ctx, &dup)
	assert.True(t, errors.Is(err, errors.ErrDuplicateDecision))

	other := *rec
	other.ID = "d-3"
	other.StageNumber = 2
	require.NoError(t, store.Decisions().Append(ctx, &other))

	stage1, err := store.Decisions().ListByStage(ctx, "i-1", 1)
	require.NoError(t, err)
	require.Len(t, stage1, 1)
	assert.Equal(t, repository.DecisionApproved, stage1[0].Decision)
}

func TestEscalationRecordOnce(t *testing.T) {
	ctx := context.Background()
	store := New()
	ev := &repository.EscalationEvent{ID: "e-1", InstanceID: "i-1", StageNumber: 1, EscalateTo: "u9"}

	inserted, err := store.Escalations().RecordOnce(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	again := *ev
	again.ID = "e-2"
	inserted, err = store.Escalations().RecordOnce(ctx, &again)
	require.NoError(t, err)
	assert.False(t, inserted)

	events, _ := store.Escalations().ListByInstance(ctx, "i-1")
	assert.Len(t, events, 1)
}

func TestAtomicRollback(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.Instances().Create(ctx, newInstance("i-1", time.Now())))

	boom := stderrors.New("boom")
	err := store.Atomic(ctx, func(ctx context.Context, tx repository.Repositories) error {
		require.NoError(t, tx.Decisions().Append(ctx, &repository.StageDecisionRecord{
			ID: "d-1", InstanceID: "i-1", StageNumber: 1, ApproverID: "u1", Decision: repository.DecisionApproved,
		}))
		inst, err := tx.Instances().GetByID(ctx, "i-1")
		require.NoError(t, err)
		inst.Status = repository.StatusApproved
		require.NoError(t, tx.Instances().Update(ctx, inst))
		_, err = tx.Escalations().RecordOnce(ctx, &repository.EscalationEvent{ID: "e-1", InstanceID: "i-1", StageNumber: 1})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	inst, err := store.Instances().GetByID(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusInProgress, inst.Status)
	assert.EqualValues(t, 1, inst.Version)
	decisions, _ := store.Decisions().ListByInstance(ctx, "i-1")
	assert.Empty(t, decisions)
	escalations, _ := store.Escalations().ListByInstance(ctx, "i-1")
	assert.Empty(t, escalations)
}

func TestDefinitionSetActive(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.Definitions().Create(ctx, &repository.WorkflowDefinition{
		ID: "def-1", Name: "Standard", IsActive: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.Definitions().SetActive(ctx, "def-1", false))

	active, err := store.Definitions().List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.Definitions().List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = store.Definitions().SetActive(ctx, "missing", true)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
