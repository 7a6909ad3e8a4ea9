package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/logger"
	"github.com/pesio-ai/be-proc-approvals/internal/metrics"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
	"github.com/pesio-ai/be-proc-approvals/internal/repository/memory"
)

func TestWorkflowSelector(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	def := func(id, reqType string, min, max *int64, created time.Time) *repository.WorkflowDefinition {
		return &repository.WorkflowDefinition{
			ID:            id,
			Name:          id,
			IsActive:      true,
			Applicability: repository.Applicability{RequestType: reqType, MinAmount: min, MaxAmount: max},
			Stages: []repository.StageTemplate{
				{StageNumber: 1, Approver: repository.UserApprover("u1"), ApprovalType: repository.ApprovalSingle},
			},
			CreatedAt: created,
		}
	}

	type testCase struct {
		name        string
		defs        []*repository.WorkflowDefinition
		requestType string
		amount      int64
		want        string
		candidates  int
		wantErr     error
	}

	cases := []testCase{
		{
			name:        "explicit type beats any type",
			defs:        []*repository.WorkflowDefinition{def("any", "", int64p(0), int64p(100), base.Add(time.Hour)), def("typed", "PO", nil, nil, base)},
			requestType: "PO", amount: 50, want: "typed", candidates: 2,
		},
		{
			name:        "narrower window wins",
			defs:        []*repository.WorkflowDefinition{def("wide", "PO", int64p(0), int64p(10000), base.Add(time.Hour)), def("narrow", "PO", int64p(0), int64p(1000), base)},
			requestType: "PO", amount: 500, want: "narrow", candidates: 2,
		},
		{
			name:        "bounded window beats open window",
			defs:        []*repository.WorkflowDefinition{def("open", "PO", int64p(0), nil, base.Add(time.Hour)), def("bounded", "PO", int64p(0), int64p(1000000), base)},
			requestType: "PO", amount: 500, want: "bounded", candidates: 2,
		},
		{
			name:        "newest wins on equal width",
			defs:        []*repository.WorkflowDefinition{def("old", "PO", int64p(0), int64p(100), base), def("new", "PO", int64p(100), int64p(200), base.Add(time.Hour))},
			requestType: "PO", amount: 100, want: "new", candidates: 2,
		},
		{
			name:        "smallest id on exact tie",
			defs:        []*repository.WorkflowDefinition{def("b", "PO", nil, nil, base), def("a", "PO", nil, nil, base)},
			requestType: "PO", amount: 1, want: "a", candidates: 2,
		},
		{
			name:        "bounds are inclusive",
			defs:        []*repository.WorkflowDefinition{def("only", "PO", int64p(100), int64p(200), base)},
			requestType: "PO", amount: 200, want: "only", candidates: 1,
		},
		{
			name:        "no match",
			defs:        []*repository.WorkflowDefinition{def("other", "INVOICE", nil, nil, base), def("small", "PO", nil, int64p(10), base)},
			requestType: "PO", amount: 11, wantErr: errors.ErrNoApplicableWorkflow,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			for _, d := range tc.defs {
				require.NoError(t, store.Definitions().Create(ctx, d))
			}
			sel := NewWorkflowSelector(store.Definitions(), nil, logger.Nop())

			got, err := sel.Select(ctx, tc.requestType, tc.amount)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Definition.ID)
			assert.Len(t, got.Candidates, tc.candidates)

			// repeated calls are deterministic
			for i := 0; i < 5; i++ {
				again, err := sel.Select(ctx, tc.requestType, tc.amount)
				require.NoError(t, err)
				assert.Equal(t, got.Definition.ID, again.Definition.ID)
			}
		})
	}
}

func TestWorkflowSelectorSkipsInactive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Definitions().Create(ctx, &repository.WorkflowDefinition{
		ID: "retired", Name: "retired", IsActive: false,
		Stages: []repository.StageTemplate{{StageNumber: 1, Approver: repository.UserApprover("u1"), ApprovalType: repository.ApprovalSingle}},
	}))

	sel := NewWorkflowSelector(store.Definitions(), metrics.New(prometheus.NewRegistry()), logger.Nop())
	_, err := sel.Select(ctx, "PO", 1)
	assert.True(t, errors.Is(err, errors.ErrNoApplicableWorkflow))
}
