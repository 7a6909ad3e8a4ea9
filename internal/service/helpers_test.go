package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-proc-approvals/internal/logger"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
	"github.com/pesio-ai/be-proc-approvals/internal/repository/memory"
)

// testDirectory is a mutable role directory.
type testDirectory struct {
	mu       sync.Mutex
	roles    map[string][]string
	inactive map[string]bool
}

func newTestDirectory(roles map[string][]string) *testDirectory {
	return &testDirectory{roles: roles, inactive: map[string]bool{}}
}

func (d *testDirectory) RoleHolders(_ context.Context, role string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, u := range d.roles[role] {
		if !d.inactive[u] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *testDirectory) IsActive(_ context.Context, userID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.inactive[userID], nil
}

func (d *testDirectory) setRole(role string, users ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[role] = users
}

func (d *testDirectory) deactivate(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inactive[userID] = true
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

type harness struct {
	store     *memory.Store
	dir       *testDirectory
	clock     *testClock
	events    *recordingPublisher
	engine    *ApprovalEngine
	scheduler *EscalationScheduler
	catalog   *CatalogService
}

func newHarness(t *testing.T, roles map[string][]string) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		dir:    newTestDirectory(roles),
		clock:  &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		events: &recordingPublisher{},
	}
	h.engine = NewApprovalEngine(h.store, h.dir, logger.Nop(),
		WithClock(h.clock.Now),
		WithPublisher(h.events),
		WithIDGenerator(sequentialIDs("id")),
	)
	h.scheduler = NewEscalationScheduler(h.engine, time.Minute, logger.Nop())
	h.catalog = NewCatalogService(h.store, logger.Nop())
	h.catalog.now = h.clock.Now
	return h
}

func (h *harness) publish(t *testing.T, def *repository.WorkflowDefinition) *repository.WorkflowDefinition {
	t.Helper()
	out, err := h.catalog.Publish(context.Background(), def)
	require.NoError(t, err)
	return out
}

func (h *harness) submit(t *testing.T, requestID, requestType string, amount int64) *repository.ApprovalInstance {
	t.Helper()
	res, err := h.engine.Submit(context.Background(), SubmitRequest{
		RequestID:   requestID,
		RequestType: requestType,
		Amount:      amount,
		SubmittedBy: "requester",
	})
	require.NoError(t, err)
	return res.Instance
}

func (h *harness) decide(instanceID, approverID string, decision repository.Decision) (*StageUpdateResult, error) {
	return h.engine.Decide(context.Background(), DecideRequest{
		InstanceID: instanceID,
		ApproverID: approverID,
		Decision:   decision,
	})
}

func int64p(v int64) *int64 { return &v }

// standardDefinition has DEPARTMENT_HEAD then CFO, both SINGLE, for stock
// replenishment up to 5000.
func standardDefinition() *repository.WorkflowDefinition {
	return &repository.WorkflowDefinition{
		ID:   "wf-standard",
		Name: "Standard",
		Applicability: repository.Applicability{
			RequestType: "STOCK_REPLENISHMENT",
			MinAmount:   int64p(0),
			MaxAmount:   int64p(5000),
		},
		Stages: []repository.StageTemplate{
			{StageNumber: 1, Name: "Department head", Approver: repository.RoleApprover("DEPARTMENT_HEAD"), ApprovalType: repository.ApprovalSingle},
			{StageNumber: 2, Name: "Finance", Approver: repository.RoleApprover("CFO"), ApprovalType: repository.ApprovalSingle},
		},
	}
}

// singleStageDefinition routes requestType to one stage held by role.
func singleStageDefinition(id, requestType, role string, approvalType repository.ApprovalType, esc *repository.EscalationRule) *repository.WorkflowDefinition {
	return &repository.WorkflowDefinition{
		ID:            id,
		Name:          id,
		Applicability: repository.Applicability{RequestType: requestType},
		Stages: []repository.StageTemplate{
			{StageNumber: 1, Name: "Review", Approver: repository.RoleApprover(role), ApprovalType: approvalType, Escalation: esc},
		},
	}
}
