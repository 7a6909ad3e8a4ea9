package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/logger"
	"github.com/pesio-ai/be-proc-approvals/internal/metrics"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
	"github.com/pesio-ai/be-proc-approvals/internal/tracing"
)

// DefaultTickInterval is used when the scheduler is built with a zero interval.
const DefaultTickInterval = time.Minute

// EscalationScheduler periodically widens the approver set of stalled stages.
// A single goroutine walks the open instances; it never waits on an instance
// that is busy and picks it up again on the next tick.
type EscalationScheduler struct {
	engine   *ApprovalEngine
	interval time.Duration
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewEscalationScheduler creates a scheduler driving engine.
func NewEscalationScheduler(engine *ApprovalEngine, interval time.Duration, log *logger.Logger) *EscalationScheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &EscalationScheduler{
		engine:   engine,
		interval: interval,
		metrics:  engine.metrics,
		log:      log,
	}
}

// TickReport summarises one pass over the open instances.
type TickReport struct {
	Open      int `json:"open"`
	Fired     int `json:"fired"`
	Blocked   int `json:"blocked"`
	Busy      int `json:"busy"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
}

// Run ticks until ctx is cancelled.
func (s *EscalationScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("Escalation scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Escalation scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("Escalation tick failed")
			}
		}
	}
}

// Tick escalates every open instance whose current stage is overdue. Errors on
// single instances are logged and counted; only failing to list the open
// instances fails the tick.
func (s *EscalationScheduler) Tick(ctx context.Context) (report TickReport, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.escalation_tick")
	defer func() { tracing.EndSpan(span, err) }()

	started := time.Now()
	open, err := s.engine.store.Instances().ListOpen(ctx)
	if err != nil {
		return report, err
	}
	report.Open = len(open)

	now := s.engine.now().UTC()
	for _, inst := range open {
		if ctx.Err() != nil {
			break
		}
		if !escalationDue(inst, now) {
			continue
		}

		result, err := s.engine.escalate(ctx, inst.ID)
		if err != nil {
			report.Failed++
			s.metrics.Escalation("failed")
			s.log.Error().Err(err).Str("instance_id", inst.ID).Msg("Escalation failed")
			continue
		}
		s.metrics.Escalation(string(result))
		switch result {
		case escalationFired:
			report.Fired++
		case escalationBlocked:
			report.Blocked++
		case escalationBusy:
			report.Busy++
		case escalationDuplicate:
			report.Duplicate++
		}
	}

	s.metrics.Tick(len(open), time.Since(started))
	if report.Fired > 0 || report.Blocked > 0 || report.Failed > 0 {
		s.log.Info().
			Int("open", report.Open).
			Int("fired", report.Fired).
			Int("blocked", report.Blocked).
			Int("busy", report.Busy).
			Int("failed", report.Failed).
			Msg("Escalation tick completed")
	}
	return report, nil
}

type escalationResult string

const (
	escalationFired     escalationResult = "fired"
	escalationBlocked   escalationResult = "blocked"
	escalationBusy      escalationResult = "busy"
	escalationDuplicate escalationResult = "duplicate"
	escalationSkipped   escalationResult = "skipped"
)

// escalationDue reports whether the current stage of inst should escalate at
// now. Blocked stages are due at once; others once open longer than the
// configured threshold.
func escalationDue(inst *repository.ApprovalInstance, now time.Time) bool {
	if inst.Status != repository.StatusInProgress {
		return false
	}
	stage := inst.CurrentStageState()
	tmpl := inst.CurrentTemplate()
	if stage == nil || tmpl == nil || tmpl.Escalation == nil {
		return false
	}
	if stage.Escalated || stage.EscalationBlocked {
		return false
	}
	return stage.Blocked || now.Sub(stage.EnteredAt) > tmpl.Escalation.Threshold()
}

// escalate fires the escalation of one instance if it is still due once its
// lock is held. A locked instance is skipped rather than waited on.
func (e *ApprovalEngine) escalate(ctx context.Context, instanceID string) (escalationResult, error) {
	unlock, ok := e.locks.TryLock(instanceID)
	if !ok {
		return escalationBusy, nil
	}
	defer unlock()
	result, events, err := e.escalateLocked(ctx, instanceID)
	if err != nil {
		return "", err
	}

	e.publish(ctx, events...)
	return result, nil
}

func (e *ApprovalEngine) escalateLocked(ctx context.Context, instanceID string) (escalationResult, []Event, error) {
	inst, err := e.store.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return "", nil, err
	}

	// Decided, advanced or cancelled since the tick started.
	now := e.now().UTC()
	if !escalationDue(inst, now) {
		return escalationSkipped, nil, nil
	}

	stage := inst.CurrentStageState()
	tmpl := inst.CurrentTemplate()
	rule := tmpl.Escalation

	active, err := e.directory.IsActive(ctx, rule.EscalateTo)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check escalation target status")
	}
	if !active {
		return e.blockEscalation(ctx, inst, stage, rule, now)
	}

	ev := &repository.EscalationEvent{
		ID:               e.newID(),
		InstanceID:       inst.ID,
		StageNumber:      stage.StageNumber,
		OriginalApprover: tmpl.Approver.String(),
		EscalateTo:       rule.EscalateTo,
		FiredAt:          now,
	}

	fired := false
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Repositories) error {
		inserted, err := tx.Escalations().RecordOnce(ctx, ev)
		if err != nil || !inserted {
			return err
		}
		fired = true
		if !stage.CanDecide(rule.EscalateTo) {
			stage.EscalationTargets = append(stage.EscalationTargets, rule.EscalateTo)
		}
		stage.Escalated = true
		inst.UpdatedAt = now
		return tx.Instances().Update(ctx, inst)
	})
	if err != nil {
		return "", nil, err
	}
	if !fired {
		return escalationDuplicate, nil, nil
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Int("stage", stage.StageNumber).
		Str("original_approver", ev.OriginalApprover).
		Str("escalate_to", ev.EscalateTo).
		Dur("open_for", now.Sub(stage.EnteredAt)).
		Msg("Stage escalated")
	e.appendAudit(ctx, inst, stage.StageNumber, repository.AuditEscalated, "system", inst.Status,
		map[string]interface{}{
			"escalation_id":     ev.ID,
			"original_approver": ev.OriginalApprover,
			"escalate_to":       ev.EscalateTo,
			"after_hours":       rule.AfterHours,
		})

	out := e.newEvent(EventEscalated, inst, now, []string{rule.EscalateTo})
	out.Stage = stage.StageNumber
	out.EscalateTo = rule.EscalateTo
	return escalationFired, []Event{out}, nil
}

// blockEscalation marks the escalation of stage as impossible because its
// target is inactive. No escalation is recorded and the stage is not retried.
func (e *ApprovalEngine) blockEscalation(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	stage *repository.StageState,
	rule *repository.EscalationRule,
	now time.Time,
) (escalationResult, []Event, error) {
	stage.EscalationBlocked = true
	stage.BlockedReason = "escalation target " + rule.EscalateTo + " is inactive"
	inst.UpdatedAt = now

	err := e.store.Atomic(ctx, func(ctx context.Context, tx repository.Repositories) error {
		return tx.Instances().Update(ctx, inst)
	})
	if err != nil {
		return "", nil, err
	}
	return escalationBlocked, []Event{e.stageBlocked(ctx, inst, stage, now)}, nil
}
