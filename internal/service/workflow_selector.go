package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/logger"
	"github.com/pesio-ai/be-proc-approvals/internal/metrics"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
)

// Selection is the outcome of routing a request to a workflow definition.
type Selection struct {
	Definition *repository.WorkflowDefinition
	// Candidates lists every matching definition id in rank order. More than
	// one entry means the catalog has an overlap worth fixing.
	Candidates []string
}

// Ambiguous reports whether more than one definition matched.
func (s *Selection) Ambiguous() bool { return len(s.Candidates) > 1 }

// WorkflowSelector picks the applicable active definition for a request.
type WorkflowSelector struct {
	defs    repository.DefinitionRepository
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewWorkflowSelector creates a new WorkflowSelector.
func NewWorkflowSelector(defs repository.DefinitionRepository, m *metrics.Metrics, log *logger.Logger) *WorkflowSelector {
	return &WorkflowSelector{defs: defs, metrics: m, log: log}
}

// Select returns the best matching active definition for requestType and
// amount, or NO_APPLICABLE_WORKFLOW when none matches.
func (s *WorkflowSelector) Select(ctx context.Context, requestType string, amount int64) (*Selection, error) {
	active, err := s.defs.List(ctx, true)
	if err != nil {
		return nil, err
	}

	var matches []*repository.WorkflowDefinition
	for _, def := range active {
		if def.Applicability.Matches(requestType, amount) {
			matches = append(matches, def)
		}
	}
	if len(matches) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoApplicableWorkflow,
			"no active workflow applies to type %q amount %d", requestType, amount)
	}

	rankDefinitions(matches, requestType)

	sel := &Selection{Definition: matches[0], Candidates: make([]string, len(matches))}
	for i, def := range matches {
		sel.Candidates[i] = def.ID
	}

	if sel.Ambiguous() {
		s.metrics.AmbiguousMatch()
		s.log.Warn().
			Str("code", string(errors.ErrCodeAmbiguousWorkflowMatch)).
			Str("request_type", requestType).
			Int64("amount", amount).
			Strs("candidates", sel.Candidates).
			Str("selected", sel.Definition.ID).
			Msg("Multiple workflow definitions match, tie-break applied")
	}
	return sel, nil
}

// rankDefinitions orders matching definitions best first: an explicit type
// beats "any", a window bounded on both ends beats an open one and narrower
// beats wider, newer beats older, and the smaller id breaks exact ties.
func rankDefinitions(defs []*repository.WorkflowDefinition, requestType string) {
	sort.SliceStable(defs, func(i, j int) bool {
		a, b := defs[i], defs[j]

		aTyped := a.Applicability.RequestType == requestType
		bTyped := b.Applicability.RequestType == requestType
		if aTyped != bTyped {
			return aTyped
		}

		aWidth, aBounded := a.Applicability.Width()
		bWidth, bBounded := b.Applicability.Width()
		if aBounded != bBounded {
			return aBounded
		}
		if aBounded && aWidth != bWidth {
			return aWidth < bWidth
		}

		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
