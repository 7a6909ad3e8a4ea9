package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/logger"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
)

// CatalogService publishes and retires workflow definitions. Published
// definitions are immutable; Revise publishes an edited copy as a new version
// so instances already running keep the snapshot they started with.
type CatalogService struct {
	store repository.Store
	now   func() time.Time
	newID func() string
	log   *logger.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(store repository.Store, log *logger.Logger) *CatalogService {
	return &CatalogService{store: store, now: time.Now, newID: uuid.NewString, log: log}
}

// Publish validates def and stores it as an active definition. An empty ID is
// assigned; Version defaults to 1.
func (s *CatalogService) Publish(ctx context.Context, def *repository.WorkflowDefinition) (*repository.WorkflowDefinition, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	out := def.Clone()
	if out.ID == "" {
		out.ID = s.newID()
	}
	if out.Version == 0 {
		out.Version = 1
	}
	out.IsActive = true
	out.CreatedAt = s.now().UTC()

	if err := s.store.Definitions().Create(ctx, out); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("definition_id", out.ID).
		Str("name", out.Name).
		Int("version", out.Version).
		Int("stages", len(out.Stages)).
		Msg("Workflow definition published")
	return out, nil
}

// Revise publishes def as the next version of definition id and deactivates
// id, atomically.
func (s *CatalogService) Revise(ctx context.Context, id string, def *repository.WorkflowDefinition) (*repository.WorkflowDefinition, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	var out *repository.WorkflowDefinition
	err := s.store.Atomic(ctx, func(ctx context.Context, tx repository.Repositories) error {
		prev, err := tx.Definitions().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !prev.IsActive {
			return errors.Newf(errors.ErrCodeConflict,
				"workflow definition %s is inactive and cannot be revised", id)
		}

		out = def.Clone()
		out.ID = s.newID()
		out.Version = prev.Version + 1
		out.PreviousVersionID = &prev.ID
		out.IsActive = true
		out.CreatedAt = s.now().UTC()

		if err := tx.Definitions().Create(ctx, out); err != nil {
			return err
		}
		return tx.Definitions().SetActive(ctx, prev.ID, false)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("definition_id", out.ID).
		Str("previous_version_id", id).
		Int("version", out.Version).
		Msg("Workflow definition revised")
	return out, nil
}

// Deactivate removes a definition from selection. Running instances are not
// affected.
func (s *CatalogService) Deactivate(ctx context.Context, id string) error {
	if err := s.store.Definitions().SetActive(ctx, id, false); err != nil {
		return err
	}
	s.log.Info().Str("definition_id", id).Msg("Workflow definition deactivated")
	return nil
}

// Get returns a definition by id.
func (s *CatalogService) Get(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	return s.store.Definitions().GetByID(ctx, id)
}

// List returns definitions ordered by creation time.
func (s *CatalogService) List(ctx context.Context, activeOnly bool) ([]*repository.WorkflowDefinition, error) {
	return s.store.Definitions().List(ctx, activeOnly)
}

// catalogSeed is the layout of the YAML seed file.
type catalogSeed struct {
	Workflows []*repository.WorkflowDefinition `yaml:"workflows"`
}

// LoadSeedFile publishes the definitions listed in a YAML file. Definitions
// whose id already exists are skipped, so loading is repeatable. It returns
// how many definitions were published.
func (s *CatalogService) LoadSeedFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog seed: %w", err)
	}
	return s.LoadSeed(ctx, data)
}

// LoadSeed is LoadSeedFile on an in-memory document.
func (s *CatalogService) LoadSeed(ctx context.Context, data []byte) (int, error) {
	var seed catalogSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid catalog seed")
	}

	published := 0
	for i, def := range seed.Workflows {
		if def == nil {
			continue
		}
		if def.ID != "" {
			_, err := s.store.Definitions().GetByID(ctx, def.ID)
			if err == nil {
				s.log.Debug().Str("definition_id", def.ID).Msg("Seed definition already present")
				continue
			}
			if !errors.Is(err, errors.ErrNotFound) {
				return published, err
			}
		}
		if _, err := s.Publish(ctx, def); err != nil {
			return published, fmt.Errorf("seed workflow %d (%s): %w", i, def.Name, err)
		}
		published++
	}
	return published, nil
}

// ValidateDefinition checks the structural rules of a workflow definition:
// stages numbered 1..n without gaps, exactly one approver kind per stage, a
// known quorum rule, and complete escalation rules.
func ValidateDefinition(def *repository.WorkflowDefinition) error {
	if def == nil {
		return errors.InvalidInput("definition", "is required")
	}

	var problems []string
	if strings.TrimSpace(def.Name) == "" {
		problems = append(problems, "name is required")
	}

	app := def.Applicability
	if app.MinAmount != nil && *app.MinAmount < 0 {
		problems = append(problems, "min_amount must not be negative")
	}
	if app.MinAmount != nil && app.MaxAmount != nil && *app.MinAmount > *app.MaxAmount {
		problems = append(problems, "min_amount must not exceed max_amount")
	}

	if len(def.Stages) == 0 {
		problems = append(problems, "at least one stage is required")
	}
	for i, stage := range def.Stages {
		prefix := fmt.Sprintf("stage %d", i+1)
		if stage.StageNumber != i+1 {
			problems = append(problems, fmt.Sprintf("%s: stage_number is %d, stages must be numbered 1..n in order", prefix, stage.StageNumber))
		}
		if stage.Approver.Kind() == "" {
			problems = append(problems, prefix+": approver must set exactly one of role or user_id")
		}
		if !stage.ApprovalType.Valid() {
			problems = append(problems, fmt.Sprintf("%s: unknown approval_type %q", prefix, stage.ApprovalType))
		}
		if esc := stage.Escalation; esc != nil {
			if esc.AfterHours <= 0 {
				problems = append(problems, prefix+": escalation after_hours must be positive")
			}
			if esc.EscalateTo == "" {
				problems = append(problems, prefix+": escalation escalate_to is required")
			}
		}
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrCodeInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
