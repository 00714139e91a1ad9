package definition

import (
	"context"
	"log/slog"

	"github.com/recordflow/recordflow/internal/store"
	"github.com/recordflow/recordflow/pkg/schema"
)

// DefaultWorkflowName identifies the bootstrap lifecycle workflow.
const DefaultWorkflowName = "Default Instance Workflow"

// Lifecycle state names of the default workflow.
const (
	StateDraft    = "DRAFT"
	StateActive   = "ACTIVE"
	StateInactive = "INACTIVE"
	StateArchived = "ARCHIVED"
	StateDeleted  = "DELETED"
)

type defaultTransition struct {
	from, to, name string
	comment        bool
}

// The ten fixed edges of the default lifecycle. Names come from the source
// system and are kept verbatim.
var defaultTransitions = []defaultTransition{
	{StateDraft, StateActive, "Ativar", false},
	{StateDraft, StateArchived, "Arquivar Rascunho", false},
	{StateDraft, StateDeleted, "Excluir Rascunho", false},
	{StateActive, StateInactive, "Desativar", false},
	{StateActive, StateArchived, "Arquivar", false},
	{StateActive, StateDeleted, "Excluir", true},
	{StateInactive, StateActive, "Reativar", false},
	{StateInactive, StateArchived, "Arquivar Inativo", false},
	{StateInactive, StateDeleted, "Excluir Inativo", true},
	{StateArchived, StateActive, "Restaurar", false},
}

// CreateDefaultInstanceWorkflow bootstraps the default record lifecycle:
// DRAFT -> ACTIVE -> {INACTIVE, ARCHIVED, DELETED}. Idempotent: when a
// definition with the default name already exists it is returned as-is and
// nothing is duplicated.
func (svc *Service) CreateDefaultInstanceWorkflow(ctx context.Context, actorID string) (*store.WorkflowDefinition, error) {
	existing, err := svc.store.GetDefinitionByName(ctx, DefaultWorkflowName)
	if err == nil {
		return existing, nil
	}
	if !schema.IsNotFound(err) {
		return nil, err
	}

	def, err := svc.CreateWorkflow(ctx, schema.CreateWorkflowInput{
		Name:         DefaultWorkflowName,
		Description:  "Lifecycle workflow applied to records without a custom workflow",
		Kind:         schema.KindStateMachine,
		InitialState: StateDraft,
		FinalStates:  []string{StateArchived, StateDeleted},
	}, actorID)
	if err != nil {
		return nil, err
	}

	// DRAFT, ARCHIVED and DELETED were auto-created with the definition.
	for i, name := range []string{StateActive, StateInactive} {
		if _, err := svc.CreateState(ctx, schema.CreateStateInput{
			WorkflowID:   def.ID,
			Name:         name,
			DisplayOrder: i + 1,
		}); err != nil {
			return nil, err
		}
	}

	for i, t := range defaultTransitions {
		if _, err := svc.CreateTransition(ctx, schema.CreateTransitionInput{
			WorkflowID:      def.ID,
			FromState:       t.from,
			ToState:         t.to,
			Name:            t.name,
			RequiresComment: t.comment,
			DisplayOrder:    i,
		}); err != nil {
			return nil, err
		}
	}

	svc.logger.InfoContext(ctx, "default instance workflow created",
		slog.String("workflow_id", def.ID))
	return def, nil
}
