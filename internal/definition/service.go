package definition

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/store"
	"github.com/recordflow/recordflow/pkg/schema"
)

// finalStateOrderBase is the display order of the first auto-created final
// state; the initial state gets order 0.
const finalStateOrderBase = 100

// Service authors and validates workflow graphs: definitions, states and
// transitions. It never executes anything; execution lives in the engine.
type Service struct {
	store     store.Store
	validator *InputValidator
	logger    *slog.Logger
}

// NewService creates a definition Service.
func NewService(s store.Store, logger *slog.Logger) (*Service, error) {
	v, err := NewInputValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, validator: v, logger: logger}, nil
}

// CreateWorkflow persists a new definition and auto-creates its initial and
// final states, so every definition is immediately executable without a
// separate add-states step.
func (svc *Service) CreateWorkflow(ctx context.Context, input schema.CreateWorkflowInput, actorID string) (*store.WorkflowDefinition, error) {
	if err := svc.validator.ValidateCreateWorkflow(input); err != nil {
		return nil, err
	}

	kind := input.Kind
	if kind == "" {
		kind = schema.KindStateMachine
	}

	def := &store.WorkflowDefinition{
		ID:           uuid.New().String(),
		Name:         input.Name,
		Description:  input.Description,
		Kind:         kind,
		ObjectTypeID: input.ObjectTypeID,
		InitialState: input.InitialState,
		FinalStates:  append([]string(nil), input.FinalStates...),
		Metadata:     input.Metadata,
		IsActive:     true,
		Version:      1,
		CreatedBy:    actorID,
	}
	if err := svc.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	autoStates := []*store.WorkflowState{{
		ID:           uuid.New().String(),
		WorkflowID:   def.ID,
		Name:         input.InitialState,
		DisplayName:  input.InitialState,
		DisplayOrder: 0,
	}}
	for i, name := range input.FinalStates {
		autoStates = append(autoStates, &store.WorkflowState{
			ID:           uuid.New().String(),
			WorkflowID:   def.ID,
			Name:         name,
			DisplayName:  name,
			DisplayOrder: finalStateOrderBase + i,
		})
	}
	for _, st := range autoStates {
		if err := svc.store.CreateState(ctx, st); err != nil {
			return nil, err
		}
	}

	svc.logger.InfoContext(ctx, "workflow definition created",
		slog.String("workflow_id", def.ID), slog.String("name", def.Name))
	return def, nil
}

// CreateState adds a state to an existing workflow. The (workflow, name) pair
// must be unique.
func (svc *Service) CreateState(ctx context.Context, input schema.CreateStateInput) (*store.WorkflowState, error) {
	if input.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "state name is required")
	}
	if _, err := svc.store.GetDefinition(ctx, input.WorkflowID); err != nil {
		return nil, err
	}

	st := &store.WorkflowState{
		ID:           uuid.New().String(),
		WorkflowID:   input.WorkflowID,
		Name:         input.Name,
		DisplayName:  input.DisplayName,
		Description:  input.Description,
		Color:        input.Color,
		Icon:         input.Icon,
		DisplayOrder: input.DisplayOrder,
		OnEnter:      input.OnEnter,
		OnExit:       input.OnExit,
		Metadata:     input.Metadata,
	}
	if st.DisplayName == "" {
		st.DisplayName = st.Name
	}
	if err := svc.store.CreateState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// CreateTransition adds an edge to an existing workflow. Both endpoints must
// name existing states of that workflow; the check runs at creation time only.
func (svc *Service) CreateTransition(ctx context.Context, input schema.CreateTransitionInput) (*store.WorkflowTransition, error) {
	if input.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transition name is required")
	}
	if _, err := svc.store.GetDefinition(ctx, input.WorkflowID); err != nil {
		return nil, err
	}
	for _, endpoint := range []struct{ field, name string }{
		{"from_state", input.FromState},
		{"to_state", input.ToState},
	} {
		if _, err := svc.store.GetStateByName(ctx, input.WorkflowID, endpoint.name); err != nil {
			if schema.IsNotFound(err) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"%s %q is not a state of workflow %s", endpoint.field, endpoint.name, input.WorkflowID)
			}
			return nil, err
		}
	}

	tr := &store.WorkflowTransition{
		ID:              uuid.New().String(),
		WorkflowID:      input.WorkflowID,
		FromState:       input.FromState,
		ToState:         input.ToState,
		Name:            input.Name,
		Description:     input.Description,
		Conditions:      input.Conditions,
		Actions:         input.Actions,
		RequiredRoles:   input.RequiredRoles,
		RequiresComment: input.RequiresComment,
		IsAutomatic:     input.IsAutomatic,
		DisplayOrder:    input.DisplayOrder,
		Metadata:        input.Metadata,
	}
	if err := svc.store.CreateTransition(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// UpdateWorkflow applies a partial update and bumps the definition version.
// Running instances keep executing against the updated graph; their version
// snapshot is for drift detection only.
func (svc *Service) UpdateWorkflow(ctx context.Context, id string, update store.DefinitionUpdate) (*store.WorkflowDefinition, error) {
	if err := svc.store.UpdateDefinition(ctx, id, update); err != nil {
		return nil, err
	}
	return svc.store.GetDefinition(ctx, id)
}

// UpdateState applies a partial update to a state.
func (svc *Service) UpdateState(ctx context.Context, id string, update store.StateUpdate) (*store.WorkflowState, error) {
	if err := svc.store.UpdateState(ctx, id, update); err != nil {
		return nil, err
	}
	return svc.store.GetState(ctx, id)
}

// UpdateTransition applies a partial update to a transition.
func (svc *Service) UpdateTransition(ctx context.Context, id string, update store.TransitionUpdate) (*store.WorkflowTransition, error) {
	if err := svc.store.UpdateTransition(ctx, id, update); err != nil {
		return nil, err
	}
	return svc.store.GetTransition(ctx, id)
}

// DeleteWorkflow soft-deletes a definition. Instances keep referencing it.
func (svc *Service) DeleteWorkflow(ctx context.Context, id string) error {
	return svc.store.SoftDeleteDefinition(ctx, id)
}

// DeleteState removes a state after checking nothing references it: no
// transition endpoint and no live instance currently sitting in the state.
func (svc *Service) DeleteState(ctx context.Context, id string) error {
	st, err := svc.store.GetState(ctx, id)
	if err != nil {
		return err
	}
	refs, err := svc.store.CountStateRefs(ctx, st.WorkflowID, st.Name)
	if err != nil {
		return err
	}
	if refs.Transitions > 0 || refs.Instances > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"state %q is still referenced by %d transition(s) and %d instance(s)",
			st.Name, refs.Transitions, refs.Instances)
	}
	return svc.store.DeleteState(ctx, id)
}

// DeleteTransition hard-deletes a transition.
func (svc *Service) DeleteTransition(ctx context.Context, id string) error {
	return svc.store.DeleteTransition(ctx, id)
}

// GetWorkflow returns a definition by id, soft-deleted ones included.
func (svc *Service) GetWorkflow(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	return svc.store.GetDefinition(ctx, id)
}

// GetAllWorkflows lists non-deleted definitions, optionally filtered by
// object type.
func (svc *Service) GetAllWorkflows(ctx context.Context, objectTypeID string) ([]*store.WorkflowDefinition, error) {
	return svc.store.ListDefinitions(ctx, store.DefinitionFilter{ObjectTypeID: objectTypeID})
}

// GetWorkflowByObjectType returns the first active definition bound to the
// given object type.
func (svc *Service) GetWorkflowByObjectType(ctx context.Context, objectTypeID string) (*store.WorkflowDefinition, error) {
	defs, err := svc.store.ListDefinitions(ctx, store.DefinitionFilter{
		ObjectTypeID: objectTypeID,
		ActiveOnly:   true,
		Limit:        1,
	})
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no active workflow for object type %q", objectTypeID)
	}
	return defs[0], nil
}

// GetStates lists a workflow's states ordered by display order.
func (svc *Service) GetStates(ctx context.Context, workflowID string) ([]*store.WorkflowState, error) {
	return svc.store.ListStates(ctx, workflowID)
}

// GetTransitions lists a workflow's transitions ordered by display order.
func (svc *Service) GetTransitions(ctx context.Context, workflowID string) ([]*store.WorkflowTransition, error) {
	return svc.store.ListTransitions(ctx, workflowID)
}
