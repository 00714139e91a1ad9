package schema

import "encoding/json"

// WorkflowKind classifies a workflow definition. The kind is informational:
// the engine executes every kind the same way.
type WorkflowKind string

const (
	KindLinear       WorkflowKind = "LINEAR"
	KindStateMachine WorkflowKind = "STATE_MACHINE"
	KindApproval     WorkflowKind = "APPROVAL"
)

// CancelledState is the sentinel written to history when a workflow is
// cancelled. It does not correspond to any WorkflowState row.
const CancelledState = "CANCELLED"

// CreateWorkflowInput is the authoring payload for a new workflow definition.
// Conditions, actions and metadata are opaque to the engine: they are stored
// and returned verbatim, never evaluated.
type CreateWorkflowInput struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Kind         WorkflowKind   `json:"kind,omitempty"`
	ObjectTypeID string         `json:"object_type_id,omitempty"`
	InitialState string         `json:"initial_state"`
	FinalStates  []string       `json:"final_states"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CreateStateInput is the authoring payload for a new workflow state.
type CreateStateInput struct {
	WorkflowID   string          `json:"workflow_id"`
	Name         string          `json:"name"`
	DisplayName  string          `json:"display_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Color        string          `json:"color,omitempty"`
	Icon         string          `json:"icon,omitempty"`
	DisplayOrder int             `json:"display_order,omitempty"`
	OnEnter      json.RawMessage `json:"on_enter,omitempty"`
	OnExit       json.RawMessage `json:"on_exit,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// CreateTransitionInput is the authoring payload for a new transition edge.
type CreateTransitionInput struct {
	WorkflowID      string          `json:"workflow_id"`
	FromState       string          `json:"from_state"`
	ToState         string          `json:"to_state"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Conditions      json.RawMessage `json:"conditions,omitempty"`
	Actions         json.RawMessage `json:"actions,omitempty"`
	RequiredRoles   []string        `json:"required_roles,omitempty"`
	RequiresComment bool            `json:"requires_comment,omitempty"`
	IsAutomatic     bool            `json:"is_automatic,omitempty"`
	DisplayOrder    int             `json:"display_order,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// AvailableTransition is one legal next move for a workflow instance,
// as returned by the execution engine.
type AvailableTransition struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	ToState         string   `json:"to_state"`
	Description     string   `json:"description,omitempty"`
	RequiresComment bool     `json:"requires_comment"`
	RequiredRoles   []string `json:"required_roles,omitempty"`
}

// TransitionResult reports the outcome of an executed transition.
type TransitionResult struct {
	Success        bool   `json:"success"`
	FromState      string `json:"from_state"`
	ToState        string `json:"to_state"`
	HistoryEntryID string `json:"history_entry_id"`
}
