package store

import (
	"encoding/json"
	"time"

	"github.com/recordflow/recordflow/pkg/schema"
)

// WorkflowDefinition is a named, versioned workflow template.
type WorkflowDefinition struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Kind         schema.WorkflowKind `json:"kind"`
	ObjectTypeID string              `json:"object_type_id,omitempty"`
	InitialState string              `json:"initial_state"`
	FinalStates  []string            `json:"final_states"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	IsActive     bool                `json:"is_active"`
	Version      int                 `json:"version"`
	CreatedBy    string              `json:"created_by,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	DeletedAt    *time.Time          `json:"deleted_at,omitempty"`
}

// WorkflowState is one node in a definition's graph.
// Name is unique within the owning workflow.
type WorkflowState struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Name         string          `json:"name"`
	DisplayName  string          `json:"display_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Color        string          `json:"color,omitempty"`
	Icon         string          `json:"icon,omitempty"`
	DisplayOrder int             `json:"display_order"`
	OnEnter      json.RawMessage `json:"on_enter,omitempty"`
	OnExit       json.RawMessage `json:"on_exit,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// WorkflowTransition is a directed edge between two states of one workflow.
// Conditions and actions are opaque descriptors, stored and returned verbatim.
type WorkflowTransition struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	FromState       string          `json:"from_state"`
	ToState         string          `json:"to_state"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Conditions      json.RawMessage `json:"conditions,omitempty"`
	Actions         json.RawMessage `json:"actions,omitempty"`
	RequiredRoles   []string        `json:"required_roles,omitempty"`
	RequiresComment bool            `json:"requires_comment"`
	IsAutomatic     bool            `json:"is_automatic"`
	DisplayOrder    int             `json:"display_order"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// WorkflowInstance binds one governed record to one workflow definition.
// RecordID is unique: a record has at most one instance at a time.
type WorkflowInstance struct {
	ID              string         `json:"id"`
	RecordID        string         `json:"record_id"`
	WorkflowID      string         `json:"workflow_id"`
	CurrentState    string         `json:"current_state"`
	PreviousState   string         `json:"previous_state,omitempty"`
	WorkflowVersion int            `json:"workflow_version"`
	ContextData     map[string]any `json:"context_data,omitempty"`
	IsCompleted     bool           `json:"is_completed"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	StartedBy       string         `json:"started_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// HistoryEntry is one row of the append-only transition audit trail.
// RecordID is denormalized so the trail stays queryable after a cancelled
// instance row is deleted.
type HistoryEntry struct {
	ID                 string         `json:"id"`
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	RecordID           string         `json:"record_id"`
	FromState          string         `json:"from_state,omitempty"`
	ToState            string         `json:"to_state"`
	TransitionName     string         `json:"transition_name"`
	Comment            string         `json:"comment,omitempty"`
	TransitionData     map[string]any `json:"transition_data,omitempty"`
	PerformedBy        string         `json:"performed_by,omitempty"`
	DurationMs         int64          `json:"duration_ms"`
	CreatedAt          time.Time      `json:"created_at"`
}

// DefinitionUpdate is a partial update of a workflow definition.
// Nil fields are left untouched. Any applied update bumps the version.
type DefinitionUpdate struct {
	Name         *string
	Description  *string
	Kind         *schema.WorkflowKind
	ObjectTypeID *string
	InitialState *string
	FinalStates  []string
	Metadata     map[string]any
	IsActive     *bool
}

// StateUpdate is a partial update of a workflow state.
type StateUpdate struct {
	DisplayName  *string
	Description  *string
	Color        *string
	Icon         *string
	DisplayOrder *int
	OnEnter      json.RawMessage
	OnExit       json.RawMessage
	Metadata     map[string]any
}

// TransitionUpdate is a partial update of a workflow transition.
type TransitionUpdate struct {
	Name            *string
	Description     *string
	Conditions      json.RawMessage
	Actions         json.RawMessage
	RequiredRoles   []string
	RequiresComment *bool
	IsAutomatic     *bool
	DisplayOrder    *int
	Metadata        map[string]any
}

// DefinitionFilter narrows ListDefinitions. Soft-deleted definitions are
// always excluded.
type DefinitionFilter struct {
	ObjectTypeID string
	ActiveOnly   bool
	Limit        int
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	WorkflowID string
	Completed  *bool
	Limit      int
}

// StateRefCounts reports what still references a state.
type StateRefCounts struct {
	Transitions int
	Instances   int
}

// ApplyTransition is the atomic write performed by the execution engine:
// a compare-and-swap update of the instance row plus the audit entry,
// committed together or not at all.
// When StartedAt is set, the entry's DurationMs is stamped just before the
// history insert, so the measured duration includes the instance update.
type ApplyTransition struct {
	InstanceID    string
	ExpectedState string
	NewState      string
	ContextData   map[string]any
	Completed     bool
	CompletedAt   *time.Time
	StartedAt     time.Time
	Entry         *HistoryEntry
}
