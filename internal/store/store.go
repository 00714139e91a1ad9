package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	CreateDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	GetDefinitionByName(ctx context.Context, name string) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, id string, update DefinitionUpdate) error
	SoftDeleteDefinition(ctx context.Context, id string) error

	// States
	CreateState(ctx context.Context, st *WorkflowState) error
	GetState(ctx context.Context, id string) (*WorkflowState, error)
	GetStateByName(ctx context.Context, workflowID, name string) (*WorkflowState, error)
	ListStates(ctx context.Context, workflowID string) ([]*WorkflowState, error)
	UpdateState(ctx context.Context, id string, update StateUpdate) error
	DeleteState(ctx context.Context, id string) error
	CountStateRefs(ctx context.Context, workflowID, name string) (StateRefCounts, error)

	// Transitions
	CreateTransition(ctx context.Context, tr *WorkflowTransition) error
	GetTransition(ctx context.Context, id string) (*WorkflowTransition, error)
	ListTransitions(ctx context.Context, workflowID string) ([]*WorkflowTransition, error)
	ListTransitionsFrom(ctx context.Context, workflowID, fromState string) ([]*WorkflowTransition, error)
	UpdateTransition(ctx context.Context, id string, update TransitionUpdate) error
	DeleteTransition(ctx context.Context, id string) error

	// Instances
	CreateInstance(ctx context.Context, inst *WorkflowInstance, start *HistoryEntry) error
	GetInstanceByRecord(ctx context.Context, recordID string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
	ApplyInstanceTransition(ctx context.Context, apply ApplyTransition) error
	CancelInstance(ctx context.Context, instanceID string, entry *HistoryEntry) error

	// History (append-only)
	ListHistory(ctx context.Context, recordID string, limit int) ([]*HistoryEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
