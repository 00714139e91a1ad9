// Package engine executes workflow instances: it binds a governed record to a
// workflow definition and moves it between states along defined transitions,
// under transactional guarantees and with an append-only audit trail.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/events"
	"github.com/recordflow/recordflow/internal/logging"
	"github.com/recordflow/recordflow/internal/store"
	"github.com/recordflow/recordflow/pkg/schema"
)

// RecordStore is the external collaborator owning the governed business
// records. The engine only needs existence checks.
type RecordStore interface {
	RecordExists(ctx context.Context, recordID string) (bool, error)
}

// Engine is the workflow state machine.
type Engine struct {
	store   store.Store
	records RecordStore
	sink    events.Sink
	logger  *slog.Logger
}

// New creates an Engine. A nil sink defaults to events.NopSink and a nil
// logger to slog.Default().
func New(s store.Store, records RecordStore, sink events.Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, records: records, sink: sink, logger: logger}
}

// StartWorkflow attaches a workflow to a record and creates its instance at
// the definition's initial state. The record must exist, the definition must
// be active, and the record must not already have an instance. The instance
// and its START history entry are written atomically.
func (e *Engine) StartWorkflow(ctx context.Context, recordID, workflowID, actorID string, contextData map[string]any) (*store.WorkflowInstance, error) {
	ctx = logging.WithRecordID(ctx, recordID)

	exists, err := e.records.RecordExists(ctx, recordID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "check record %s: %s", recordID, err.Error()).WithCause(err)
	}
	if !exists {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "record %q not found", recordID)
	}

	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if def.DeletedAt != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", workflowID)
	}
	if !def.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is not active", workflowID)
	}

	if _, err := e.store.GetInstanceByRecord(ctx, recordID); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "record %s already has a workflow", recordID)
	} else if !schema.IsNotFound(err) {
		return nil, err
	}

	inst := &store.WorkflowInstance{
		ID:              uuid.New().String(),
		RecordID:        recordID,
		WorkflowID:      workflowID,
		CurrentState:    def.InitialState,
		WorkflowVersion: def.Version,
		ContextData:     contextData,
		StartedBy:       actorID,
	}
	start := &store.HistoryEntry{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: inst.ID,
		RecordID:           recordID,
		FromState:          "",
		ToState:            def.InitialState,
		TransitionName:     schema.HistoryStart,
		PerformedBy:        actorID,
		DurationMs:         0,
	}
	if err := e.store.CreateInstance(ctx, inst, start); err != nil {
		return nil, err
	}

	e.publish(ctx, events.Event{
		Type:       schema.EventWorkflowStarted,
		RecordID:   recordID,
		InstanceID: inst.ID,
		WorkflowID: workflowID,
		ToState:    def.InitialState,
		Actor:      actorID,
	})

	e.logger.InfoContext(ctx, "workflow started",
		slog.String("workflow_id", workflowID),
		slog.String("instance_id", inst.ID),
		slog.String("state", def.InitialState))
	return inst, nil
}

// AvailableTransitions computes the legal next moves for a record's instance.
// Returns an empty slice when the record has no instance or the instance is
// completed. Transitions gated on roles disjoint from callerRoles are
// filtered out, as are automatic transitions (not operator-invocable).
func (e *Engine) AvailableTransitions(ctx context.Context, recordID string, callerRoles []string) ([]schema.AvailableTransition, error) {
	inst, err := e.store.GetInstanceByRecord(ctx, recordID)
	if err != nil {
		if schema.IsNotFound(err) {
			return []schema.AvailableTransition{}, nil
		}
		return nil, err
	}
	if inst.IsCompleted {
		return []schema.AvailableTransition{}, nil
	}

	transitions, err := e.store.ListTransitionsFrom(ctx, inst.WorkflowID, inst.CurrentState)
	if err != nil {
		return nil, err
	}

	available := make([]schema.AvailableTransition, 0, len(transitions))
	for _, tr := range transitions {
		if tr.IsAutomatic {
			continue
		}
		if len(tr.RequiredRoles) > 0 && !hasAnyRole(callerRoles, tr.RequiredRoles) {
			continue
		}
		available = append(available, schema.AvailableTransition{
			ID:              tr.ID,
			Name:            tr.Name,
			ToState:         tr.ToState,
			Description:     tr.Description,
			RequiresComment: tr.RequiresComment,
			RequiredRoles:   tr.RequiredRoles,
		})
	}
	return available, nil
}

// ExecuteTransition moves a record's instance along one transition edge.
// The instance update and history append run in a single transaction with a
// compare-and-swap on the current state; a lost concurrent race surfaces as
// CONFLICT and leaves the instance untouched, so the caller can re-fetch
// AvailableTransitions and retry.
func (e *Engine) ExecuteTransition(ctx context.Context, recordID, transitionID, actorID, comment string, transitionData map[string]any) (*schema.TransitionResult, error) {
	started := time.Now()
	ctx = logging.WithRecordID(ctx, recordID)

	inst, err := e.store.GetInstanceByRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if inst.IsCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow instance for record %s is already completed", recordID)
	}

	tr, err := e.store.GetTransition(ctx, transitionID)
	if err != nil {
		return nil, err
	}
	if tr.FromState != inst.CurrentState {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"transition %q starts from state %q but the instance is in state %q",
			tr.Name, tr.FromState, inst.CurrentState).
			WithDetails(map[string]any{
				"from_state":    tr.FromState,
				"current_state": inst.CurrentState,
			})
	}
	if tr.RequiresComment && comment == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"transition %q requires a comment", tr.Name)
	}

	// Shallow merge: top-level keys from transitionData overwrite contextData.
	merged := inst.ContextData
	if len(transitionData) > 0 {
		merged = make(map[string]any, len(inst.ContextData)+len(transitionData))
		for k, v := range inst.ContextData {
			merged[k] = v
		}
		for k, v := range transitionData {
			merged[k] = v
		}
	}

	def, err := e.store.GetDefinition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	completed := containsState(def.FinalStates, tr.ToState)
	var completedAt *time.Time
	if completed {
		t := time.Now().UTC()
		completedAt = &t
	}

	entry := &store.HistoryEntry{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: inst.ID,
		RecordID:           recordID,
		FromState:          inst.CurrentState,
		ToState:            tr.ToState,
		TransitionName:     tr.Name,
		Comment:            comment,
		TransitionData:     transitionData,
		PerformedBy:        actorID,
	}
	if err := e.store.ApplyInstanceTransition(ctx, store.ApplyTransition{
		InstanceID:    inst.ID,
		ExpectedState: inst.CurrentState,
		NewState:      tr.ToState,
		ContextData:   merged,
		Completed:     completed,
		CompletedAt:   completedAt,
		StartedAt:     started,
		Entry:         entry,
	}); err != nil {
		return nil, err
	}

	e.publish(ctx, events.Event{
		Type:           schema.EventWorkflowTransitioned,
		RecordID:       recordID,
		InstanceID:     inst.ID,
		WorkflowID:     inst.WorkflowID,
		FromState:      inst.CurrentState,
		ToState:        tr.ToState,
		TransitionName: tr.Name,
		Comment:        comment,
		Actor:          actorID,
	})
	if completed {
		e.publish(ctx, events.Event{
			Type:       schema.EventWorkflowCompleted,
			RecordID:   recordID,
			InstanceID: inst.ID,
			WorkflowID: inst.WorkflowID,
			ToState:    tr.ToState,
			Actor:      actorID,
		})
	}

	e.logger.InfoContext(ctx, "transition executed",
		slog.String("transition", tr.Name),
		slog.String("from", inst.CurrentState),
		slog.String("to", tr.ToState),
		slog.Bool("completed", completed))

	return &schema.TransitionResult{
		Success:        true,
		FromState:      inst.CurrentState,
		ToState:        tr.ToState,
		HistoryEntryID: entry.ID,
	}, nil
}

// Instance returns the workflow instance bound to a record.
func (e *Engine) Instance(ctx context.Context, recordID string) (*store.WorkflowInstance, error) {
	return e.store.GetInstanceByRecord(ctx, recordID)
}

// CurrentState resolves the WorkflowState row matching a record's current
// state.
func (e *Engine) CurrentState(ctx context.Context, recordID string) (*store.WorkflowState, error) {
	inst, err := e.store.GetInstanceByRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return e.store.GetStateByName(ctx, inst.WorkflowID, inst.CurrentState)
}

// History returns the record's audit trail, newest first. Cancelled
// instances remain auditable through the denormalized record id.
func (e *Engine) History(ctx context.Context, recordID string) ([]*store.HistoryEntry, error) {
	return e.store.ListHistory(ctx, recordID, 0)
}

// ListInstances is an administrative read over all instances.
func (e *Engine) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

// CancelWorkflow aborts a running instance: it writes the CANCELLED sentinel
// history entry and deletes the instance row in one transaction. Completed
// instances cannot be cancelled.
func (e *Engine) CancelWorkflow(ctx context.Context, recordID, actorID, reason string) (bool, error) {
	ctx = logging.WithRecordID(ctx, recordID)

	inst, err := e.store.GetInstanceByRecord(ctx, recordID)
	if err != nil {
		return false, err
	}
	if inst.IsCompleted {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow instance for record %s is already completed", recordID)
	}

	entry := &store.HistoryEntry{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: inst.ID,
		RecordID:           recordID,
		FromState:          inst.CurrentState,
		ToState:            schema.CancelledState,
		TransitionName:     schema.HistoryCancel,
		Comment:            reason,
		PerformedBy:        actorID,
	}
	if err := e.store.CancelInstance(ctx, inst.ID, entry); err != nil {
		return false, err
	}

	e.publish(ctx, events.Event{
		Type:       schema.EventWorkflowCancelled,
		RecordID:   recordID,
		InstanceID: inst.ID,
		WorkflowID: inst.WorkflowID,
		FromState:  inst.CurrentState,
		ToState:    schema.CancelledState,
		Comment:    reason,
		Actor:      actorID,
	})

	e.logger.InfoContext(ctx, "workflow cancelled",
		slog.String("instance_id", inst.ID),
		slog.String("from", inst.CurrentState))
	return true, nil
}

// publish delivers an event to the sink, best effort. Failures are logged
// and never affect the operation that produced the event.
func (e *Engine) publish(ctx context.Context, event events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()))
	}
}

func hasAnyRole(callerRoles, required []string) bool {
	for _, r := range required {
		for _, c := range callerRoles {
			if r == c {
				return true
			}
		}
	}
	return false
}

func containsState(states []string, name string) bool {
	for _, s := range states {
		if s == name {
			return true
		}
	}
	return false
}
