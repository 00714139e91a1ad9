package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordflow/recordflow/internal/definition"
	"github.com/recordflow/recordflow/internal/events"
	"github.com/recordflow/recordflow/internal/store"
	"github.com/recordflow/recordflow/pkg/schema"
)

// fakeRecords is an in-memory record catalogue for tests.
type fakeRecords struct {
	ids map[string]bool
}

func (f *fakeRecords) RecordExists(_ context.Context, recordID string) (bool, error) {
	return f.ids[recordID], nil
}

// recordingSink captures every published event.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) ofType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	engine *Engine
	svc    *definition.Service
	store  *store.LibSQLStore
	def    *store.WorkflowDefinition
	sink   *recordingSink
}

func newTestEnv(t *testing.T, recordIDs ...string) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
	})

	svc, err := definition.NewService(s, nil)
	require.NoError(t, err)
	def, err := svc.CreateDefaultInstanceWorkflow(context.Background(), "system")
	require.NoError(t, err)

	records := &fakeRecords{ids: make(map[string]bool)}
	for _, id := range recordIDs {
		records.ids[id] = true
	}
	sink := &recordingSink{}

	return &testEnv{
		engine: New(s, records, sink, nil),
		svc:    svc,
		store:  s,
		def:    def,
		sink:   sink,
	}
}

// transitionID resolves a transition of the default workflow by name.
func (env *testEnv) transitionID(t *testing.T, name string) string {
	t.Helper()
	transitions, err := env.svc.GetTransitions(context.Background(), env.def.ID)
	require.NoError(t, err)
	for _, tr := range transitions {
		if tr.Name == name {
			return tr.ID
		}
	}
	t.Fatalf("transition %q not found", name)
	return ""
}

func TestStartWorkflow(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", map[string]any{"origin": "import"})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", inst.RecordID)
	assert.Equal(t, definition.StateDraft, inst.CurrentState)
	assert.Equal(t, env.def.Version, inst.WorkflowVersion)
	assert.Equal(t, "alice", inst.StartedBy)
	assert.False(t, inst.IsCompleted)

	history, err := env.engine.History(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.HistoryStart, history[0].TransitionName)
	assert.Equal(t, definition.StateDraft, history[0].ToState)

	started := env.sink.ofType(schema.EventWorkflowStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "rec-1", started[0].RecordID)
	assert.Equal(t, definition.StateDraft, started[0].ToState)
}

func TestStartWorkflow_MissingRecord(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.StartWorkflow(context.Background(), "ghost", env.def.ID, "alice", nil)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestStartWorkflow_DuplicateRecord(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)

	_, err = env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "bob", nil)
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
}

func TestStartWorkflow_InactiveDefinition(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	inactive := false
	_, err := env.svc.UpdateWorkflow(ctx, env.def.ID, store.DefinitionUpdate{IsActive: &inactive})
	require.NoError(t, err)

	_, err = env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
}

func TestAvailableTransitions(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	// No instance yet: empty, not an error.
	available, err := env.engine.AvailableTransitions(ctx, "rec-1", nil)
	require.NoError(t, err)
	assert.Empty(t, available)

	_, err = env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)

	available, err = env.engine.AvailableTransitions(ctx, "rec-1", nil)
	require.NoError(t, err)
	names := make([]string, 0, len(available))
	for _, tr := range available {
		names = append(names, tr.Name)
	}
	assert.ElementsMatch(t, []string{"Ativar", "Arquivar Rascunho", "Excluir Rascunho"}, names)
}

func TestAvailableTransitions_RoleFilter(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.svc.UpdateTransition(ctx, env.transitionID(t, "Ativar"),
		store.TransitionUpdate{RequiredRoles: []string{"admin"}})
	require.NoError(t, err)

	_, err = env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)

	forViewer, err := env.engine.AvailableTransitions(ctx, "rec-1", []string{"viewer"})
	require.NoError(t, err)
	for _, tr := range forViewer {
		assert.NotEqual(t, "Ativar", tr.Name)
	}
	assert.Len(t, forViewer, 2)

	forAdmin, err := env.engine.AvailableTransitions(ctx, "rec-1", []string{"viewer", "admin"})
	require.NoError(t, err)
	assert.Len(t, forAdmin, 3)
}

func TestAvailableTransitions_SkipsAutomatic(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	automatic := true
	_, err := env.svc.UpdateTransition(ctx, env.transitionID(t, "Arquivar Rascunho"),
		store.TransitionUpdate{IsAutomatic: &automatic})
	require.NoError(t, err)

	_, err = env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)

	available, err := env.engine.AvailableTransitions(ctx, "rec-1", nil)
	require.NoError(t, err)
	assert.Len(t, available, 2)
	for _, tr := range available {
		assert.NotEqual(t, "Arquivar Rascunho", tr.Name)
	}
}

func TestExecuteTransition_FullLifecycle(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)

	result, err := env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Ativar"), "alice", "", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, definition.StateDraft, result.FromState)
	assert.Equal(t, definition.StateActive, result.ToState)
	assert.NotEmpty(t, result.HistoryEntryID)

	current, err := env.engine.CurrentState(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, definition.StateActive, current.Name)

	// ARCHIVED is a final state: this transition completes the workflow.
	result, err = env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Arquivar"), "alice", "", nil)
	require.NoError(t, err)
	assert.Equal(t, definition.StateArchived, result.ToState)

	inst, err := env.engine.Instance(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, inst.IsCompleted)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, definition.StateActive, inst.PreviousState)

	// A completed instance accepts no further moves.
	available, err := env.engine.AvailableTransitions(ctx, "rec-1", nil)
	require.NoError(t, err)
	assert.Empty(t, available)

	_, err = env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Restaurar"), "alice", "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))

	history, err := env.engine.History(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "Arquivar", history[0].TransitionName)
	assert.Equal(t, "Ativar", history[1].TransitionName)
	assert.Equal(t, schema.HistoryStart, history[2].TransitionName)

	assert.Len(t, env.sink.ofType(schema.EventWorkflowTransitioned), 2)
	completedEvents := env.sink.ofType(schema.EventWorkflowCompleted)
	require.Len(t, completedEvents, 1)
	assert.Equal(t, definition.StateArchived, completedEvents[0].ToState)
}

func TestExecuteTransition_WrongFromState(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)

	// Desativar starts from ACTIVE; the instance is still in DRAFT.
	_, err = env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Desativar"), "alice", "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
}

func TestExecuteTransition_RequiresComment(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)
	_, err = env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Ativar"), "alice", "", nil)
	require.NoError(t, err)

	_, err = env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Excluir"), "alice", "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))

	_, err = env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Excluir"), "alice", "obsolete record", nil)
	require.NoError(t, err)

	history, err := env.engine.History(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "obsolete record", history[0].Comment)
}

func TestExecuteTransition_MergesContextData(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice",
		map[string]any{"origin": "import", "priority": "low"})
	require.NoError(t, err)

	_, err = env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Ativar"), "alice", "",
		map[string]any{"priority": "high", "reviewed": true})
	require.NoError(t, err)

	inst, err := env.engine.Instance(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "import", inst.ContextData["origin"])
	assert.Equal(t, "high", inst.ContextData["priority"])
	assert.Equal(t, true, inst.ContextData["reviewed"])
}

func TestExecuteTransition_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)

	transitionIDs := []string{
		env.transitionID(t, "Ativar"),
		env.transitionID(t, "Arquivar Rascunho"),
	}

	errs := make([]error, len(transitionIDs))
	var wg sync.WaitGroup
	for i, id := range transitionIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.engine.ExecuteTransition(ctx, "rec-1", id, "alice", "", nil)
		}(i, id)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		losses++
		// The loser either lost the compare-and-swap or read the already
		// advanced state before attempting.
		assert.True(t, schema.IsConflict(err) || schema.IsValidation(err),
			"unexpected loser error: %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	// Exactly one transition landed in history.
	history, err := env.engine.History(ctx, "rec-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCancelWorkflow(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)

	cancelled, err := env.engine.CancelWorkflow(ctx, "rec-1", "alice", "started by mistake")
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, err = env.engine.Instance(ctx, "rec-1")
	assert.True(t, schema.IsNotFound(err))

	// The audit trail survives the instance.
	history, err := env.engine.History(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, schema.HistoryCancel, history[0].TransitionName)
	assert.Equal(t, schema.CancelledState, history[0].ToState)
	assert.Equal(t, "started by mistake", history[0].Comment)

	require.Len(t, env.sink.ofType(schema.EventWorkflowCancelled), 1)

	// Cancelling again fails: the instance is gone.
	_, err = env.engine.CancelWorkflow(ctx, "rec-1", "alice", "again")
	assert.True(t, schema.IsNotFound(err))
}

func TestCancelWorkflow_CompletedInstance(t *testing.T) {
	env := newTestEnv(t, "rec-1")
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "rec-1", env.def.ID, "alice", nil)
	require.NoError(t, err)
	_, err = env.engine.ExecuteTransition(ctx, "rec-1", env.transitionID(t, "Arquivar Rascunho"), "alice", "", nil)
	require.NoError(t, err)

	_, err = env.engine.CancelWorkflow(ctx, "rec-1", "alice", "too late")
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
}
