package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/recordflow/recordflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

const definitionColumns = `id, name, description, kind, object_type_id, initial_state, final_states, metadata, is_active, version, created_by, created_at, updated_at, deleted_at`

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *WorkflowDefinition) error {
	finals, err := json.Marshal(def.FinalStates)
	if err != nil {
		return fmt.Errorf("marshal final_states: %w", err)
	}
	metadata, err := marshalMap(def.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, name, description, kind, object_type_id, initial_state, final_states, metadata, is_active, version, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, nullStr(def.Description), string(def.Kind), nullStr(def.ObjectTypeID),
		def.InitialState, string(finals), metadata, boolInt(def.IsActive), def.Version,
		nullStr(def.CreatedBy), timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", id)
	}
	return def, err
}

func (s *LibSQLStore) GetDefinitionByName(ctx context.Context, name string) (*WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		 WHERE name = ? AND deleted_at IS NULL ORDER BY created_at LIMIT 1`, name)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", name)
	}
	return def, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*WorkflowDefinition, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any

	if filter.ObjectTypeID != "" {
		where = append(where, "object_type_id = ?")
		args = append(args, filter.ObjectTypeID)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// UpdateDefinition applies a partial update and increments the definition
// version. Running instances are not touched.
func (s *LibSQLStore) UpdateDefinition(ctx context.Context, id string, update DefinitionUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Kind != nil {
		sets = append(sets, "kind = ?")
		args = append(args, string(*update.Kind))
	}
	if update.ObjectTypeID != nil {
		sets = append(sets, "object_type_id = ?")
		args = append(args, nullStr(*update.ObjectTypeID))
	}
	if update.InitialState != nil {
		sets = append(sets, "initial_state = ?")
		args = append(args, *update.InitialState)
	}
	if update.FinalStates != nil {
		finals, err := json.Marshal(update.FinalStates)
		if err != nil {
			return fmt.Errorf("marshal final_states: %w", err)
		}
		sets = append(sets, "final_states = ?")
		args = append(args, string(finals))
	}
	if update.Metadata != nil {
		metadata, err := marshalMap(update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_definitions SET %s WHERE id = ? AND deleted_at IS NULL", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow definition", id)
}

// SoftDeleteDefinition marks a definition deleted. Rows are never hard-deleted
// because instances reference them.
func (s *LibSQLStore) SoftDeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET deleted_at = CURRENT_TIMESTAMP, is_active = 0, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow definition", id)
}

func scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var (
		description, objectTypeID, createdBy sql.NullString
		finalsJSON                           string
		metadata                             sql.NullString
		kind                                 string
		isActive                             int
		deletedAt                            sql.NullTime
	)
	err := row.Scan(&def.ID, &def.Name, &description, &kind, &objectTypeID,
		&def.InitialState, &finalsJSON, &metadata, &isActive, &def.Version,
		&createdBy, &def.CreatedAt, &def.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	def.Description = description.String
	def.Kind = schema.WorkflowKind(kind)
	def.ObjectTypeID = objectTypeID.String
	def.CreatedBy = createdBy.String
	def.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(finalsJSON), &def.FinalStates); err != nil {
		return nil, fmt.Errorf("unmarshal final_states: %w", err)
	}
	if err := unmarshalMap(metadata, &def.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if deletedAt.Valid {
		def.DeletedAt = &deletedAt.Time
	}
	return def, nil
}

// --- States ---

const stateColumns = `id, workflow_id, name, display_name, description, color, icon, display_order, on_enter, on_exit, metadata, created_at`

func (s *LibSQLStore) CreateState(ctx context.Context, st *WorkflowState) error {
	metadata, err := marshalMap(st.Metadata)
	if err != nil {
		return fmt.Errorf("marshal state metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_states (id, workflow_id, name, display_name, description, color, icon, display_order, on_enter, on_exit, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.WorkflowID, st.Name, nullStr(st.DisplayName), nullStr(st.Description),
		nullStr(st.Color), nullStr(st.Icon), st.DisplayOrder,
		nullRaw(st.OnEnter), nullRaw(st.OnExit), metadata, timeOrNow(st.CreatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"state %q already exists in workflow %s", st.Name, st.WorkflowID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetState(ctx context.Context, id string) (*WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM workflow_states WHERE id = ?`, id)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow state", id)
	}
	return st, err
}

func (s *LibSQLStore) GetStateByName(ctx context.Context, workflowID, name string) (*WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM workflow_states WHERE workflow_id = ? AND name = ?`,
		workflowID, name)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow state", workflowID+"/"+name)
	}
	return st, err
}

func (s *LibSQLStore) ListStates(ctx context.Context, workflowID string) ([]*WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM workflow_states WHERE workflow_id = ? ORDER BY display_order, name`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*WorkflowState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *LibSQLStore) UpdateState(ctx context.Context, id string, update StateUpdate) error {
	var sets []string
	var args []any

	if update.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *update.DisplayName)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Color != nil {
		sets = append(sets, "color = ?")
		args = append(args, *update.Color)
	}
	if update.Icon != nil {
		sets = append(sets, "icon = ?")
		args = append(args, *update.Icon)
	}
	if update.DisplayOrder != nil {
		sets = append(sets, "display_order = ?")
		args = append(args, *update.DisplayOrder)
	}
	if update.OnEnter != nil {
		sets = append(sets, "on_enter = ?")
		args = append(args, string(update.OnEnter))
	}
	if update.OnExit != nil {
		sets = append(sets, "on_exit = ?")
		args = append(args, string(update.OnExit))
	}
	if update.Metadata != nil {
		metadata, err := marshalMap(update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal state metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_states SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow state", id)
}

func (s *LibSQLStore) DeleteState(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_states WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow state", id)
}

// CountStateRefs reports how many transitions and live instances still
// reference the named state of a workflow.
func (s *LibSQLStore) CountStateRefs(ctx context.Context, workflowID, name string) (StateRefCounts, error) {
	var refs StateRefCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_transitions WHERE workflow_id = ? AND (from_state = ? OR to_state = ?)`,
		workflowID, name, name,
	).Scan(&refs.Transitions)
	if err != nil {
		return refs, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_instances WHERE workflow_id = ? AND current_state = ?`,
		workflowID, name,
	).Scan(&refs.Instances)
	return refs, err
}

func scanState(row rowScanner) (*WorkflowState, error) {
	st := &WorkflowState{}
	var (
		displayName, description, color, icon sql.NullString
		onEnter, onExit, metadata             sql.NullString
	)
	err := row.Scan(&st.ID, &st.WorkflowID, &st.Name, &displayName, &description,
		&color, &icon, &st.DisplayOrder, &onEnter, &onExit, &metadata, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	st.DisplayName = displayName.String
	st.Description = description.String
	st.Color = color.String
	st.Icon = icon.String
	st.OnEnter = rawOrNil(onEnter)
	st.OnExit = rawOrNil(onExit)
	if err := unmarshalMap(metadata, &st.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal state metadata: %w", err)
	}
	return st, nil
}

// --- Transitions ---

const transitionColumns = `id, workflow_id, from_state, to_state, name, description, conditions, actions, required_roles, requires_comment, is_automatic, display_order, metadata, created_at`

func (s *LibSQLStore) CreateTransition(ctx context.Context, tr *WorkflowTransition) error {
	roles, err := marshalStrings(tr.RequiredRoles)
	if err != nil {
		return fmt.Errorf("marshal required_roles: %w", err)
	}
	metadata, err := marshalMap(tr.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transition metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_transitions (id, workflow_id, from_state, to_state, name, description, conditions, actions, required_roles, requires_comment, is_automatic, display_order, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.WorkflowID, tr.FromState, tr.ToState, tr.Name, nullStr(tr.Description),
		nullRaw(tr.Conditions), nullRaw(tr.Actions), roles,
		boolInt(tr.RequiresComment), boolInt(tr.IsAutomatic), tr.DisplayOrder,
		metadata, timeOrNow(tr.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTransition(ctx context.Context, id string) (*WorkflowTransition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transitionColumns+` FROM workflow_transitions WHERE id = ?`, id)
	tr, err := scanTransition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow transition", id)
	}
	return tr, err
}

func (s *LibSQLStore) ListTransitions(ctx context.Context, workflowID string) ([]*WorkflowTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM workflow_transitions WHERE workflow_id = ? ORDER BY display_order, name`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransitions(rows)
}

// ListTransitionsFrom is the hot lookup behind availableTransitions, served
// by the (workflow_id, from_state) index.
func (s *LibSQLStore) ListTransitionsFrom(ctx context.Context, workflowID, fromState string) ([]*WorkflowTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM workflow_transitions
		 WHERE workflow_id = ? AND from_state = ? ORDER BY display_order, name`,
		workflowID, fromState)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransitions(rows)
}

func (s *LibSQLStore) UpdateTransition(ctx context.Context, id string, update TransitionUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Conditions != nil {
		sets = append(sets, "conditions = ?")
		args = append(args, string(update.Conditions))
	}
	if update.Actions != nil {
		sets = append(sets, "actions = ?")
		args = append(args, string(update.Actions))
	}
	if update.RequiredRoles != nil {
		roles, err := marshalStrings(update.RequiredRoles)
		if err != nil {
			return fmt.Errorf("marshal required_roles: %w", err)
		}
		sets = append(sets, "required_roles = ?")
		args = append(args, roles)
	}
	if update.RequiresComment != nil {
		sets = append(sets, "requires_comment = ?")
		args = append(args, boolInt(*update.RequiresComment))
	}
	if update.IsAutomatic != nil {
		sets = append(sets, "is_automatic = ?")
		args = append(args, boolInt(*update.IsAutomatic))
	}
	if update.DisplayOrder != nil {
		sets = append(sets, "display_order = ?")
		args = append(args, *update.DisplayOrder)
	}
	if update.Metadata != nil {
		metadata, err := marshalMap(update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transition metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_transitions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow transition", id)
}

func (s *LibSQLStore) DeleteTransition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_transitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow transition", id)
}

func collectTransitions(rows *sql.Rows) ([]*WorkflowTransition, error) {
	var transitions []*WorkflowTransition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

func scanTransition(row rowScanner) (*WorkflowTransition, error) {
	tr := &WorkflowTransition{}
	var (
		description                   sql.NullString
		conditions, actions, metadata sql.NullString
		roles                         sql.NullString
		requiresComment, isAutomatic  int
	)
	err := row.Scan(&tr.ID, &tr.WorkflowID, &tr.FromState, &tr.ToState, &tr.Name,
		&description, &conditions, &actions, &roles, &requiresComment, &isAutomatic,
		&tr.DisplayOrder, &metadata, &tr.CreatedAt)
	if err != nil {
		return nil, err
	}
	tr.Description = description.String
	tr.Conditions = rawOrNil(conditions)
	tr.Actions = rawOrNil(actions)
	tr.RequiresComment = requiresComment != 0
	tr.IsAutomatic = isAutomatic != 0
	if err := unmarshalStrings(roles, &tr.RequiredRoles); err != nil {
		return nil, fmt.Errorf("unmarshal required_roles: %w", err)
	}
	if err := unmarshalMap(metadata, &tr.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal transition metadata: %w", err)
	}
	return tr, nil
}

// --- Helpers ---

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(ns sql.NullString, dst *map[string]any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func marshalStrings(ss []string) (any, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStrings(ns sql.NullString, dst *[]string) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
