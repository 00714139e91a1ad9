package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/recordflow/recordflow/pkg/schema"
)

const instanceColumns = `id, record_id, workflow_id, current_state, previous_state, workflow_version, context_data, is_completed, completed_at, started_by, created_at, updated_at`

// CreateInstance inserts a workflow instance together with its START history
// entry in a single transaction, so a crash cannot leave an instance without
// an audit trail (or vice versa).
func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *WorkflowInstance, start *HistoryEntry) error {
	contextData, err := marshalMap(inst.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context_data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_instances (id, record_id, workflow_id, current_state, previous_state, workflow_version, context_data, is_completed, completed_at, started_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.RecordID, inst.WorkflowID, inst.CurrentState, nullStr(inst.PreviousState),
		inst.WorkflowVersion, contextData, boolInt(inst.IsCompleted), nullTime(inst.CompletedAt),
		nullStr(inst.StartedBy), timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"record %s already has a workflow", inst.RecordID).WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	if start != nil {
		if err := insertHistory(ctx, tx, start); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit instance: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetInstanceByRecord(ctx context.Context, recordID string) (*WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE record_id = ?`, recordID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow instance", recordID)
	}
	return inst, err
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Completed != nil {
		where = append(where, "is_completed = ?")
		args = append(args, boolInt(*filter.Completed))
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// ApplyInstanceTransition performs the critical-path write of the execution
// engine: update the instance row and append the history entry in one
// transaction. The UPDATE carries a compare-and-swap on current_state; when
// another caller moved the instance first, zero rows match and the whole
// transaction rolls back with a CONFLICT error so the caller can re-fetch
// available transitions and retry.
func (s *LibSQLStore) ApplyInstanceTransition(ctx context.Context, apply ApplyTransition) error {
	if apply.Entry == nil {
		return schema.NewError(schema.ErrCodeValidation, "transition requires a history entry")
	}
	contextData, err := marshalMap(apply.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context_data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances
		 SET current_state = ?, previous_state = ?, context_data = ?, is_completed = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND current_state = ? AND is_completed = 0`,
		apply.NewState, apply.ExpectedState, contextData,
		boolInt(apply.Completed), nullTime(apply.CompletedAt),
		apply.InstanceID, apply.ExpectedState,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is no longer in state %q", apply.InstanceID, apply.ExpectedState).
			WithDetails(map[string]any{
				"instance_id":    apply.InstanceID,
				"expected_state": apply.ExpectedState,
			})
	}

	if !apply.StartedAt.IsZero() {
		apply.Entry.DurationMs = time.Since(apply.StartedAt).Milliseconds()
	}
	if err := insertHistory(ctx, tx, apply.Entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// CancelInstance writes the CANCEL history entry and deletes the instance row
// in one transaction. The entry's denormalized record_id keeps the
// cancellation auditable after the row is gone.
func (s *LibSQLStore) CancelInstance(ctx context.Context, instanceID string, entry *HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if entry != nil {
		if err := insertHistory(ctx, tx, entry); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_instances WHERE id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if err := checkRowsAffected(res, "workflow instance", instanceID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

// ListHistory returns the audit trail for a record, newest first. A limit of
// zero returns everything. History rows are never updated or deleted.
func (s *LibSQLStore) ListHistory(ctx context.Context, recordID string, limit int) ([]*HistoryEntry, error) {
	query := `SELECT id, workflow_instance_id, record_id, from_state, to_state, transition_name, comment, transition_data, performed_by, duration_ms, created_at
	 FROM workflow_history WHERE record_id = ? ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var fromState, comment, performedBy sql.NullString
		var transitionData sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowInstanceID, &e.RecordID, &fromState, &e.ToState,
			&e.TransitionName, &comment, &transitionData, &performedBy, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromState = fromState.String
		e.Comment = comment.String
		e.PerformedBy = performedBy.String
		if err := unmarshalMap(transitionData, &e.TransitionData); err != nil {
			return nil, fmt.Errorf("unmarshal transition_data: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, e *HistoryEntry) error {
	transitionData, err := marshalMap(e.TransitionData)
	if err != nil {
		return fmt.Errorf("marshal transition_data: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_history (id, workflow_instance_id, record_id, from_state, to_state, transition_name, comment, transition_data, performed_by, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowInstanceID, e.RecordID, nullStr(e.FromState), e.ToState,
		e.TransitionName, nullStr(e.Comment), transitionData, nullStr(e.PerformedBy),
		e.DurationMs, timeOrNow(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var (
		previousState, startedBy sql.NullString
		contextData              sql.NullString
		isCompleted              int
		completedAt              sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.RecordID, &inst.WorkflowID, &inst.CurrentState,
		&previousState, &inst.WorkflowVersion, &contextData, &isCompleted,
		&completedAt, &startedBy, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.PreviousState = previousState.String
	inst.StartedBy = startedBy.String
	inst.IsCompleted = isCompleted != 0
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	if err := unmarshalMap(contextData, &inst.ContextData); err != nil {
		return nil, fmt.Errorf("unmarshal context_data: %w", err)
	}
	return inst, nil
}
