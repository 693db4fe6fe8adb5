package repo

import (
	"context"
	"database/sql"

	"vintrack/internal/domain"
)

const executionCols = `id,instance_id,fermentation_id,winery_id,status,started_at,completed_at,total_steps,completed_steps,on_time_steps,late_steps,skipped_steps,within_tolerance_steps,out_of_tolerance_steps,critical_skipped_steps,compliance_score`

func scanExecution(scan func(dest ...any) error) (domain.Execution, error) {
	var e domain.Execution
	var startedAt, completedAt sql.NullString
	err := scan(&e.ID, &e.InstanceID, &e.FermentationID, &e.WineryID, &e.Status, &startedAt, &completedAt,
		&e.TotalSteps, &e.CompletedSteps, &e.OnTimeSteps, &e.LateSteps, &e.SkippedSteps,
		&e.WithinTolerance, &e.OutOfTolerance, &e.CriticalSkipped, &e.ComplianceScore)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	return e, nil
}

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(`+executionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.InstanceID, e.FermentationID, e.WineryID, e.Status,
		nullableStringPtr(e.StartedAt), nullableStringPtr(e.CompletedAt),
		e.TotalSteps, e.CompletedSteps, e.OnTimeSteps, e.LateSteps, e.SkippedSteps,
		e.WithinTolerance, e.OutOfTolerance, e.CriticalSkipped, e.ComplianceScore)
	return err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

// GetExecutionByInstance returns the execution bound to an instance.
func (r Repo) GetExecutionByInstance(ctx context.Context, instanceID string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE instance_id=?`, instanceID)
	return scanExecution(row.Scan)
}

func (r Repo) UpdateExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	_, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, started_at=?, completed_at=?,
completed_steps=?, on_time_steps=?, late_steps=?, skipped_steps=?,
within_tolerance_steps=?, out_of_tolerance_steps=?, critical_skipped_steps=?, compliance_score=? WHERE id=?`,
		e.Status, nullableStringPtr(e.StartedAt), nullableStringPtr(e.CompletedAt),
		e.CompletedSteps, e.OnTimeSteps, e.LateSteps, e.SkippedSteps,
		e.WithinTolerance, e.OutOfTolerance, e.CriticalSkipped, e.ComplianceScore, e.ID)
	return err
}

// ListActiveExecutions returns executions the scheduler scans.
func (r Repo) ListActiveExecutions(ctx context.Context, wineryID string) ([]domain.Execution, error) {
	query := `SELECT ` + executionCols + ` FROM executions WHERE status=?`
	args := []any{domain.ExecutionActive}
	if wineryID != "" {
		query += ` AND winery_id=?`
		args = append(args, wineryID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertStepCompletion(ctx context.Context, tx *sql.Tx, c domain.StepCompletion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO step_completions(id,execution_id,step_id,skipped,skip_reason,completed_at,measured_value,note,actor_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ExecutionID, c.StepID, boolInt(c.Skipped), nullable(c.SkipReason), c.CompletedAt,
		nullableFloatPtr(c.MeasuredValue), nullable(c.Note), c.ActorID)
	return err
}

func scanCompletion(scan func(dest ...any) error) (domain.StepCompletion, error) {
	var c domain.StepCompletion
	var skipped int
	var skipReason, note sql.NullString
	var measured sql.NullFloat64
	err := scan(&c.ID, &c.ExecutionID, &c.StepID, &skipped, &skipReason, &c.CompletedAt, &measured, &note, &c.ActorID)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Skipped = skipped != 0
	if skipReason.Valid {
		c.SkipReason = skipReason.String
	}
	if measured.Valid {
		c.MeasuredValue = &measured.Float64
	}
	if note.Valid {
		c.Note = note.String
	}
	return c, nil
}

const completionCols = `id,execution_id,step_id,skipped,skip_reason,completed_at,measured_value,note,actor_id`

func (r Repo) GetStepCompletion(ctx context.Context, executionID, stepID string) (domain.StepCompletion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+completionCols+` FROM step_completions WHERE execution_id=? AND step_id=?`, executionID, stepID)
	return scanCompletion(row.Scan)
}

func (r Repo) ListStepCompletions(ctx context.Context, executionID string) ([]domain.StepCompletion, error) {
	return r.listCompletions(ctx, r.DB.QueryContext, executionID)
}

func (r Repo) ListStepCompletionsTx(ctx context.Context, tx *sql.Tx, executionID string) ([]domain.StepCompletion, error) {
	return r.listCompletions(ctx, tx.QueryContext, executionID)
}

func (r Repo) listCompletions(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), executionID string) ([]domain.StepCompletion, error) {
	rows, err := query(ctx, `SELECT `+completionCols+` FROM step_completions WHERE execution_id=? ORDER BY completed_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepCompletion
	for rows.Next() {
		c, err := scanCompletion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
