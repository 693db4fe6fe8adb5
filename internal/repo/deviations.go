package repo

import (
	"context"
	"database/sql"
	"strings"

	"vintrack/internal/domain"
)

const deviationCols = `id,kind,execution_id,step_id,severity,reason_code,description,days_variance,requires_investigation,ack_note,ack_by,ack_at,created_at`

func scanDeviation(scan func(dest ...any) error) (domain.Deviation, error) {
	var d domain.Deviation
	var reqInv int
	var ackNote, ackBy, ackAt sql.NullString
	err := scan(&d.ID, &d.Kind, &d.ExecutionID, &d.StepID, &d.Severity, &d.ReasonCode, &d.Description,
		&d.DaysVariance, &reqInv, &ackNote, &ackBy, &ackAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.RequiresInvestigation = reqInv != 0
	if ackNote.Valid {
		d.AckNote = &ackNote.String
	}
	if ackBy.Valid {
		d.AckBy = &ackBy.String
	}
	if ackAt.Valid {
		d.AckAt = &ackAt.String
	}
	return d, nil
}

func (r Repo) InsertDeviation(ctx context.Context, tx *sql.Tx, d domain.Deviation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deviations(`+deviationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Kind, d.ExecutionID, d.StepID, d.Severity, d.ReasonCode, d.Description,
		d.DaysVariance, boolInt(d.RequiresInvestigation),
		nullableStringPtr(d.AckNote), nullableStringPtr(d.AckBy), nullableStringPtr(d.AckAt), d.CreatedAt)
	return err
}

func (r Repo) GetDeviation(ctx context.Context, id string) (domain.Deviation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deviationCols+` FROM deviations WHERE id=?`, id)
	return scanDeviation(row.Scan)
}

type DeviationFilters struct {
	ExecutionID string
	Kind        string
	Severity    string
	Unacked     bool
	Investigate bool
}

func (r Repo) ListDeviations(ctx context.Context, f DeviationFilters) ([]domain.Deviation, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Unacked {
		clauses = append(clauses, "ack_at IS NULL")
	}
	if f.Investigate {
		clauses = append(clauses, "requires_investigation=1")
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deviationCols+` FROM deviations `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deviation
	for rows.Next() {
		d, err := scanDeviation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// AcknowledgeDeviation records the ack fields; it never deletes the row.
func (r Repo) AcknowledgeDeviation(ctx context.Context, tx *sql.Tx, id, note, actorID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deviations SET ack_note=?, ack_by=?, ack_at=? WHERE id=? AND ack_at IS NULL`,
		nullable(note), actorID, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// either unknown or already acknowledged; caller distinguishes
		return nil
	}
	return nil
}
