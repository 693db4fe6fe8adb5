package repo

import (
	"context"
	"database/sql"

	"vintrack/internal/domain"
)

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instances(id,protocol_id,protocol_version,fermentation_id,winery_id,status,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		in.ID, in.ProtocolID, in.ProtocolVersion, in.FermentationID, in.WineryID, in.Status, in.CreatedBy, in.CreatedAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	var in domain.Instance
	err := r.DB.QueryRowContext(ctx, `SELECT id,protocol_id,protocol_version,fermentation_id,winery_id,status,created_by,created_at FROM instances WHERE id=?`, id).
		Scan(&in.ID, &in.ProtocolID, &in.ProtocolVersion, &in.FermentationID, &in.WineryID, &in.Status, &in.CreatedBy, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

const instanceStepCols = `id,instance_id,template_step_id,sequence,name,trigger_type,trigger_value,tolerance_hours,measurement,critical,expected_value,expected_low,expected_high,notes`

func scanInstanceStep(scan func(dest ...any) error) (domain.InstanceStep, error) {
	var s domain.InstanceStep
	var measurement, notes sql.NullString
	var critical int
	var expValue, expLow, expHigh sql.NullFloat64
	err := scan(&s.ID, &s.InstanceID, &s.TemplateStepID, &s.Sequence, &s.Name, &s.TriggerType,
		&s.TriggerValue, &s.ToleranceHours, &measurement, &critical, &expValue, &expLow, &expHigh, &notes)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if measurement.Valid {
		s.Measurement = measurement.String
	}
	s.Critical = critical != 0
	if expValue.Valid {
		s.ExpectedValue = &expValue.Float64
	}
	if expLow.Valid {
		s.ExpectedLow = &expLow.Float64
	}
	if expHigh.Valid {
		s.ExpectedHigh = &expHigh.Float64
	}
	if notes.Valid {
		s.Notes = notes.String
	}
	return s, nil
}

func (r Repo) InsertInstanceStep(ctx context.Context, tx *sql.Tx, s domain.InstanceStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instance_steps(`+instanceStepCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.InstanceID, s.TemplateStepID, s.Sequence, s.Name, s.TriggerType, s.TriggerValue,
		s.ToleranceHours, nullable(s.Measurement), boolInt(s.Critical), nullableFloatPtr(s.ExpectedValue),
		nullableFloatPtr(s.ExpectedLow), nullableFloatPtr(s.ExpectedHigh), nullable(s.Notes))
	return err
}

func (r Repo) GetInstanceStep(ctx context.Context, id string) (domain.InstanceStep, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceStepCols+` FROM instance_steps WHERE id=?`, id)
	return scanInstanceStep(row.Scan)
}

func (r Repo) ListInstanceSteps(ctx context.Context, instanceID string) ([]domain.InstanceStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceStepCols+` FROM instance_steps WHERE instance_id=? ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InstanceStep
	for rows.Next() {
		s, err := scanInstanceStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInstanceStep(ctx context.Context, tx *sql.Tx, s domain.InstanceStep) error {
	_, err := tx.ExecContext(ctx, `UPDATE instance_steps SET trigger_value=?, tolerance_hours=?, notes=? WHERE id=?`,
		s.TriggerValue, s.ToleranceHours, nullable(s.Notes), s.ID)
	return err
}

func (r Repo) InsertCustomization(ctx context.Context, tx *sql.Tx, c domain.Customization) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instance_customizations(id,instance_id,step_id,kind,old_value,new_value,reason,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.InstanceID, c.StepID, c.Kind, c.OldValue, c.NewValue, c.Reason, c.ActorID, c.CreatedAt)
	return err
}

func (r Repo) ListCustomizations(ctx context.Context, instanceID string) ([]domain.Customization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,instance_id,step_id,kind,old_value,new_value,reason,actor_id,created_at FROM instance_customizations WHERE instance_id=? ORDER BY created_at ASC, id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Customization
	for rows.Next() {
		var c domain.Customization
		if err := rows.Scan(&c.ID, &c.InstanceID, &c.StepID, &c.Kind, &c.OldValue, &c.NewValue, &c.Reason, &c.ActorID, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
