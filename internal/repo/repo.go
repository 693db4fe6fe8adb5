package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"vintrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) EnsureWinery(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	if name == "" {
		name = id
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wineries(id, name, created_at) VALUES (?,?,?)`, id, name, now)
	return err
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignWineryRole(ctx context.Context, tx *sql.Tx, wineryID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO winery_roles(winery_id, actor_id, role) VALUES (?,?,?)`, wineryID, actorID, role)
	return err
}

func (r Repo) RevokeWineryRole(ctx context.Context, tx *sql.Tx, wineryID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM winery_roles WHERE winery_id=? AND actor_id=? AND role=?`, wineryID, actorID, role)
	return err
}

func (r Repo) ActorWineryRoles(ctx context.Context, wineryID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM winery_roles WHERE winery_id=? AND actor_id=?`, wineryID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// --- fermentations (read-only batch context) ---

func (r Repo) InsertFermentation(ctx context.Context, tx *sql.Tx, f domain.Fermentation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO fermentations(id,winery_id,batch_name,start_date,status,created_by) VALUES (?,?,?,?,?,?)`,
		f.ID, f.WineryID, f.BatchName, f.StartDate, f.Status, f.CreatedBy)
	return err
}

func (r Repo) GetFermentation(ctx context.Context, id string) (domain.Fermentation, error) {
	var f domain.Fermentation
	err := r.DB.QueryRowContext(ctx, `SELECT id,winery_id,batch_name,start_date,status,created_by FROM fermentations WHERE id=?`, id).
		Scan(&f.ID, &f.WineryID, &f.BatchName, &f.StartDate, &f.Status, &f.CreatedBy)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) ListFermentations(ctx context.Context, wineryID string) ([]domain.Fermentation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,winery_id,batch_name,start_date,status,created_by FROM fermentations WHERE winery_id=? ORDER BY start_date DESC`, wineryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Fermentation
	for rows.Next() {
		var f domain.Fermentation
		if err := rows.Scan(&f.ID, &f.WineryID, &f.BatchName, &f.StartDate, &f.Status, &f.CreatedBy); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// --- protocols ---

func scanProtocol(scan func(dest ...any) error) (domain.Protocol, error) {
	var p domain.Protocol
	var varietalName, approvedBy, approvedAt, effectiveEnd sql.NullString
	err := scan(&p.ID, &p.WineryID, &p.VarietalCode, &varietalName, &p.Version, &p.Status,
		&p.CreatedBy, &approvedBy, &approvedAt, &effectiveEnd, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if varietalName.Valid {
		p.VarietalName = varietalName.String
	}
	if approvedBy.Valid {
		p.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		p.ApprovedAt = &approvedAt.String
	}
	if effectiveEnd.Valid {
		p.EffectiveEnd = &effectiveEnd.String
	}
	return p, nil
}

const protocolCols = `id,winery_id,varietal_code,varietal_name,version,status,created_by,approved_by,approved_at,effective_end,created_at`

func (r Repo) InsertProtocol(ctx context.Context, tx *sql.Tx, p domain.Protocol) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO protocols(`+protocolCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.WineryID, p.VarietalCode, nullable(p.VarietalName), p.Version, p.Status,
		p.CreatedBy, nullableStringPtr(p.ApprovedBy), nullableStringPtr(p.ApprovedAt), nullableStringPtr(p.EffectiveEnd), p.CreatedAt)
	return err
}

func (r Repo) GetProtocol(ctx context.Context, id string) (domain.Protocol, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+protocolCols+` FROM protocols WHERE id=?`, id)
	return scanProtocol(row.Scan)
}

func (r Repo) UpdateProtocol(ctx context.Context, tx *sql.Tx, p domain.Protocol) error {
	_, err := tx.ExecContext(ctx, `UPDATE protocols SET status=?, approved_by=?, approved_at=?, effective_end=? WHERE id=?`,
		p.Status, nullableStringPtr(p.ApprovedBy), nullableStringPtr(p.ApprovedAt), nullableStringPtr(p.EffectiveEnd), p.ID)
	return err
}

// ProtocolVersionExists reports whether a (winery, varietal, version) row exists.
func (r Repo) ProtocolVersionExists(ctx context.Context, wineryID, varietalCode string, version int) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM protocols WHERE winery_id=? AND varietal_code=? AND version=? LIMIT 1`,
		wineryID, varietalCode, version)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// LatestFinalProtocol returns the newest FINAL protocol for a varietal.
func (r Repo) LatestFinalProtocol(ctx context.Context, wineryID, varietalCode string) (domain.Protocol, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+protocolCols+` FROM protocols
WHERE winery_id=? AND varietal_code=? AND status=? ORDER BY version DESC LIMIT 1`,
		wineryID, varietalCode, domain.ProtocolFinal)
	return scanProtocol(row.Scan)
}

type ProtocolFilters struct {
	WineryID     string
	VarietalCode string
	Status       string
}

func (r Repo) ListProtocols(ctx context.Context, f ProtocolFilters) ([]domain.Protocol, error) {
	var clauses []string
	var args []any
	if f.WineryID != "" {
		clauses = append(clauses, "winery_id=?")
		args = append(args, f.WineryID)
	}
	if f.VarietalCode != "" {
		clauses = append(clauses, "varietal_code=?")
		args = append(args, f.VarietalCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+protocolCols+` FROM protocols `+where+` ORDER BY varietal_code ASC, version DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- template steps ---

const stepCols = `id,protocol_id,sequence,name,trigger_type,trigger_value,tolerance_hours,measurement,critical,expected_value,expected_low,expected_high`

func scanStep(scan func(dest ...any) error) (domain.Step, error) {
	var s domain.Step
	var measurement sql.NullString
	var critical int
	var expValue, expLow, expHigh sql.NullFloat64
	err := scan(&s.ID, &s.ProtocolID, &s.Sequence, &s.Name, &s.TriggerType, &s.TriggerValue,
		&s.ToleranceHours, &measurement, &critical, &expValue, &expLow, &expHigh)
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
	return s, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO steps(`+stepCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProtocolID, s.Sequence, s.Name, s.TriggerType, s.TriggerValue, s.ToleranceHours,
		nullable(s.Measurement), boolInt(s.Critical), nullableFloatPtr(s.ExpectedValue),
		nullableFloatPtr(s.ExpectedLow), nullableFloatPtr(s.ExpectedHigh))
	return err
}

func (r Repo) ListSteps(ctx context.Context, protocolID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM steps WHERE protocol_id=? ORDER BY sequence ASC`, protocolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, wineryID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if wineryID != "" {
		clauses = append(clauses, "winery_id=?")
		args = append(args, wineryID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(winery_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WineryID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
