package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"vintrack/internal/domain"
)

const alertCols = `id,type,severity,winery_id,execution_id,step_id,deviation_id,fermentation_id,title,message,recommended_action,channels_json,ack_by,ack_at,created_at`

func scanAlert(scan func(dest ...any) error) (domain.Alert, error) {
	var a domain.Alert
	var executionID, stepID, deviationID, fermentationID, action, channels, ackBy, ackAt sql.NullString
	err := scan(&a.ID, &a.Type, &a.Severity, &a.WineryID, &executionID, &stepID, &deviationID,
		&fermentationID, &a.Title, &a.Message, &action, &channels, &ackBy, &ackAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if executionID.Valid {
		a.ExecutionID = executionID.String
	}
	if stepID.Valid {
		a.StepID = stepID.String
	}
	if deviationID.Valid {
		a.DeviationID = deviationID.String
	}
	if fermentationID.Valid {
		a.FermentationID = fermentationID.String
	}
	if action.Valid {
		a.Action = action.String
	}
	if channels.Valid && channels.String != "" {
		_ = json.Unmarshal([]byte(channels.String), &a.Channels)
	}
	if ackBy.Valid {
		a.AckBy = &ackBy.String
	}
	if ackAt.Valid {
		a.AckAt = &ackAt.String
	}
	return a, nil
}

func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) error {
	channels, err := json.Marshal(a.Channels)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO alerts(`+alertCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Type, a.Severity, a.WineryID, nullable(a.ExecutionID), nullable(a.StepID),
		nullable(a.DeviationID), nullable(a.FermentationID), a.Title, a.Message, nullable(a.Action),
		string(channels), nullableStringPtr(a.AckBy), nullableStringPtr(a.AckAt), a.CreatedAt)
	return err
}

func (r Repo) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id=?`, id)
	return scanAlert(row.Scan)
}

// UpdateAlertChannels rewrites the routed-channel list after delivery.
func (r Repo) UpdateAlertChannels(ctx context.Context, id string, channels []string) error {
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE alerts SET channels_json=? WHERE id=?`, string(data), id)
	return err
}

type AlertFilters struct {
	WineryID    string
	ExecutionID string
	Severity    string
	Type        string
	Unacked     bool
	Limit       int
}

func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WineryID != "" {
		clauses = append(clauses, "winery_id=?")
		args = append(args, f.WineryID)
	}
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Unacked {
		clauses = append(clauses, "ack_at IS NULL")
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + alertCols + ` FROM alerts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// RecentAlertExists reports whether an alert of the given type for the same
// execution/step was created at or after the cutoff timestamp. Used for the
// duplicate-suppression window on scheduler-raised alerts.
func (r Repo) RecentAlertExists(ctx context.Context, alertType, executionID, stepID, cutoff string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM alerts WHERE type=? AND execution_id=? AND step_id=? AND created_at>=? LIMIT 1`,
		alertType, executionID, stepID, cutoff)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) AcknowledgeAlert(ctx context.Context, tx *sql.Tx, id, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE alerts SET ack_by=?, ack_at=? WHERE id=? AND ack_at IS NULL`, actorID, now, id)
	return err
}

// --- alert preferences ---

const prefCols = `user_id,winery_id,in_app_enabled,sms_enabled,email_enabled,suppress_low,quiet_start,quiet_end,dnd_until,sms_recipient,email_recipient,updated_at`

func scanPreference(scan func(dest ...any) error) (domain.AlertPreference, error) {
	var p domain.AlertPreference
	var inApp, sms, email, suppressLow int
	var quietStart, quietEnd, dndUntil, smsTo, emailTo sql.NullString
	err := scan(&p.UserID, &p.WineryID, &inApp, &sms, &email, &suppressLow,
		&quietStart, &quietEnd, &dndUntil, &smsTo, &emailTo, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.InAppEnabled = inApp != 0
	p.SMSEnabled = sms != 0
	p.EmailEnabled = email != 0
	p.SuppressLow = suppressLow != 0
	if quietStart.Valid {
		p.QuietStart = quietStart.String
	}
	if quietEnd.Valid {
		p.QuietEnd = quietEnd.String
	}
	if dndUntil.Valid {
		p.DNDUntil = &dndUntil.String
	}
	if smsTo.Valid {
		p.SMSRecipient = smsTo.String
	}
	if emailTo.Valid {
		p.EmailRecipient = emailTo.String
	}
	return p, nil
}

func (r Repo) UpsertAlertPreference(ctx context.Context, p domain.AlertPreference) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO alert_preferences(`+prefCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(user_id, winery_id) DO UPDATE SET
in_app_enabled=excluded.in_app_enabled, sms_enabled=excluded.sms_enabled, email_enabled=excluded.email_enabled,
suppress_low=excluded.suppress_low, quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
dnd_until=excluded.dnd_until, sms_recipient=excluded.sms_recipient, email_recipient=excluded.email_recipient,
updated_at=excluded.updated_at`,
		p.UserID, p.WineryID, boolInt(p.InAppEnabled), boolInt(p.SMSEnabled), boolInt(p.EmailEnabled),
		boolInt(p.SuppressLow), nullable(p.QuietStart), nullable(p.QuietEnd), nullableStringPtr(p.DNDUntil),
		nullable(p.SMSRecipient), nullable(p.EmailRecipient), p.UpdatedAt)
	return err
}

func (r Repo) GetAlertPreference(ctx context.Context, userID, wineryID string) (domain.AlertPreference, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+prefCols+` FROM alert_preferences WHERE user_id=? AND winery_id=?`, userID, wineryID)
	return scanPreference(row.Scan)
}

// ListAlertRecipients returns users with a preference row for the winery.
func (r Repo) ListAlertRecipients(ctx context.Context, wineryID string) ([]domain.AlertPreference, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+prefCols+` FROM alert_preferences WHERE winery_id=?`, wineryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AlertPreference
	for rows.Next() {
		p, err := scanPreference(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListAlertRecipientsTx is ListAlertRecipients inside a transaction, for
// callers that cache alert copies in the same write.
func (r Repo) ListAlertRecipientsTx(ctx context.Context, tx *sql.Tx, wineryID string) ([]domain.AlertPreference, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+prefCols+` FROM alert_preferences WHERE winery_id=?`, wineryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AlertPreference
	for rows.Next() {
		p, err := scanPreference(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- cached alerts (offline sync) ---

const cachedAlertCols = `id,alert_id,user_id,fermentation_id,severity,title,message,ack_at,expires_at,created_at`

func scanCachedAlert(scan func(dest ...any) error) (domain.CachedAlert, error) {
	var c domain.CachedAlert
	var fermentationID, ackAt sql.NullString
	err := scan(&c.ID, &c.AlertID, &c.UserID, &fermentationID, &c.Severity, &c.Title, &c.Message, &ackAt, &c.ExpiresAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if fermentationID.Valid {
		c.FermentationID = fermentationID.String
	}
	if ackAt.Valid {
		c.AckAt = &ackAt.String
	}
	return c, nil
}

func (r Repo) InsertCachedAlert(ctx context.Context, tx *sql.Tx, c domain.CachedAlert) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cached_alerts(`+cachedAlertCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.AlertID, c.UserID, nullable(c.FermentationID), c.Severity, c.Title, c.Message,
		nullableStringPtr(c.AckAt), c.ExpiresAt, c.CreatedAt)
	return err
}

func (r Repo) GetCachedAlert(ctx context.Context, id string) (domain.CachedAlert, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cachedAlertCols+` FROM cached_alerts WHERE id=?`, id)
	return scanCachedAlert(row.Scan)
}

// GetCachedAlertByAlert returns a user's cache row for a live alert id.
func (r Repo) GetCachedAlertByAlert(ctx context.Context, alertID, userID string) (domain.CachedAlert, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cachedAlertCols+` FROM cached_alerts WHERE alert_id=? AND user_id=?`, alertID, userID)
	return scanCachedAlert(row.Scan)
}

// ListCachedAlerts returns non-expired, unacknowledged rows newest-first.
func (r Repo) ListCachedAlerts(ctx context.Context, userID, fermentationID, now string) ([]domain.CachedAlert, error) {
	clauses := []string{"user_id=?", "ack_at IS NULL", "expires_at>?"}
	args := []any{userID, now}
	if fermentationID != "" {
		clauses = append(clauses, "fermentation_id=?")
		args = append(args, fermentationID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cachedAlertCols+` FROM cached_alerts `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CachedAlert
	for rows.Next() {
		c, err := scanCachedAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) AcknowledgeCachedAlert(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cached_alerts SET ack_at=? WHERE id=? AND ack_at IS NULL`, now, id)
	return err
}

// PurgeExpiredCachedAlerts removes rows past their expiry.
func (r Repo) PurgeExpiredCachedAlerts(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM cached_alerts WHERE expires_at<=?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
