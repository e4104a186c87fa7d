package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcodes2003/attendance/internal/engine"
)

// Repository persists the outcome journal and refresh tokens in Postgres.
// The journal is an audit trail; the live roster lives in the key-value
// store, so a missing database only costs history, not check-ins.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertOutcome appends one reconciliation outcome to the journal.
func (r *Repository) InsertOutcome(ctx context.Context, ev engine.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Source == "" {
		ev.Source = engine.SourceScan
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkin_outcomes (id, station_id, device_id, status, reason, name, record_device, source, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.StationID, ev.DeviceID, string(ev.Status), ev.Reason, ev.Name, ev.RecordDevice, ev.Source, ev.At)
	return err
}

// ListOutcomes returns journal entries with basic filters, newest first.
func (r *Repository) ListOutcomes(ctx context.Context, stationID, deviceID string, limit, offset int) ([]engine.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, station_id, device_id, status, reason, name, record_device, source, at FROM checkin_outcomes`
	args := []any{}
	clauses := []string{}
	if stationID != "" {
		clauses = append(clauses, "station_id = $"+itoa(len(args)+1))
		args = append(args, stationID)
	}
	if deviceID != "" {
		clauses = append(clauses, "device_id = $"+itoa(len(args)+1))
		args = append(args, deviceID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY at DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []engine.Event
	for rows.Next() {
		var ev engine.Event
		var status string
		if err := rows.Scan(&ev.ID, &ev.StationID, &ev.DeviceID, &status, &ev.Reason, &ev.Name, &ev.RecordDevice, &ev.Source, &ev.At); err != nil {
			return nil, err
		}
		ev.Status = engine.OutcomeStatus(status)
		res = append(res, ev)
	}
	return res, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// RevokeDeviceTokens revokes every outstanding token for a device. Used when
// a device resets its identity.
func (r *Repository) RevokeDeviceTokens(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE device_id = $1`, deviceID)
	return err
}

// RefreshTokenActive reports whether the token belongs to the device and is
// neither revoked nor expired.
func (r *Repository) RefreshTokenActive(ctx context.Context, deviceID, token string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT revoked, expires_at FROM refresh_tokens
		WHERE token = $1 AND device_id = $2
	`, token, deviceID)
	var revoked bool
	var expiresAt time.Time
	if err := row.Scan(&revoked, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if revoked || time.Now().After(expiresAt) {
		return false, nil
	}
	return true, nil
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
