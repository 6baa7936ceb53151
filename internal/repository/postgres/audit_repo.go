package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/tapledger/internal/model"
	"github.com/jackc/pgx/v5"
)

// AuditRepo implements AuditRepository using PostgreSQL. Rows are never updated.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs a validation audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Insert appends one record; created_at is assigned by the database clock,
// the same clock the postgres limiter measures windows against.
func (r *AuditRepo) Insert(ctx context.Context, rec *model.AuditRecord) error {
	const q = `
INSERT INTO validation_audit (device_id, token, result, account_id, dispensing_point_id, source_address, client_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at`
	return r.db.Pool.QueryRow(ctx, q,
		rec.DeviceID, rec.Token, string(rec.Result), rec.AccountID, rec.DispensingPointID,
		nullString(rec.SourceAddress), rec.ClientAgent,
	).Scan(&rec.ID, &rec.CreatedAt)
}

// RecentByDevice returns the newest records of a device.
func (r *AuditRepo) RecentByDevice(ctx context.Context, deviceID string, limit int) ([]model.AuditRecord, error) {
	const q = `
SELECT id, device_id, token, result, account_id, dispensing_point_id, source_address, client_agent, created_at
FROM validation_audit
WHERE device_id=$1
ORDER BY created_at DESC, id DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var (
			rec    model.AuditRecord
			result string
			addr   *string
		)
		if err = rows.Scan(&rec.ID, &rec.DeviceID, &rec.Token, &result, &rec.AccountID,
			&rec.DispensingPointID, &addr, &rec.ClientAgent, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Result = model.Outcome(result)
		if addr != nil {
			rec.SourceAddress = *addr
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastSuccess returns when the point last dispensed, or nil.
func (r *AuditRepo) LastSuccess(ctx context.Context, pointID int64) (*time.Time, error) {
	const q = `
SELECT created_at FROM validation_audit
WHERE dispensing_point_id=$1 AND result='ok'
ORDER BY created_at DESC
LIMIT 1`
	var ts time.Time
	if err := r.db.Pool.QueryRow(ctx, q, pointID).Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ts, nil
}

// CountSuccessSince counts successful validations of a point.
func (r *AuditRepo) CountSuccessSince(ctx context.Context, pointID int64, since time.Time) (int64, error) {
	const q = `
SELECT count(*) FROM validation_audit
WHERE dispensing_point_id=$1 AND result='ok' AND created_at>=$2`
	var n int64
	err := r.db.Pool.QueryRow(ctx, q, pointID, since).Scan(&n)
	return n, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
