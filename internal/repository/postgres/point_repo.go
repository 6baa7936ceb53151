package postgres

import (
	"context"
	"errors"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
	"github.com/jackc/pgx/v5"
)

// PointRepo implements PointRepository using PostgreSQL.
type PointRepo struct{ db *DB }

// NewPointRepo constructs a dispensing point repository.
func NewPointRepo(db *DB) *PointRepo { return &PointRepo{db: db} }

const selPoint = `
SELECT id, name, kind, location, dose_units, price_minor, active, created_at, updated_at
FROM dispensing_points`

func scanPoint(row pgx.Row) (*model.DispensingPoint, error) {
	var p model.DispensingPoint
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.Location, &p.DoseUnits, &p.PriceMinor,
		&p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Get selects a point by ID.
func (r *PointRepo) Get(ctx context.Context, id int64) (*model.DispensingPoint, error) {
	return r.GetTx(ctx, r.db.Pool, id)
}

// GetTx selects a point by ID through q.
func (r *PointRepo) GetTx(ctx context.Context, q repository.Querier, id int64) (*model.DispensingPoint, error) {
	return scanPoint(q.QueryRow(ctx, selPoint+` WHERE id=$1`, id))
}

// ListActive returns the active catalog.
func (r *PointRepo) ListActive(ctx context.Context) ([]model.DispensingPoint, error) {
	rows, err := r.db.Pool.Query(ctx, selPoint+` WHERE active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DispensingPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Create inserts a new point.
func (r *PointRepo) Create(ctx context.Context, p *model.DispensingPoint) error {
	const q = `
INSERT INTO dispensing_points (name, kind, location, dose_units, price_minor, active)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, q, p.Name, p.Kind, p.Location, p.DoseUnits, p.PriceMinor, p.Active).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	switch {
	case isUniqueViolation(err):
		return errs.ErrAlreadyExists
	case isCheckViolation(err):
		return errs.ErrInvalidArgument
	}
	return err
}

// SetActive toggles the active flag.
func (r *PointRepo) SetActive(ctx context.Context, id int64, active bool) error {
	const q = `UPDATE dispensing_points SET active=$2, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
