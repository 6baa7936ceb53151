package limiter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PG counts attempts straight from the validation_audit table.
type PG struct {
	pool pgxQuerier
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool or any querier.
func NewPG(q pgxQuerier) *PG {
	return &PG{pool: q}
}

// The inner LIMIT caps the scan at the ceiling; the window is measured on the
// database clock, which also stamps audit rows.
const (
	countByDevice = `
SELECT count(*) FROM (
  SELECT 1 FROM validation_audit
  WHERE device_id=$1 AND created_at >= now() - $2::interval
  LIMIT $3
) w`
	countByAddress = `
SELECT count(*) FROM (
  SELECT 1 FROM validation_audit
  WHERE source_address=$1 AND created_at >= now() - $2::interval
  LIMIT $3
) w`
)

// Allow reports whether key recorded fewer than p.Max attempts in p.Window.
func (l *PG) Allow(ctx context.Context, scope Scope, key string, p Policy) (bool, error) {
	var q string
	switch scope {
	case ScopeDevice:
		q = countByDevice
	case ScopeAddress:
		q = countByAddress
	default:
		return false, fmt.Errorf("unknown scope %q", scope)
	}
	if p.Max <= 0 {
		return true, nil
	}

	var n int
	if err := l.pool.QueryRow(ctx, q, key, p.Window, p.Max).Scan(&n); err != nil {
		return false, err
	}
	return n < p.Max, nil
}
