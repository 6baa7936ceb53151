package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// LedgerRepo implements LedgerRepository using PostgreSQL.
type LedgerRepo struct{ db *DB }

// NewLedgerRepo constructs a ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo { return &LedgerRepo{db: db} }

// LockBalance selects the ledger row FOR UPDATE.
func (r *LedgerRepo) LockBalance(ctx context.Context, q repository.Querier, accountID uuid.UUID) (int64, error) {
	const sel = `SELECT balance_minor FROM ledgers WHERE account_id=$1 FOR UPDATE`
	var bal int64
	if err := q.QueryRow(ctx, sel, accountID).Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return bal, nil
}

// SetBalance writes the new balance of a locked row.
func (r *LedgerRepo) SetBalance(ctx context.Context, q repository.Querier, accountID uuid.UUID, balance int64) error {
	const upd = `UPDATE ledgers SET balance_minor=$2, updated_at=now() WHERE account_id=$1`
	tag, err := q.Exec(ctx, upd, accountID, balance)
	if err != nil {
		if isCheckViolation(err) {
			return errs.ErrInsufficientFunds
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// InsertTransaction appends an immutable entry.
func (r *LedgerRepo) InsertTransaction(ctx context.Context, q repository.Querier, t *model.Transaction) error {
	const ins = `
INSERT INTO transactions (account_id, amount_minor, category, volume_units, balance_after_minor, description, token_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at`
	err := q.QueryRow(ctx, ins,
		t.AccountID, t.AmountMinor, string(t.Category), t.VolumeUnits, t.BalanceAfterMinor, t.Description, t.TokenID,
	).Scan(&t.ID, &t.CreatedAt)
	if isCheckViolation(err) {
		return errs.ErrInvalidAmount
	}
	return err
}

// Balance reads the balance without a lock.
func (r *LedgerRepo) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	const q = `SELECT balance_minor FROM ledgers WHERE account_id=$1`
	var bal int64
	if err := r.db.Pool.QueryRow(ctx, q, accountID).Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return bal, nil
}

// ListTransactions returns the statement of an account, newest first.
func (r *LedgerRepo) ListTransactions(
	ctx context.Context, accountID uuid.UUID, since time.Time, limit int,
) ([]model.Transaction, error) {
	const q = `
SELECT id, account_id, amount_minor, category, volume_units, balance_after_minor, description, token_id, created_at
FROM transactions
WHERE account_id=$1 AND created_at>=$2
ORDER BY created_at DESC, id DESC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, accountID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			t   model.Transaction
			cat string
		)
		if err = rows.Scan(&t.ID, &t.AccountID, &t.AmountMinor, &cat, &t.VolumeUnits,
			&t.BalanceAfterMinor, &t.Description, &t.TokenID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Category = model.Category(cat)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summary aggregates consumption and top-ups since the given time.
func (r *LedgerRepo) Summary(ctx context.Context, accountID uuid.UUID, since time.Time) (model.LedgerSummary, error) {
	const q = `
SELECT
  l.balance_minor,
  COALESCE(SUM(-t.amount_minor) FILTER (WHERE t.category='consumption'), 0)::bigint,
  COALESCE(SUM(t.volume_units) FILTER (WHERE t.category='consumption'), 0)::bigint,
  COALESCE(SUM(t.amount_minor) FILTER (WHERE t.category='topup'), 0)::bigint,
  COUNT(t.id)
FROM ledgers l
LEFT JOIN transactions t ON t.account_id=l.account_id AND t.created_at>=$2
WHERE l.account_id=$1
GROUP BY l.balance_minor`
	var s model.LedgerSummary
	err := r.db.Pool.QueryRow(ctx, q, accountID, since).
		Scan(&s.BalanceMinor, &s.ConsumedMinor, &s.VolumeUnits, &s.ToppedUpMinor, &s.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerSummary{}, errs.ErrNotFound
		}
		return model.LedgerSummary{}, err
	}
	return s, nil
}
