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

// TokenRepo implements TokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs an access token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

// ExpirePending expires every pending token of (account, point).
func (r *TokenRepo) ExpirePending(
	ctx context.Context, q repository.Querier, accountID uuid.UUID, pointID int64,
) (int64, error) {
	const upd = `
UPDATE access_tokens SET status='expired'
WHERE account_id=$1 AND dispensing_point_id=$2 AND status='pending'`
	tag, err := q.Exec(ctx, upd, accountID, pointID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Insert stores a new token. A concurrent pending token for the same pair
// trips the partial unique index and surfaces as errs.ErrAlreadyExists.
func (r *TokenRepo) Insert(ctx context.Context, q repository.Querier, t *model.AccessToken) error {
	const ins = `
INSERT INTO access_tokens (token, account_id, dispensing_point_id, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`
	err := q.QueryRow(ctx, ins,
		t.Token, t.AccountID, t.DispensingPointID, string(t.Status), t.CreatedAt, t.ExpiresAt,
	).Scan(&t.ID)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// LockPending selects a pending token FOR UPDATE. A concurrent validator that
// committed first leaves the row non-pending, so the waiter sees no row.
func (r *TokenRepo) LockPending(ctx context.Context, q repository.Querier, token string) (*model.AccessToken, error) {
	const sel = `
SELECT id, token, account_id, dispensing_point_id, status, created_at, expires_at, used_at
FROM access_tokens
WHERE token=$1 AND status='pending'
FOR UPDATE`
	var (
		t      model.AccessToken
		status string
	)
	err := q.QueryRow(ctx, sel, token).Scan(&t.ID, &t.Token, &t.AccountID, &t.DispensingPointID,
		&status, &t.CreatedAt, &t.ExpiresAt, &t.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	t.Status = model.TokenStatus(status)
	return &t, nil
}

// MarkUsed consumes a pending token.
func (r *TokenRepo) MarkUsed(ctx context.Context, q repository.Querier, id int64, at time.Time) error {
	const upd = `UPDATE access_tokens SET status='used', used_at=$2 WHERE id=$1 AND status='pending'`
	return transition(ctx, q, upd, id, at)
}

// MarkExpired expires a pending token.
func (r *TokenRepo) MarkExpired(ctx context.Context, q repository.Querier, id int64) error {
	const upd = `UPDATE access_tokens SET status='expired' WHERE id=$1 AND status='pending'`
	return transition(ctx, q, upd, id)
}

func transition(ctx context.Context, q repository.Querier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return errs.ErrNotFound
	}
	return nil
}

// ExpireBefore sweeps stale pending tokens.
func (r *TokenRepo) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	const upd = `UPDATE access_tokens SET status='expired' WHERE status='pending' AND expires_at<$1`
	tag, err := r.db.Pool.Exec(ctx, upd, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
