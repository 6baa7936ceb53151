package postgres

import (
	"context"
	"errors"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts the account row and its ledger row in one transaction.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	const insAccount = `
INSERT INTO accounts (id, display_name)
VALUES ($1, $2)
RETURNING created_at`
	const insLedger = `INSERT INTO ledgers (account_id, balance_minor) VALUES ($1, 0)`

	return r.db.InTx(ctx, func(q repository.Querier) error {
		if err := q.QueryRow(ctx, insAccount, a.ID, a.DisplayName).Scan(&a.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return errs.ErrAlreadyExists
			}
			return err
		}
		_, err := q.Exec(ctx, insLedger, a.ID)
		return err
	})
}

// GetByID selects an account by ID.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	const q = `SELECT id, display_name, created_at FROM accounts WHERE id=$1`
	var a model.Account
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.DisplayName, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}
