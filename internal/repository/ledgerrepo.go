package repository

import (
	"context"
	"time"

	"github.com/and161185/tapledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

// LedgerRepository provides balance and transaction storage.
// Methods taking a Querier must run inside a unit of work.
type LedgerRepository interface {
	// LockBalance reads the balance and holds the ledger row lock until the unit ends.
	LockBalance(ctx context.Context, q Querier, accountID uuid.UUID) (int64, error)
	// SetBalance overwrites the balance of a locked ledger row.
	SetBalance(ctx context.Context, q Querier, accountID uuid.UUID, balance int64) error
	// InsertTransaction appends an entry and fills its ID and CreatedAt.
	InsertTransaction(ctx context.Context, q Querier, t *model.Transaction) error

	// Balance returns the current balance without locking.
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	// ListTransactions returns entries created at or after since, newest first.
	ListTransactions(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]model.Transaction, error)
	// Summary aggregates entries created at or after since.
	Summary(ctx context.Context, accountID uuid.UUID, since time.Time) (model.LedgerSummary, error)
}
