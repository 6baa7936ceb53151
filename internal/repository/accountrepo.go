package repository

import (
	"context"

	"github.com/and161185/tapledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepository persists account holders.
type AccountRepository interface {
	// Create inserts the account and its zero-balance ledger in one transaction.
	Create(ctx context.Context, a *model.Account) error
	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
}
