package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
	"github.com/gofrs/uuid/v5"
)

const maxDisplayName = 100

// AccountService creates and loads account holders.
type AccountService interface {
	Create(ctx context.Context, displayName string) (model.Account, error)
	Get(ctx context.Context, id uuid.UUID) (model.Account, error)
}

type AccountServiceImpl struct {
	accounts repository.AccountRepository
}

// NewAccountService constructs AccountService.
func NewAccountService(accounts repository.AccountRepository) *AccountServiceImpl {
	return &AccountServiceImpl{accounts: accounts}
}

// Create registers an account together with its zero-balance ledger.
func (s *AccountServiceImpl) Create(ctx context.Context, displayName string) (model.Account, error) {
	name := strings.TrimSpace(displayName)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayName {
		return model.Account{}, fmt.Errorf("%w: display name must be 1..%d characters", errs.ErrInvalidArgument, maxDisplayName)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Account{}, err
	}
	a := model.Account{ID: id, DisplayName: name}
	if err := s.accounts.Create(ctx, &a); err != nil {
		return model.Account{}, err
	}
	return a, nil
}

// Get loads an account.
func (s *AccountServiceImpl) Get(ctx context.Context, id uuid.UUID) (model.Account, error) {
	a, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	return *a, nil
}
