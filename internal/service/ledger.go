// Package service contains the authorization core: ledger, token authority,
// audit recorder, dispensing point registry and accounts.
package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/metrics"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// LedgerService defines balance mutations and reads.
type LedgerService interface {
	// Debit withdraws a consumption in its own unit of work.
	Debit(ctx context.Context, req DebitRequest) (model.Transaction, error)
	// DebitTx withdraws a consumption inside the caller's unit of work.
	DebitTx(ctx context.Context, q repository.Querier, req DebitRequest) (model.Transaction, error)
	// Credit deposits any positive amount (operator top-ups).
	Credit(ctx context.Context, accountID uuid.UUID, amount int64, description string) (model.Transaction, error)
	// TopUp deposits an amount from the account-holder allow-list.
	TopUp(ctx context.Context, accountID uuid.UUID, amount int64) (model.Transaction, error)
	// Balance returns the current balance without locking.
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	// Statement lists transactions of the last days, newest first.
	Statement(ctx context.Context, accountID uuid.UUID, days, limit int) ([]model.Transaction, error)
	// Summary aggregates the last days of activity.
	Summary(ctx context.Context, accountID uuid.UUID, days int) (model.LedgerSummary, error)
}

// DebitRequest describes one consumption.
type DebitRequest struct {
	AccountID   uuid.UUID
	AmountMinor int64 // positive; stored negated
	VolumeUnits int64
	Description string
	TokenID     *int64
}

type LedgerServiceImpl struct {
	tx      repository.Transactor
	ledgers repository.LedgerRepository
	allowed map[int64]struct{}
	metrics *metrics.Metrics
	now     func() time.Time
}

// Statement window and page bounds.
const (
	defaultDays  = 30
	maxDays      = 365
	defaultLimit = 50
	maxLimit     = 500
)

// NewLedgerService constructs LedgerService. allowed is the account-holder
// top-up allow-list; an empty list accepts any positive amount.
func NewLedgerService(
	tx repository.Transactor, ledgers repository.LedgerRepository, allowed []int64, m *metrics.Metrics,
) *LedgerServiceImpl {
	set := make(map[int64]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return &LedgerServiceImpl{tx: tx, ledgers: ledgers, allowed: set, metrics: m, now: time.Now}
}

// Debit runs DebitTx in a fresh unit of work.
func (s *LedgerServiceImpl) Debit(ctx context.Context, req DebitRequest) (model.Transaction, error) {
	var t model.Transaction
	err := s.tx.InTx(ctx, func(q repository.Querier) error {
		var err error
		t, err = s.DebitTx(ctx, q, req)
		return err
	})
	if err != nil {
		return model.Transaction{}, err
	}
	s.metrics.Posting(string(model.CategoryConsumption))
	return t, nil
}

// DebitTx locks the ledger row, checks funds and appends a consumption entry.
// Nothing is written when the balance does not cover the amount.
func (s *LedgerServiceImpl) DebitTx(
	ctx context.Context, q repository.Querier, req DebitRequest,
) (model.Transaction, error) {
	if req.AmountMinor <= 0 {
		return model.Transaction{}, fmt.Errorf("%w: debit must be positive", errs.ErrInvalidAmount)
	}
	if req.VolumeUnits <= 0 {
		return model.Transaction{}, fmt.Errorf("%w: consumption needs a volume", errs.ErrInvalidAmount)
	}

	bal, err := s.ledgers.LockBalance(ctx, q, req.AccountID)
	if err != nil {
		return model.Transaction{}, err
	}
	if bal < req.AmountMinor {
		return model.Transaction{}, &errs.InsufficientFundsError{Required: req.AmountMinor, Available: bal}
	}

	next := bal - req.AmountMinor
	if err := s.ledgers.SetBalance(ctx, q, req.AccountID, next); err != nil {
		return model.Transaction{}, err
	}
	t := model.Transaction{
		AccountID:         req.AccountID,
		AmountMinor:       -req.AmountMinor,
		Category:          model.CategoryConsumption,
		VolumeUnits:       req.VolumeUnits,
		BalanceAfterMinor: next,
		Description:       req.Description,
		TokenID:           req.TokenID,
	}
	if err := s.ledgers.InsertTransaction(ctx, q, &t); err != nil {
		return model.Transaction{}, err
	}
	return t, nil
}

// Credit locks the ledger row and appends a top-up entry.
func (s *LedgerServiceImpl) Credit(
	ctx context.Context, accountID uuid.UUID, amount int64, description string,
) (model.Transaction, error) {
	if amount <= 0 {
		return model.Transaction{}, fmt.Errorf("%w: credit must be positive", errs.ErrInvalidAmount)
	}

	var t model.Transaction
	err := s.tx.InTx(ctx, func(q repository.Querier) error {
		bal, err := s.ledgers.LockBalance(ctx, q, accountID)
		if err != nil {
			return err
		}
		if bal > math.MaxInt64-amount {
			return fmt.Errorf("%w: balance would overflow", errs.ErrInvalidAmount)
		}
		next := bal + amount
		if err := s.ledgers.SetBalance(ctx, q, accountID, next); err != nil {
			return err
		}
		t = model.Transaction{
			AccountID:         accountID,
			AmountMinor:       amount,
			Category:          model.CategoryTopUp,
			BalanceAfterMinor: next,
			Description:       description,
		}
		return s.ledgers.InsertTransaction(ctx, q, &t)
	})
	if err != nil {
		return model.Transaction{}, err
	}
	s.metrics.Posting(string(model.CategoryTopUp))
	return t, nil
}

// TopUp credits an allow-listed amount.
func (s *LedgerServiceImpl) TopUp(ctx context.Context, accountID uuid.UUID, amount int64) (model.Transaction, error) {
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[amount]; !ok {
			return model.Transaction{}, fmt.Errorf("%w: %d is not an offered top-up", errs.ErrInvalidAmount, amount)
		}
	}
	return s.Credit(ctx, accountID, amount, "Top-up")
}

// Balance reads the current balance.
func (s *LedgerServiceImpl) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return s.ledgers.Balance(ctx, accountID)
}

// Statement returns the transactions of the last days (default 30).
func (s *LedgerServiceImpl) Statement(
	ctx context.Context, accountID uuid.UUID, days, limit int,
) ([]model.Transaction, error) {
	days = clamp(days, defaultDays, maxDays)
	limit = clamp(limit, defaultLimit, maxLimit)
	return s.ledgers.ListTransactions(ctx, accountID, s.since(days), limit)
}

// Summary returns balance and totals of the last days (default 30).
func (s *LedgerServiceImpl) Summary(ctx context.Context, accountID uuid.UUID, days int) (model.LedgerSummary, error) {
	days = clamp(days, defaultDays, maxDays)
	sum, err := s.ledgers.Summary(ctx, accountID, s.since(days))
	if err != nil {
		return model.LedgerSummary{}, err
	}
	sum.PeriodDays = days
	return sum, nil
}

func (s *LedgerServiceImpl) since(days int) time.Time {
	return s.now().AddDate(0, 0, -days)
}

// clamp maps v <= 0 to def and caps it at max.
func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
