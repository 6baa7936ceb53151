// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Account is a prepaid account holder. Every account owns exactly one Ledger.
type Account struct {
	ID          uuid.UUID // PK
	DisplayName string
	CreatedAt   time.Time
}

// Ledger holds the current balance of an account in minor currency units.
type Ledger struct {
	AccountID    uuid.UUID
	BalanceMinor int64 // never negative
	UpdatedAt    time.Time
}

// Category classifies a ledger transaction.
type Category string

const (
	CategoryConsumption Category = "consumption"
	CategoryTopUp       Category = "topup"
)

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID                int64
	AccountID         uuid.UUID
	AmountMinor       int64 // negative for consumption, positive for topup
	Category          Category
	VolumeUnits       int64 // > 0 for consumption, 0 for topup
	BalanceAfterMinor int64 // balance right after this entry was applied
	Description       string
	TokenID           *int64 // access token that produced a consumption
	CreatedAt         time.Time
}

// LedgerSummary aggregates an account's activity over a trailing period.
type LedgerSummary struct {
	BalanceMinor  int64
	ConsumedMinor int64 // absolute value of consumption amounts
	VolumeUnits   int64
	ToppedUpMinor int64
	Count         int64
	PeriodDays    int
}

// DispensingPoint is a physical tap with a fixed dose and price.
type DispensingPoint struct {
	ID         int64
	Name       string // unique
	Kind       string // e.g. beer, mate
	Location   string
	DoseUnits  int64
	PriceMinor int64
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PointStatus reports recent usage of a dispensing point.
type PointStatus struct {
	Point      DispensingPoint
	LastUsedAt *time.Time // last successful validation, nil if never used
	UsesToday  int64
}

// TokenStatus is the lifecycle state of an access token.
type TokenStatus string

const (
	TokenPending TokenStatus = "pending"
	TokenUsed    TokenStatus = "used"
	TokenExpired TokenStatus = "expired"
)

// AccessToken is a short-lived single-use authorization bound to one account and one point.
type AccessToken struct {
	ID                int64
	Token             string // opaque, unique
	AccountID         uuid.UUID
	DispensingPointID int64
	Status            TokenStatus
	CreatedAt         time.Time
	ExpiresAt         time.Time
	UsedAt            *time.Time
}

// IssuedToken is what an account holder receives from issuance.
type IssuedToken struct {
	Token AccessToken
	Point DispensingPoint
}
