package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Outcome is the closed set of results a validation attempt can produce.
type Outcome string

const (
	OutcomeOK                      Outcome = "ok"
	OutcomeNotFound                Outcome = "not_found"
	OutcomeExpired                 Outcome = "expired"
	OutcomeDispensingPointInactive Outcome = "dispensing_point_inactive"
	OutcomeInsufficientFunds       Outcome = "insufficient_funds"
	OutcomeRateLimited             Outcome = "rate_limited"
	OutcomeInternalError           Outcome = "internal_error"
)

// Outcomes lists every Outcome value.
var Outcomes = []Outcome{
	OutcomeOK,
	OutcomeNotFound,
	OutcomeExpired,
	OutcomeDispensingPointInactive,
	OutcomeInsufficientFunds,
	OutcomeRateLimited,
	OutcomeInternalError,
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	for _, v := range Outcomes {
		if o == v {
			return true
		}
	}
	return false
}

// Authorized reports whether the outcome permits dispensing.
func (o Outcome) Authorized() bool { return o == OutcomeOK }

// ValidationRequest is a reader device presenting a token.
type ValidationRequest struct {
	Token         string
	DeviceID      string
	SourceAddress string
	ClientAgent   string
}

// ValidationResult is returned to the reader device and mirrored into the audit trail.
type ValidationResult struct {
	Outcome           Outcome
	AccountID         *uuid.UUID // set whenever the token was resolved
	AccountName       string
	DispensingPointID *int64
	PointName         string
	DoseUnits         int64
	RemainingMinor    int64
	TransactionID     int64
}

// AuditRecord is one append-only entry of the validation audit trail.
type AuditRecord struct {
	ID                int64
	DeviceID          string
	Token             string // as presented
	Result            Outcome
	AccountID         *uuid.UUID
	DispensingPointID *int64
	SourceAddress     string
	ClientAgent       string
	CreatedAt         time.Time
}
