package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/and161185/tapledger/internal/crypto"
	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/limiter"
	"github.com/and161185/tapledger/internal/metrics"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// maxTokenLen bounds what a reader may present; longer strings never match.
const maxTokenLen = 256

// maxDeviceLen caps the stored and rate-limited device id.
const maxDeviceLen = 128

// issueAttempts bounds retries when a concurrent issuance for the same pair wins the pending slot.
const issueAttempts = 2

// errAbort rolls back a unit of work whose outcome is already decided.
var errAbort = errors.New("abort unit")

// TokenAuthority issues single-use access tokens and redeems them.
type TokenAuthority interface {
	// Issue replaces any pending token of the pair with a fresh one.
	Issue(ctx context.Context, accountID uuid.UUID, pointID int64) (model.IssuedToken, error)
	// Validate redeems a token. It never returns an error: every failure is an outcome,
	// and every call leaves exactly one audit record.
	Validate(ctx context.Context, req model.ValidationRequest) model.ValidationResult
	// Sweep expires pending tokens past their expiry.
	Sweep(ctx context.Context) (int64, error)
}

// TokenDeps groups the collaborators of TokenAuthorityImpl.
type TokenDeps struct {
	Tx       repository.Transactor
	Tokens   repository.TokenRepository
	Points   repository.PointRepository
	Accounts repository.AccountRepository
	Ledger   LedgerService
	Audit    *AuditRecorder
	Limiter  limiter.Limiter
	Policies limiter.Policies
}

// TokenOptions tunes TokenAuthorityImpl.
type TokenOptions struct {
	TTL         time.Duration
	UnitTimeout time.Duration
}

type TokenAuthorityImpl struct {
	tx       repository.Transactor
	tokens   repository.TokenRepository
	points   repository.PointRepository
	accounts repository.AccountRepository
	ledger   LedgerService
	audit    *AuditRecorder
	lim      limiter.Limiter
	policies limiter.Policies

	ttl         time.Duration
	unitTimeout time.Duration

	log     *zap.Logger
	metrics *metrics.Metrics

	now      func() time.Time
	newToken func() (string, error)
}

// NewTokenAuthority constructs TokenAuthority.
func NewTokenAuthority(d TokenDeps, opt TokenOptions, log *zap.Logger, m *metrics.Metrics) *TokenAuthorityImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenAuthorityImpl{
		tx:          d.Tx,
		tokens:      d.Tokens,
		points:      d.Points,
		accounts:    d.Accounts,
		ledger:      d.Ledger,
		audit:       d.Audit,
		lim:         d.Limiter,
		policies:    d.Policies,
		ttl:         opt.TTL,
		unitTimeout: opt.UnitTimeout,
		log:         log,
		metrics:     m,
		now:         time.Now,
		newToken:    crypto.NewToken,
	}
}

// Issue checks the point and the balance, then expires prior pending tokens of
// the pair and stores a new one in one unit of work. The balance check is
// advisory; Validate makes the authoritative one.
func (s *TokenAuthorityImpl) Issue(ctx context.Context, accountID uuid.UUID, pointID int64) (model.IssuedToken, error) {
	p, err := s.points.Get(ctx, pointID)
	if err != nil {
		return model.IssuedToken{}, err
	}
	if !p.Active {
		return model.IssuedToken{}, errs.ErrDispensingPointInactive
	}

	bal, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		return model.IssuedToken{}, err
	}
	if bal < p.PriceMinor {
		return model.IssuedToken{}, &errs.InsufficientFundsError{Required: p.PriceMinor, Available: bal}
	}

	for attempt := 1; ; attempt++ {
		t, err := s.issueOnce(ctx, accountID, pointID)
		if errors.Is(err, errs.ErrAlreadyExists) && attempt < issueAttempts {
			continue
		}
		if err != nil {
			return model.IssuedToken{}, err
		}
		s.metrics.TokenIssued()
		return model.IssuedToken{Token: t, Point: *p}, nil
	}
}

func (s *TokenAuthorityImpl) issueOnce(ctx context.Context, accountID uuid.UUID, pointID int64) (model.AccessToken, error) {
	value, err := s.newToken()
	if err != nil {
		return model.AccessToken{}, fmt.Errorf("generate token: %w", err)
	}
	now := s.now()
	t := model.AccessToken{
		Token:             value,
		AccountID:         accountID,
		DispensingPointID: pointID,
		Status:            model.TokenPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}
	err = s.tx.InTx(ctx, func(q repository.Querier) error {
		if _, err := s.tokens.ExpirePending(ctx, q, accountID, pointID); err != nil {
			return err
		}
		return s.tokens.Insert(ctx, q, &t)
	})
	return t, err
}

// Validate redeems a token presented by a reader device.
//
// The token row is locked first and the ledger row second. Expiry is
// committed on its own; a denial after the point is resolved rolls the unit
// back so the token stays pending and the balance untouched.
func (s *TokenAuthorityImpl) Validate(ctx context.Context, req model.ValidationRequest) (res model.ValidationResult) {
	start := time.Now()
	presented := req.Token
	req = storableRequest(req)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("validate panic", zap.Any("panic", r), zap.String("device_id", req.DeviceID))
			res = internalError(res)
		}
		s.audit.Record(ctx, model.AuditRecord{
			DeviceID:          req.DeviceID,
			Token:             req.Token,
			Result:            res.Outcome,
			AccountID:         res.AccountID,
			DispensingPointID: res.DispensingPointID,
			SourceAddress:     req.SourceAddress,
			ClientAgent:       req.ClientAgent,
		})
		s.metrics.ObserveValidation(string(res.Outcome), time.Since(start))
	}()

	unitCtx := ctx
	if s.unitTimeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, s.unitTimeout)
		defer cancel()
	}

	ok, err := limiter.AllowAttempt(unitCtx, s.lim, s.policies, req.DeviceID, req.SourceAddress)
	if err != nil {
		s.log.Error("rate limiter failed", zap.String("device_id", req.DeviceID), zap.Error(err))
		return model.ValidationResult{Outcome: model.OutcomeInternalError}
	}
	if !ok {
		return model.ValidationResult{Outcome: model.OutcomeRateLimited}
	}

	if !redeemable(presented) {
		return model.ValidationResult{Outcome: model.OutcomeNotFound}
	}

	err = s.tx.InTx(unitCtx, func(q repository.Querier) error {
		return s.redeem(unitCtx, q, presented, &res)
	})
	if err != nil && !errors.Is(err, errAbort) {
		s.log.Error("validate unit failed", zap.String("device_id", req.DeviceID), zap.Error(err))
		return internalError(res)
	}

	if res.Outcome == model.OutcomeOK {
		s.metrics.Posting(string(model.CategoryConsumption))
		if a, err := s.accounts.GetByID(ctx, *res.AccountID); err == nil {
			res.AccountName = a.DisplayName
		} else {
			s.log.Warn("account name lookup failed", zap.Error(err))
		}
	}
	return res
}

// redeemable reports whether a presented token could match an issued one.
// Issued tokens are short base64url strings, so anything empty, oversized,
// carrying NUL or invalid UTF-8 is unknown without a lookup.
func redeemable(tok string) bool {
	return tok != "" && len(tok) <= maxTokenLen &&
		utf8.ValidString(tok) && !strings.ContainsRune(tok, 0)
}

// storableRequest bounds and cleans the reader-supplied fields so the audit
// row and the limiter keys always accept them.
func storableRequest(req model.ValidationRequest) model.ValidationRequest {
	req.Token = storable(req.Token, maxTokenLen)
	req.DeviceID = storable(req.DeviceID, maxDeviceLen)
	req.SourceAddress = storable(req.SourceAddress, 0)
	req.ClientAgent = storable(req.ClientAgent, 0)
	return req
}

// storable drops NUL bytes and invalid UTF-8, which TEXT columns reject, and
// truncates to limit bytes when limit > 0.
func storable(v string, limit int) string {
	if limit > 0 && len(v) > limit {
		v = v[:limit]
	}
	v = strings.ToValidUTF8(v, "")
	return strings.ReplaceAll(v, "\x00", "")
}

// redeem runs inside the unit and fills res as identifiers get resolved.
func (s *TokenAuthorityImpl) redeem(ctx context.Context, q repository.Querier, token string, res *model.ValidationResult) error {
	t, err := s.tokens.LockPending(ctx, q, token)
	if errors.Is(err, errs.ErrNotFound) {
		res.Outcome = model.OutcomeNotFound
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock token: %w", err)
	}
	accountID, pointID := t.AccountID, t.DispensingPointID
	res.AccountID = &accountID
	res.DispensingPointID = &pointID

	now := s.now()
	if now.After(t.ExpiresAt) {
		if err := s.tokens.MarkExpired(ctx, q, t.ID); err != nil {
			return fmt.Errorf("expire token: %w", err)
		}
		res.Outcome = model.OutcomeExpired
		return nil
	}

	p, err := s.points.GetTx(ctx, q, pointID)
	if errors.Is(err, errs.ErrNotFound) || (err == nil && !p.Active) {
		res.Outcome = model.OutcomeDispensingPointInactive
		return errAbort
	}
	if err != nil {
		return fmt.Errorf("load point: %w", err)
	}
	res.PointName = p.Name

	tokenID := t.ID
	entry, err := s.ledger.DebitTx(ctx, q, DebitRequest{
		AccountID:   accountID,
		AmountMinor: p.PriceMinor,
		VolumeUnits: p.DoseUnits,
		Description: "Consumption at " + p.Name,
		TokenID:     &tokenID,
	})
	if errors.Is(err, errs.ErrInsufficientFunds) {
		res.Outcome = model.OutcomeInsufficientFunds
		return errAbort
	}
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}

	if err := s.tokens.MarkUsed(ctx, q, t.ID, now); err != nil {
		return fmt.Errorf("consume token: %w", err)
	}

	res.Outcome = model.OutcomeOK
	res.DoseUnits = p.DoseUnits
	res.RemainingMinor = entry.BalanceAfterMinor
	res.TransactionID = entry.ID
	return nil
}

// internalError keeps whatever identifiers were resolved and drops the rest.
func internalError(res model.ValidationResult) model.ValidationResult {
	return model.ValidationResult{
		Outcome:           model.OutcomeInternalError,
		AccountID:         res.AccountID,
		DispensingPointID: res.DispensingPointID,
	}
}

// Sweep expires stale pending tokens.
func (s *TokenAuthorityImpl) Sweep(ctx context.Context) (int64, error) {
	n, err := s.tokens.ExpireBefore(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.TokensSwept(n)
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *TokenAuthorityImpl) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.Warn("token sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("expired stale tokens", zap.Int64("count", n))
			}
		}
	}
}
