package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/limiter"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// errBadText mimics postgres rejecting NUL or invalid UTF-8 in a TEXT value (22021).
var errBadText = errors.New("invalid byte sequence for encoding UTF8")

func textOK(vals ...string) error {
	for _, v := range vals {
		if !utf8.ValidString(v) || strings.ContainsRune(v, 0) {
			return errBadText
		}
	}
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory backend. Units of work are serialized, which is
// stricter than row locks but gives the same guarantees to callers. A failed
// unit restores the snapshot taken when it began. Audit records live outside
// units and survive rollbacks.
type memStore struct {
	unit sync.Mutex
	mu   sync.Mutex

	clock *fakeClock

	accounts map[uuid.UUID]model.Account
	balances map[uuid.UUID]int64
	txns     []model.Transaction
	tokens   map[int64]model.AccessToken
	points   map[int64]model.DispensingPoint
	audits   []model.AuditRecord
	nextID   int64

	// failures keyed by method name.
	fail map[string]error
	// panics keyed by method name.
	panics map[string]bool
	// insertConflicts makes the next n token inserts report a concurrent winner.
	insertConflicts int
	// beforeCommit runs at the end of a successful unit.
	beforeCommit func(ctx context.Context) error
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{
		clock:    clock,
		accounts: map[uuid.UUID]model.Account{},
		balances: map[uuid.UUID]int64{},
		tokens:   map[int64]model.AccessToken{},
		points:   map[int64]model.DispensingPoint{},
		fail:     map[string]error{},
		panics:   map[string]bool{},
	}
}

type memSnapshot struct {
	accounts map[uuid.UUID]model.Account
	balances map[uuid.UUID]int64
	txns     []model.Transaction
	tokens   map[int64]model.AccessToken
	points   map[int64]model.DispensingPoint
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		accounts: make(map[uuid.UUID]model.Account, len(s.accounts)),
		balances: make(map[uuid.UUID]int64, len(s.balances)),
		txns:     append([]model.Transaction(nil), s.txns...),
		tokens:   make(map[int64]model.AccessToken, len(s.tokens)),
		points:   make(map[int64]model.DispensingPoint, len(s.points)),
	}
	for k, v := range s.accounts {
		snap.accounts[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	for k, v := range s.tokens {
		snap.tokens[k] = v
	}
	for k, v := range s.points {
		snap.points[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts, s.balances, s.txns, s.tokens, s.points = snap.accounts, snap.balances, snap.txns, snap.tokens, snap.points
}

var _ repository.Transactor = (*memStore)(nil)

func (s *memStore) InTx(ctx context.Context, fn func(q repository.Querier) error) (err error) {
	s.unit.Lock()
	defer s.unit.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}
		if err != nil {
			s.restore(snap)
		}
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	if err = fn(nil); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		err = s.beforeCommit(ctx)
	}
	return err
}

// hook returns the injected failure for method and panics when asked to.
func (s *memStore) hook(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics[method] {
		panic("injected panic in " + method)
	}
	return s.fail[method]
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

// seed helpers

func (s *memStore) addAccount(name string, balance int64) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.Must(uuid.NewV4())
	s.accounts[id] = model.Account{ID: id, DisplayName: name, CreatedAt: s.clock.Now()}
	s.balances[id] = balance
	return id
}

func (s *memStore) addPoint(name string, dose, price int64, active bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := model.DispensingPoint{ID: s.id(), Name: name, Kind: "tap", DoseUnits: dose, PriceMinor: price, Active: active}
	s.points[p.ID] = p
	return p.ID
}

func (s *memStore) balance(id uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[id]
}

func (s *memStore) transactions() []model.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Transaction(nil), s.txns...)
}

func (s *memStore) token(value string) model.AccessToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Token == value {
			return t
		}
	}
	return model.AccessToken{}
}

func (s *memStore) auditTrail() []model.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditRecord(nil), s.audits...)
}

func (s *memStore) setActive(id int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.points[id]
	p.Active = active
	s.points[id] = p
}

// repositories

type memAccounts struct{ s *memStore }

var _ repository.AccountRepository = memAccounts{}

func (r memAccounts) Create(_ context.Context, a *model.Account) error {
	if err := r.s.hook("Accounts.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[a.ID]; ok {
		return errs.ErrAlreadyExists
	}
	a.CreatedAt = r.s.clock.Now()
	r.s.accounts[a.ID] = *a
	r.s.balances[a.ID] = 0
	return nil
}

func (r memAccounts) GetByID(_ context.Context, id uuid.UUID) (*model.Account, error) {
	if err := r.s.hook("Accounts.GetByID"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

type memLedgers struct{ s *memStore }

var _ repository.LedgerRepository = memLedgers{}

func (r memLedgers) LockBalance(_ context.Context, _ repository.Querier, id uuid.UUID) (int64, error) {
	if err := r.s.hook("Ledgers.LockBalance"); err != nil {
		return 0, err
	}
	return r.Balance(context.Background(), id)
}

func (r memLedgers) SetBalance(_ context.Context, _ repository.Querier, id uuid.UUID, balance int64) error {
	if err := r.s.hook("Ledgers.SetBalance"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.balances[id]; !ok {
		return errs.ErrNotFound
	}
	if balance < 0 {
		return errs.ErrInsufficientFunds
	}
	r.s.balances[id] = balance
	return nil
}

func (r memLedgers) InsertTransaction(_ context.Context, _ repository.Querier, t *model.Transaction) error {
	if err := r.s.hook("Ledgers.InsertTransaction"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.ID = r.s.id()
	t.CreatedAt = r.s.clock.Now()
	r.s.txns = append(r.s.txns, *t)
	return nil
}

func (r memLedgers) Balance(_ context.Context, id uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[id]
	if !ok {
		return 0, errs.ErrNotFound
	}
	return b, nil
}

func (r memLedgers) ListTransactions(_ context.Context, id uuid.UUID, since time.Time, limit int) ([]model.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Transaction
	for i := len(r.s.txns) - 1; i >= 0 && len(out) < limit; i-- {
		t := r.s.txns[i]
		if t.AccountID == id && !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r memLedgers) Summary(_ context.Context, id uuid.UUID, since time.Time) (model.LedgerSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[id]
	if !ok {
		return model.LedgerSummary{}, errs.ErrNotFound
	}
	sum := model.LedgerSummary{BalanceMinor: b}
	for _, t := range r.s.txns {
		if t.AccountID != id || t.CreatedAt.Before(since) {
			continue
		}
		sum.Count++
		switch t.Category {
		case model.CategoryConsumption:
			sum.ConsumedMinor -= t.AmountMinor
			sum.VolumeUnits += t.VolumeUnits
		case model.CategoryTopUp:
			sum.ToppedUpMinor += t.AmountMinor
		}
	}
	return sum, nil
}

type memTokens struct{ s *memStore }

var _ repository.TokenRepository = memTokens{}

func (r memTokens) ExpirePending(_ context.Context, _ repository.Querier, acc uuid.UUID, pointID int64) (int64, error) {
	if err := r.s.hook("Tokens.ExpirePending"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, t := range r.s.tokens {
		if t.AccountID == acc && t.DispensingPointID == pointID && t.Status == model.TokenPending {
			t.Status = model.TokenExpired
			r.s.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (r memTokens) Insert(_ context.Context, _ repository.Querier, t *model.AccessToken) error {
	if err := r.s.hook("Tokens.Insert"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.insertConflicts > 0 {
		r.s.insertConflicts--
		return errs.ErrAlreadyExists
	}
	for _, o := range r.s.tokens {
		if o.Token == t.Token {
			return errs.ErrAlreadyExists
		}
		if o.AccountID == t.AccountID && o.DispensingPointID == t.DispensingPointID && o.Status == model.TokenPending {
			return errs.ErrAlreadyExists
		}
	}
	t.ID = r.s.id()
	r.s.tokens[t.ID] = *t
	return nil
}

func (r memTokens) LockPending(_ context.Context, _ repository.Querier, value string) (*model.AccessToken, error) {
	if err := r.s.hook("Tokens.LockPending"); err != nil {
		return nil, err
	}
	if err := textOK(value); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tokens {
		if t.Token == value && t.Status == model.TokenPending {
			return &t, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r memTokens) transition(id int64, to model.TokenStatus, at *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tokens[id]
	if !ok || t.Status != model.TokenPending {
		return errs.ErrNotFound
	}
	t.Status = to
	t.UsedAt = at
	r.s.tokens[id] = t
	return nil
}

func (r memTokens) MarkUsed(_ context.Context, _ repository.Querier, id int64, at time.Time) error {
	if err := r.s.hook("Tokens.MarkUsed"); err != nil {
		return err
	}
	return r.transition(id, model.TokenUsed, &at)
}

func (r memTokens) MarkExpired(_ context.Context, _ repository.Querier, id int64) error {
	if err := r.s.hook("Tokens.MarkExpired"); err != nil {
		return err
	}
	return r.transition(id, model.TokenExpired, nil)
}

func (r memTokens) ExpireBefore(_ context.Context, now time.Time) (int64, error) {
	if err := r.s.hook("Tokens.ExpireBefore"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, t := range r.s.tokens {
		if t.Status == model.TokenPending && t.ExpiresAt.Before(now) {
			t.Status = model.TokenExpired
			r.s.tokens[id] = t
			n++
		}
	}
	return n, nil
}

type memPoints struct{ s *memStore }

var _ repository.PointRepository = memPoints{}

func (r memPoints) Get(_ context.Context, id int64) (*model.DispensingPoint, error) {
	if err := r.s.hook("Points.Get"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.points[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &p, nil
}

func (r memPoints) GetTx(ctx context.Context, _ repository.Querier, id int64) (*model.DispensingPoint, error) {
	if err := r.s.hook("Points.GetTx"); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r memPoints) ListActive(_ context.Context) ([]model.DispensingPoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.DispensingPoint
	for _, p := range r.s.points {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r memPoints) Create(_ context.Context, p *model.DispensingPoint) error {
	if err := r.s.hook("Points.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.points {
		if o.Name == p.Name {
			return errs.ErrAlreadyExists
		}
	}
	p.ID = r.s.id()
	p.CreatedAt = r.s.clock.Now()
	p.UpdatedAt = p.CreatedAt
	r.s.points[p.ID] = *p
	return nil
}

func (r memPoints) SetActive(_ context.Context, id int64, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.points[id]
	if !ok {
		return errs.ErrNotFound
	}
	p.Active = active
	r.s.points[id] = p
	return nil
}

type memAudits struct{ s *memStore }

var _ repository.AuditRepository = memAudits{}

func (r memAudits) Insert(_ context.Context, rec *model.AuditRecord) error {
	if err := r.s.hook("Audits.Insert"); err != nil {
		return err
	}
	if err := textOK(rec.DeviceID, rec.Token, rec.SourceAddress, rec.ClientAgent); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec.ID = r.s.id()
	rec.CreatedAt = r.s.clock.Now()
	r.s.audits = append(r.s.audits, *rec)
	return nil
}

func (r memAudits) RecentByDevice(_ context.Context, deviceID string, limit int) ([]model.AuditRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.AuditRecord
	for i := len(r.s.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if r.s.audits[i].DeviceID == deviceID {
			out = append(out, r.s.audits[i])
		}
	}
	return out, nil
}

func (r memAudits) LastSuccess(_ context.Context, pointID int64) (*time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.audits) - 1; i >= 0; i-- {
		a := r.s.audits[i]
		if a.Result == model.OutcomeOK && a.DispensingPointID != nil && *a.DispensingPointID == pointID {
			ts := a.CreatedAt
			return &ts, nil
		}
	}
	return nil, nil
}

func (r memAudits) CountSuccessSince(_ context.Context, pointID int64, since time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, a := range r.s.audits {
		if a.Result == model.OutcomeOK && a.DispensingPointID != nil && *a.DispensingPointID == pointID &&
			!a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// memLimiter counts the audit trail like the postgres limiter does.
type memLimiter struct {
	s   *memStore
	err error
}

var _ limiter.Limiter = memLimiter{}

func (l memLimiter) Allow(_ context.Context, scope limiter.Scope, key string, p limiter.Policy) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if err := textOK(key); err != nil {
		return false, err
	}
	from := l.s.clock.Now().Add(-p.Window)
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	n := 0
	for _, a := range l.s.audits {
		if a.CreatedAt.Before(from) {
			continue
		}
		if (scope == limiter.ScopeDevice && a.DeviceID == key) ||
			(scope == limiter.ScopeAddress && a.SourceAddress == key) {
			n++
		}
	}
	return n < p.Max, nil
}
