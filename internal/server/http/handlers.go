package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

// DeviceHeader identifies the reader device presenting a token.
const DeviceHeader = "X-Device-ID"

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: code, Message: msg})
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error(op, zap.Error(err), zap.String("request_id", middleware.GetReqID(r.Context())))
	writeError(w, r, http.StatusInternalServerError, "internal_error", "internal")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// --- Reader ---

// validateRequest carries no length rules: oversized or malformed values still
// reach the token authority so the attempt is audited and counted.
type validateRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

type validateResponse struct {
	Authorized            bool   `json:"authorized"`
	Reason                string `json:"reason"`
	DoseUnits             *int64 `json:"dose_units,omitempty"`
	AccountName           string `json:"account_name,omitempty"`
	DispensingPointName   string `json:"dispensing_point_name,omitempty"`
	RemainingBalanceMinor *int64 `json:"remaining_balance_minor,omitempty"`
}

func outcomeStatus(o model.Outcome) int {
	switch o {
	case model.OutcomeOK:
		return http.StatusOK
	case model.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case model.OutcomeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

func (s *Server) validateToken(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	device := r.Header.Get(DeviceHeader)
	switch {
	case device == "" && req.DeviceID == "":
		writeError(w, r, http.StatusBadRequest, "invalid_request", "device id required")
		return
	case device == "":
		device = req.DeviceID
	case req.DeviceID != "" && req.DeviceID != device:
		writeError(w, r, http.StatusBadRequest, "invalid_request", "device id mismatch")
		return
	}
	res := s.tokens.Validate(r.Context(), model.ValidationRequest{
		Token:         req.Token,
		DeviceID:      device,
		SourceAddress: s.clientAddress(r),
		ClientAgent:   r.UserAgent(),
	})

	out := validateResponse{Authorized: res.Outcome.Authorized(), Reason: string(res.Outcome)}
	if out.Authorized {
		dose, remaining := res.DoseUnits, res.RemainingMinor
		out.DoseUnits = &dose
		out.RemainingBalanceMinor = &remaining
		out.AccountName = res.AccountName
		out.DispensingPointName = res.PointName
	}
	render.Status(r, outcomeStatus(res.Outcome))
	render.JSON(w, r, out)
}

// --- Catalog ---

type pointView struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Location   string     `json:"location,omitempty"`
	DoseUnits  int64      `json:"dose_units"`
	PriceMinor int64      `json:"price_minor"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsesToday  *int64     `json:"uses_today,omitempty"`
}

func toPointView(p model.DispensingPoint) pointView {
	return pointView{
		ID:         p.ID,
		Name:       p.Name,
		Kind:       p.Kind,
		Location:   p.Location,
		DoseUnits:  p.DoseUnits,
		PriceMinor: p.PriceMinor,
		Active:     p.Active,
	}
}

func (s *Server) listPoints(w http.ResponseWriter, r *http.Request) {
	ps, err := s.points.ListActive(r.Context())
	if err != nil {
		s.internal(w, r, "list points", err)
		return
	}
	out := make([]pointView, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPointView(p))
	}
	render.JSON(w, r, out)
}

func (s *Server) pointStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "bad id")
		return
	}
	st, err := s.points.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		s.internal(w, r, "point status", err)
		return
	}
	v := toPointView(st.Point)
	v.LastUsedAt = st.LastUsedAt
	uses := st.UsesToday
	v.UsesToday = &uses
	render.JSON(w, r, v)
}

// --- Account holder ---

type issueRequest struct {
	DispensingPointID int64 `json:"dispensing_point_id" validate:"required,gt=0"`
}

type issueResponse struct {
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expires_at"`
	DispensingPointName string    `json:"dispensing_point_name"`
	DoseUnits           int64     `json:"dose_units"`
	PriceMinor          int64     `json:"price_minor"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	accountID, ok := account(w, r)
	if !ok {
		return
	}

	var req issueRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	it, err := s.tokens.Issue(r.Context(), accountID, req.DispensingPointID)
	if err != nil {
		var ife *errs.InsufficientFundsError
		switch {
		case errors.As(err, &ife):
			render.Status(r, http.StatusPaymentRequired)
			render.JSON(w, r, errorResponse{
				Error:     "insufficient_funds",
				Required:  &ife.Required,
				Available: &ife.Available,
			})
		case errors.Is(err, errs.ErrDispensingPointInactive):
			writeError(w, r, http.StatusConflict, "dispensing_point_inactive", "dispensing point inactive")
		case errors.Is(err, errs.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", "not found")
		default:
			s.internal(w, r, "issue token", err)
		}
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, issueResponse{
		Token:               it.Token.Token,
		ExpiresAt:           it.Token.ExpiresAt,
		DispensingPointName: it.Point.Name,
		DoseUnits:           it.Point.DoseUnits,
		PriceMinor:          it.Point.PriceMinor,
	})
}

type creditRequest struct {
	AmountMinor int64 `json:"amount_minor"`
}

type creditResponse struct {
	BalanceMinor  int64 `json:"balance_minor"`
	TransactionID int64 `json:"transaction_id"`
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := account(w, r)
	if !ok {
		return
	}

	var req creditRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	t, err := s.ledger.TopUp(r.Context(), accountID, req.AmountMinor)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrInvalidAmount):
			writeError(w, r, http.StatusBadRequest, "invalid_amount", err.Error())
		case errors.Is(err, errs.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", "not found")
		default:
			s.internal(w, r, "credit", err)
		}
		return
	}
	render.JSON(w, r, creditResponse{BalanceMinor: t.BalanceAfterMinor, TransactionID: t.ID})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := account(w, r)
	if !ok {
		return
	}
	bal, err := s.ledger.Balance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		s.internal(w, r, "balance", err)
		return
	}
	render.JSON(w, r, map[string]int64{"balance_minor": bal})
}

type periodQuery struct {
	Days  int `validate:"gte=0,lte=365"`
	Limit int `validate:"gte=0,lte=500"`
}

func (s *Server) parsePeriod(r *http.Request) (periodQuery, error) {
	var q periodQuery
	var err error
	if v := r.URL.Query().Get("days"); v != "" {
		if q.Days, err = strconv.Atoi(v); err != nil {
			return q, err
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			return q, err
		}
	}
	return q, s.validate.Struct(&q)
}

type transactionView struct {
	ID                int64     `json:"id"`
	AmountMinor       int64     `json:"amount_minor"`
	Category          string    `json:"category"`
	VolumeUnits       int64     `json:"volume_units,omitempty"`
	BalanceAfterMinor int64     `json:"balance_after_minor"`
	Description       string    `json:"description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := account(w, r)
	if !ok {
		return
	}
	q, err := s.parsePeriod(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "bad days/limit")
		return
	}
	ts, err := s.ledger.Statement(r.Context(), accountID, q.Days, q.Limit)
	if err != nil {
		s.internal(w, r, "statement", err)
		return
	}
	out := make([]transactionView, 0, len(ts))
	for _, t := range ts {
		out = append(out, transactionView{
			ID:                t.ID,
			AmountMinor:       t.AmountMinor,
			Category:          string(t.Category),
			VolumeUnits:       t.VolumeUnits,
			BalanceAfterMinor: t.BalanceAfterMinor,
			Description:       t.Description,
			CreatedAt:         t.CreatedAt,
		})
	}
	render.JSON(w, r, out)
}

type summaryView struct {
	BalanceMinor  int64 `json:"balance_minor"`
	ConsumedMinor int64 `json:"consumed_minor"`
	VolumeUnits   int64 `json:"volume_units"`
	ToppedUpMinor int64 `json:"topped_up_minor"`
	Count         int64 `json:"transactions"`
	PeriodDays    int   `json:"period_days"`
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := account(w, r)
	if !ok {
		return
	}
	q, err := s.parsePeriod(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "bad days")
		return
	}
	sum, err := s.ledger.Summary(r.Context(), accountID, q.Days)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		s.internal(w, r, "summary", err)
		return
	}
	render.JSON(w, r, summaryView{
		BalanceMinor:  sum.BalanceMinor,
		ConsumedMinor: sum.ConsumedMinor,
		VolumeUnits:   sum.VolumeUnits,
		ToppedUpMinor: sum.ToppedUpMinor,
		Count:         sum.Count,
		PeriodDays:    sum.PeriodDays,
	})
}
