package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

const leeway = 30 * time.Second

// IssueBearer mints an HS256 access token whose subject is the account ID.
// Account holders obtain it from the identity provider; tapctl uses it for
// operator-provisioned accounts and tests.
func IssueBearer(key []byte, accountID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(key)
	return s, exp, err
}

// accountFromBearer verifies "Authorization: Bearer <JWT>" and returns sub as UUID.
func accountFromBearer(r *http.Request, key []byte) (principal, error) {
	tok, err := bearerToken(r)
	if err != nil {
		return principal{}, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(leeway))
	if err != nil || !parsed.Valid {
		return principal{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return principal{}, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	p := principal{AccountID: id}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", fmt.Errorf("%w: no authorization header", errs.ErrUnauthorized)
	}
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", fmt.Errorf("%w: bad authorization scheme", errs.ErrUnauthorized)
	}
	tok := strings.TrimSpace(h[len(prefix):])
	if tok == "" {
		return "", fmt.Errorf("%w: empty bearer token", errs.ErrUnauthorized)
	}
	return tok, nil
}

// RequireAccount rejects requests without a valid bearer token and stores
// the account ID in the request context.
func RequireAccount(key []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := accountFromBearer(r, key)
			if errors.Is(err, errs.ErrUnauthorized) {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "no auth")
				return
			}
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "internal_error", "internal")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}
