package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
)

// principal is the account a verified bearer token speaks for.
type principal struct {
	AccountID uuid.UUID
	ExpiresAt time.Time
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok && p.AccountID != uuid.Nil
}

// account returns the caller's account, answering 401 itself when the
// request did not pass RequireAccount.
func account(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "no auth")
		return uuid.Nil, false
	}
	return p.AccountID, true
}
