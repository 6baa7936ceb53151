package repository

import (
	"context"
	"time"

	"github.com/and161185/tapledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

// TokenRepository stores access tokens and their lifecycle transitions.
type TokenRepository interface {
	// ExpirePending moves every pending token of the pair to expired.
	ExpirePending(ctx context.Context, q Querier, accountID uuid.UUID, pointID int64) (int64, error)
	// Insert stores a new token and fills its ID.
	Insert(ctx context.Context, q Querier, t *model.AccessToken) error
	// LockPending loads a pending token by value and holds its row lock until the unit ends.
	// Unknown, used and expired tokens all yield errs.ErrNotFound.
	LockPending(ctx context.Context, q Querier, token string) (*model.AccessToken, error)
	// MarkUsed transitions a locked pending token to used.
	MarkUsed(ctx context.Context, q Querier, id int64, at time.Time) error
	// MarkExpired transitions a locked pending token to expired.
	MarkExpired(ctx context.Context, q Querier, id int64) error

	// ExpireBefore sweeps pending tokens whose expiry is before now.
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
}
