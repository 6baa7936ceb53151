package repository

import (
	"context"

	"github.com/and161185/tapledger/internal/model"
)

// PointRepository stores dispensing points.
type PointRepository interface {
	// Get loads a point by ID.
	Get(ctx context.Context, id int64) (*model.DispensingPoint, error)
	// GetTx loads a point by ID inside a unit of work.
	GetTx(ctx context.Context, q Querier, id int64) (*model.DispensingPoint, error)
	// ListActive returns active points ordered by name.
	ListActive(ctx context.Context) ([]model.DispensingPoint, error)
	// Create inserts a point and fills its ID and timestamps.
	Create(ctx context.Context, p *model.DispensingPoint) error
	// SetActive switches a point on or off.
	SetActive(ctx context.Context, id int64, active bool) error
}
