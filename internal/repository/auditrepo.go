package repository

import (
	"context"
	"time"

	"github.com/and161185/tapledger/internal/model"
)

// AuditRepository appends and reads validation audit records.
type AuditRepository interface {
	// Insert appends a record and fills its ID and CreatedAt.
	Insert(ctx context.Context, r *model.AuditRecord) error
	// RecentByDevice returns the newest records for a device.
	RecentByDevice(ctx context.Context, deviceID string, limit int) ([]model.AuditRecord, error)
	// LastSuccess returns the time of the newest ok record for a point.
	LastSuccess(ctx context.Context, pointID int64) (*time.Time, error)
	// CountSuccessSince counts ok records for a point created at or after since.
	CountSuccessSince(ctx context.Context, pointID int64, since time.Time) (int64, error)
}
