package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
)

// PointRegistry answers which dispensing points exist and whether they serve.
type PointRegistry interface {
	Get(ctx context.Context, id int64) (model.DispensingPoint, error)
	IsActive(ctx context.Context, id int64) (bool, error)
	ListActive(ctx context.Context) ([]model.DispensingPoint, error)
	Status(ctx context.Context, id int64) (model.PointStatus, error)
	Create(ctx context.Context, p model.DispensingPoint) (model.DispensingPoint, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

type PointRegistryImpl struct {
	points repository.PointRepository
	audits repository.AuditRepository
	now    func() time.Time
}

// NewPointRegistry constructs PointRegistry. audits feeds Status.
func NewPointRegistry(points repository.PointRepository, audits repository.AuditRepository) *PointRegistryImpl {
	return &PointRegistryImpl{points: points, audits: audits, now: time.Now}
}

// Get returns errs.ErrNotFound for unknown points.
func (r *PointRegistryImpl) Get(ctx context.Context, id int64) (model.DispensingPoint, error) {
	p, err := r.points.Get(ctx, id)
	if err != nil {
		return model.DispensingPoint{}, err
	}
	return *p, nil
}

// IsActive reports false, not an error, for unknown points.
func (r *PointRegistryImpl) IsActive(ctx context.Context, id int64) (bool, error) {
	p, err := r.points.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Active, nil
}

func (r *PointRegistryImpl) ListActive(ctx context.Context) ([]model.DispensingPoint, error) {
	return r.points.ListActive(ctx)
}

// Status reports the last successful dispense and today's count in local time.
func (r *PointRegistryImpl) Status(ctx context.Context, id int64) (model.PointStatus, error) {
	p, err := r.points.Get(ctx, id)
	if err != nil {
		return model.PointStatus{}, err
	}
	last, err := r.audits.LastSuccess(ctx, id)
	if err != nil {
		return model.PointStatus{}, fmt.Errorf("last success: %w", err)
	}
	now := r.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	n, err := r.audits.CountSuccessSince(ctx, id, midnight)
	if err != nil {
		return model.PointStatus{}, fmt.Errorf("count today: %w", err)
	}
	return model.PointStatus{Point: *p, LastUsedAt: last, UsesToday: n}, nil
}

// Create validates and stores a point.
func (r *PointRegistryImpl) Create(ctx context.Context, p model.DispensingPoint) (model.DispensingPoint, error) {
	p.Name = strings.TrimSpace(p.Name)
	switch {
	case p.Name == "":
		return model.DispensingPoint{}, fmt.Errorf("%w: name is required", errs.ErrInvalidArgument)
	case p.DoseUnits <= 0:
		return model.DispensingPoint{}, fmt.Errorf("%w: dose must be positive", errs.ErrInvalidArgument)
	case p.PriceMinor <= 0:
		return model.DispensingPoint{}, fmt.Errorf("%w: price must be positive", errs.ErrInvalidArgument)
	}
	if err := r.points.Create(ctx, &p); err != nil {
		return model.DispensingPoint{}, err
	}
	return p, nil
}

func (r *PointRegistryImpl) SetActive(ctx context.Context, id int64, active bool) error {
	return r.points.SetActive(ctx, id, active)
}
