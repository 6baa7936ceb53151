package service

import (
	"context"
	"time"

	"github.com/and161185/tapledger/internal/metrics"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository"
	"go.uber.org/zap"
)

// Mirror receives every stored audit record, e.g. a counter store for rate limiting.
type Mirror interface {
	Record(ctx context.Context, rec model.AuditRecord) error
}

// AuditRecorder appends one record per validation attempt. Record never fails
// the caller: write errors are logged and counted.
type AuditRecorder struct {
	audits  repository.AuditRepository
	mirror  Mirror
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewAuditRecorder constructs AuditRecorder. mirror may be nil.
func NewAuditRecorder(
	audits repository.AuditRepository, mirror Mirror, timeout time.Duration, log *zap.Logger, m *metrics.Metrics,
) *AuditRecorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditRecorder{audits: audits, mirror: mirror, timeout: timeout, log: log, metrics: m}
}

// Record stores rec detached from the caller's cancellation, so a client that
// hangs up still leaves a trace.
func (a *AuditRecorder) Record(ctx context.Context, rec model.AuditRecord) {
	if !rec.Result.Valid() {
		a.log.Error("audit record with unknown result", zap.String("result", string(rec.Result)))
		rec.Result = model.OutcomeInternalError
	}
	ctx = context.WithoutCancel(ctx)
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := a.audits.Insert(ctx, &rec); err != nil {
		a.metrics.AuditFailure()
		a.log.Error("audit write failed",
			zap.String("device_id", rec.DeviceID),
			zap.String("result", string(rec.Result)),
			zap.Error(err))
	}
	if a.mirror == nil {
		return
	}
	if err := a.mirror.Record(ctx, rec); err != nil {
		a.log.Warn("audit mirror failed", zap.String("device_id", rec.DeviceID), zap.Error(err))
	}
}

// Recent returns the newest records of a device.
func (a *AuditRecorder) Recent(ctx context.Context, deviceID string, limit int) ([]model.AuditRecord, error) {
	return a.audits.RecentByDevice(ctx, deviceID, clamp(limit, defaultLimit, maxLimit))
}
