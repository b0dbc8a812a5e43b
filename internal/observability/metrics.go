package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics counts deferred-upload and stale-version work.
type SyncMetrics struct {
	batchesApplied metric.Int64Counter
	batchesFailed  metric.Int64Counter
	filesMerged    metric.Int64Counter
	staleDeleted   metric.Int64Counter
	staleFailed    metric.Int64Counter
}

// NewSyncMetrics registers the instruments on meter, or on the global
// provider when meter is nil.
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &SyncMetrics{}
	var err error

	if m.batchesApplied, err = meter.Int64Counter("sync.deferred.batches.applied",
		metric.WithDescription("Deferred upload batches committed"), metric.WithUnit("{batches}")); err != nil {
		return nil, err
	}
	if m.batchesFailed, err = meter.Int64Counter("sync.deferred.batches.failed",
		metric.WithDescription("Deferred upload batches rolled back"), metric.WithUnit("{batches}")); err != nil {
		return nil, err
	}
	if m.filesMerged, err = meter.Int64Counter("sync.deferred.files.merged",
		metric.WithDescription("Files advanced to a new version"), metric.WithUnit("{files}")); err != nil {
		return nil, err
	}
	if m.staleDeleted, err = meter.Int64Counter("sync.stale.deleted",
		metric.WithDescription("Superseded cloud objects removed"), metric.WithUnit("{objects}")); err != nil {
		return nil, err
	}
	if m.staleFailed, err = meter.Int64Counter("sync.stale.failed",
		metric.WithDescription("Superseded cloud objects that could not be removed"), metric.WithUnit("{objects}")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SyncMetrics) BatchApplied(ctx context.Context, sharingGroupUUID string, files int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sharing_group", sharingGroupUUID))
	m.batchesApplied.Add(ctx, 1, attrs)
	m.filesMerged.Add(ctx, int64(files), attrs)
}

func (m *SyncMetrics) BatchFailed(ctx context.Context, sharingGroupUUID string) {
	if m == nil {
		return
	}
	m.batchesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("sharing_group", sharingGroupUUID)))
}

func (m *SyncMetrics) StaleSwept(ctx context.Context, deleted, failed int) {
	if m == nil {
		return
	}
	m.staleDeleted.Add(ctx, int64(deleted))
	m.staleFailed.Add(ctx, int64(failed))
}
