package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/logging"
	"github.com/dmitrijs2005/syncserver/internal/observability"
	"github.com/dmitrijs2005/syncserver/internal/server/accounts"
	"github.com/dmitrijs2005/syncserver/internal/server/cloudstorage"
	"github.com/dmitrijs2005/syncserver/internal/server/config"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/repomanager"
	"go.opentelemetry.io/otel/attribute"
)

type SweepResult struct {
	Scanned int
	Deleted int
	Failed  int
	// RowsRemoved is zero unless every object in the batch is gone.
	RowsRemoved int64
	// UploadsPurged counts expired v0 upload rows.
	UploadsPurged int64
}

// SweeperService removes superseded cloud objects whose grace period has
// ended. Stale rows are dropped only when the whole batch succeeded, so a
// partial failure retries every object next time.
type SweeperService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	credentials accounts.CredentialResolver
	metrics     *observability.SyncMetrics
	logger      logging.Logger
	limit       int
	expiry      time.Duration
	now         func() time.Time
}

func NewSweeperService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, credentials accounts.CredentialResolver,
	metrics *observability.SyncMetrics, logger logging.Logger) *SweeperService {
	return &SweeperService{
		db:          db,
		repomanager: m,
		credentials: credentials,
		metrics:     metrics,
		logger:      logger.With("service", "sweeper"),
		limit:       cfg.StaleVersionBatchLimit,
		expiry:      cfg.StaleVersionExpiry,
		now:         utcNow,
	}
}

func (s *SweeperService) Sweep(ctx context.Context) (result *SweepResult, err error) {
	ctx, span := observability.StartServiceSpan(ctx, "sweeper", "sweep")
	defer func() { observability.End(span, err) }()

	now := s.now()
	stale := s.repomanager.StaleVersions(s.db)

	expired, err := stale.ListExpired(ctx, now, s.limit)
	if err != nil {
		return nil, fmt.Errorf("error listing stale versions: %w", err)
	}
	result = &SweepResult{Scanned: len(expired)}
	span.SetAttributes(attribute.Int("stale_versions", len(expired)))

	if len(expired) > 0 {
		deletions := make([]cloudstorage.Deletion, 0, len(expired))
		for _, sv := range expired {
			deletions = append(deletions, s.deletionFor(ctx, sv))
		}

		results, delErr := cloudstorage.ApplyDeletions(ctx, deletions)
		ids := make([]int64, 0, len(results))
		for _, r := range results {
			if r.Gone() {
				result.Deleted++
			} else {
				result.Failed++
			}
			ids = append(ids, r.Ref)
		}
		s.metrics.StaleSwept(ctx, result.Deleted, result.Failed)

		if result.Failed > 0 {
			s.logger.Warn(ctx, "stale versions kept for retry", "failed", result.Failed, "error", delErr)
		} else if result.RowsRemoved, err = stale.DeleteByIDs(ctx, ids); err != nil {
			return result, fmt.Errorf("error removing stale versions: %w", err)
		}
	}

	if result.UploadsPurged, err = s.repomanager.Uploads(s.db).DeleteCompletedV0(ctx, now.Add(-s.expiry)); err != nil {
		return result, fmt.Errorf("error purging v0 uploads: %w", err)
	}

	if result.Scanned > 0 || result.UploadsPurged > 0 {
		s.logger.Info(ctx, "stale versions swept", "scanned", result.Scanned, "deleted", result.Deleted,
			"failed", result.Failed, "uploads_purged", result.UploadsPurged)
	}
	return result, nil
}

// deletionFor resolves the row's storage. A row whose account cannot be
// resolved becomes a deletion without storage, which always fails.
func (s *SweeperService) deletionFor(ctx context.Context, sv *models.StaleVersion) cloudstorage.Deletion {
	d := cloudstorage.Deletion{Name: sv.CloudFileName(), Ref: sv.ID}
	storage, opts, err := s.credentials.StorageFor(ctx, sv.UserID)
	if err != nil {
		s.logger.Warn(ctx, "no storage for stale version", "stale_version", sv.ID, "user_id", sv.UserID, "error", err)
		return d
	}
	d.Storage = storage
	d.Options = opts.WithMimeType(sv.MimeType)
	return d
}
