package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/logging"
	"github.com/dmitrijs2005/syncserver/internal/observability"
	"github.com/dmitrijs2005/syncserver/internal/server/accounts"
	"github.com/dmitrijs2005/syncserver/internal/server/cloudstorage"
	"github.com/dmitrijs2005/syncserver/internal/server/config"
	"github.com/dmitrijs2005/syncserver/internal/server/locks"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/syncserver/internal/server/resolvers"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ApplyResult summarizes one committed orchestrator run.
type ApplyResult struct {
	MasterVersion int64
	FilesChanged  int
	FilesDeleted  int
	// ObjectsRemoved counts superseded objects deleted right after commit;
	// the rest are left to the sweeper.
	ObjectsRemoved int
}

// OrchestratorService applies queued changes and deletions for one file
// group at a time. Everything a run does to the metadata store happens in
// a single transaction; superseded cloud objects are removed only after
// that transaction commits.
type OrchestratorService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	registry    *resolvers.Registry
	credentials accounts.CredentialResolver
	locker      locks.Locker
	metrics     *observability.SyncMetrics
	logger      logging.Logger
	lockTTL     time.Duration
	staleExpiry time.Duration
	runTx       txRunner
	now         func() time.Time
}

func NewOrchestratorService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, registry *resolvers.Registry,
	credentials accounts.CredentialResolver, locker locks.Locker, metrics *observability.SyncMetrics, logger logging.Logger) *OrchestratorService {
	return &OrchestratorService{
		db:          db,
		repomanager: m,
		registry:    registry,
		credentials: credentials,
		locker:      locker,
		metrics:     metrics,
		logger:      logger.With("service", "orchestrator"),
		lockTTL:     cfg.LockTTL,
		staleExpiry: cfg.StaleVersionExpiry,
		runTx:       retryingTx(db),
		now:         utcNow,
	}
}

type groupKey struct {
	sharingGroupUUID string
	fileGroupUUID    string
}

// ApplyPending applies up to limit queued entries, one file group at a
// time. A group that fails or is locked elsewhere is skipped and stays
// queued for the next run. It returns the number of groups applied.
func (s *OrchestratorService) ApplyPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.repomanager.DeferredUploads(s.db).ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("error listing deferred uploads: %w", err)
	}

	var order []groupKey
	batches := make(map[groupKey][]*models.DeferredUpload)
	for _, du := range pending {
		k := groupKey{du.SharingGroupUUID, du.FileGroupUUID}
		if _, ok := batches[k]; !ok {
			order = append(order, k)
		}
		batches[k] = append(batches[k], du)
	}

	applied := 0
	for _, k := range order {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		_, err := s.Apply(ctx, k.sharingGroupUUID, k.fileGroupUUID, batches[k])
		switch {
		case err == nil:
			applied++
		case errors.Is(err, common.ErrLockHeld):
			s.logger.Debug(ctx, "file group busy, retrying later", "file_group", k.fileGroupUUID)
		default:
			s.logger.Error(ctx, "applying deferred uploads failed", "sharing_group", k.sharingGroupUUID, "file_group", k.fileGroupUUID, "error", err)
		}
	}
	return applied, nil
}

// Apply runs the given queue entries, which must all belong to fileGroupUUID
// in sharingGroupUUID.
func (s *OrchestratorService) Apply(ctx context.Context, sharingGroupUUID, fileGroupUUID string, dus []*models.DeferredUpload) (result *ApplyResult, err error) {
	if len(dus) == 0 {
		return &ApplyResult{}, nil
	}
	ids := make([]int64, 0, len(dus))
	for _, du := range dus {
		if du.FileGroupUUID != fileGroupUUID || du.SharingGroupUUID != sharingGroupUUID {
			return nil, common.ErrNotAllInGroupHaveSameFileGroupUUID
		}
		ids = append(ids, du.ID)
	}

	ctx, span := observability.StartServiceSpan(ctx, "orchestrator", "apply",
		attribute.String("sharing_group", sharingGroupUUID),
		attribute.String("file_group", fileGroupUUID),
		attribute.Int("deferred_uploads", len(dus)))
	defer func() { observability.End(span, err) }()

	resource := locks.FileGroupResource(fileGroupUUID)
	owner := uuid.NewString()
	ok, err := s.locker.Acquire(ctx, resource, owner, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", resource, common.ErrLockHeld)
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), resource, owner); err != nil {
			s.logger.Warn(ctx, "error releasing lock", "resource", resource, "error", err)
		}
	}()

	run := &applyRun{OrchestratorService: s, sharingGroupUUID: sharingGroupUUID, fileGroupUUID: fileGroupUUID}
	if err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		run.reset()
		return run.apply(ctx, tx, ids)
	}); err != nil {
		s.metrics.BatchFailed(ctx, sharingGroupUUID)
		if errors.Is(err, dbx.ErrCommit) {
			// The next run rewrites the same names.
			s.logger.Warn(ctx, "commit failed after objects were written",
				"sharing_group", sharingGroupUUID, "file_group", fileGroupUUID, "objects", run.written)
		}
		return nil, err
	}
	if run.empty {
		return &ApplyResult{}, nil
	}

	s.metrics.BatchApplied(ctx, sharingGroupUUID, run.result.FilesChanged+run.result.FilesDeleted)
	run.result.ObjectsRemoved = s.removeSuperseded(ctx, run.deletions)

	s.logger.Info(ctx, "deferred uploads applied",
		"sharing_group", sharingGroupUUID, "file_group", fileGroupUUID,
		"changed", run.result.FilesChanged, "deleted", run.result.FilesDeleted,
		"master_version", run.result.MasterVersion)
	return &run.result, nil
}

// removeSuperseded deletes the objects a committed run replaced and drops
// the stale rows of those that are gone. Failures stay for the sweeper.
func (s *OrchestratorService) removeSuperseded(ctx context.Context, deletions []cloudstorage.Deletion) int {
	if len(deletions) == 0 {
		return 0
	}
	results, err := cloudstorage.ApplyDeletions(ctx, deletions)
	if err != nil {
		s.logger.Warn(ctx, "some superseded objects were not removed", "error", err)
	}

	var gone []int64
	for _, r := range results {
		if r.Gone() {
			gone = append(gone, r.Ref)
		}
	}
	if len(gone) == 0 {
		return 0
	}
	if _, err := s.repomanager.StaleVersions(s.db).DeleteByIDs(ctx, gone); err != nil {
		s.logger.Warn(ctx, "error removing stale version rows", "error", err)
	}
	return len(gone)
}

// applyRun holds the state of one transaction attempt.
type applyRun struct {
	*OrchestratorService
	sharingGroupUUID string
	fileGroupUUID    string

	empty     bool
	result    ApplyResult
	deletions []cloudstorage.Deletion
	written   []string
}

func (r *applyRun) reset() {
	r.empty = false
	r.result = ApplyResult{}
	r.deletions = nil
	r.written = nil
}

func (r *applyRun) apply(ctx context.Context, tx dbx.DBTX, ids []int64) error {
	// Entries may have been applied or moved since they were listed.
	locked, err := r.repomanager.DeferredUploads(tx).LockByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("error locking deferred uploads: %w", err)
	}
	var live []int64
	deletion := false
	for _, du := range locked {
		if du.FileGroupUUID != r.fileGroupUUID || du.SharingGroupUUID != r.sharingGroupUUID {
			continue
		}
		live = append(live, du.ID)
		if du.Status == models.DeferredUploadPendingDeletion {
			deletion = true
		}
	}
	if len(live) == 0 {
		r.empty = true
		return nil
	}

	uploads, err := r.repomanager.Uploads(tx).ListByDeferredUploadIDs(ctx, live)
	if err != nil {
		return fmt.Errorf("error listing uploads: %w", err)
	}

	// A queued deletion wins over queued changes to the same group.
	if deletion {
		err = r.deleteGroup(ctx, tx)
	} else {
		err = r.applyChanges(ctx, tx, uploads)
	}
	if err != nil {
		return err
	}

	if len(uploads) > 0 {
		uploadIDs := make([]int64, len(uploads))
		for i, u := range uploads {
			uploadIDs[i] = u.ID
		}
		if _, err := r.repomanager.Uploads(tx).DeleteByIDs(ctx, uploadIDs); err != nil {
			return fmt.Errorf("error removing uploads: %w", err)
		}
	}

	// Lock order is deferred uploads, file index, master version. The
	// counter is only held for the bump, not across cloud I/O.
	versions := r.repomanager.MasterVersions(tx)
	if _, err := versions.GetForUpdate(ctx, r.sharingGroupUUID); err != nil {
		return fmt.Errorf("error locking master version: %w", err)
	}
	if r.result.MasterVersion, err = versions.Increment(ctx, r.sharingGroupUUID); err != nil {
		return fmt.Errorf("error incrementing master version: %w", err)
	}
	if _, err := r.repomanager.DeferredUploads(tx).DeleteByIDs(ctx, live); err != nil {
		return fmt.Errorf("error removing deferred uploads: %w", err)
	}
	return nil
}

// applyChanges merges each file's records, in upload order, into a new
// version. Files are handled one after another.
func (r *applyRun) applyChanges(ctx context.Context, tx dbx.DBTX, uploads []*models.Upload) error {
	var order []string
	records := make(map[string][][]byte)
	for _, u := range uploads {
		if u.State != models.UploadStateVNCompleted {
			continue
		}
		if _, ok := records[u.FileUUID]; !ok {
			order = append(order, u.FileUUID)
		}
		if len(u.UploadContents) == 0 {
			return fmt.Errorf("upload %d: %w", u.ID, common.ErrNoContentsForUpload)
		}
		records[u.FileUUID] = append(records[u.FileUUID], u.UploadContents)
	}

	for _, fileUUID := range order {
		if err := r.applyFile(ctx, tx, fileUUID, records[fileUUID]); err != nil {
			return fmt.Errorf("file %s: %w", fileUUID, err)
		}
	}
	return nil
}

func (r *applyRun) applyFile(ctx context.Context, tx dbx.DBTX, fileUUID string, records [][]byte) error {
	files := r.repomanager.FileIndex(tx)

	fi, err := files.GetForUpdate(ctx, r.sharingGroupUUID, fileUUID)
	if err != nil {
		return fmt.Errorf("error getting file index: %w", err)
	}
	if fi.Deleted {
		// Records for a deleted file are dropped with the rest of the batch.
		return nil
	}
	if fi.ChangeResolverName == nil {
		return fmt.Errorf("no resolver: %w", common.ErrUnknownResolver)
	}

	storage, opts, err := r.credentials.StorageFor(ctx, fi.UserID)
	if err != nil {
		return err
	}
	opts = opts.WithMimeType(fi.MimeType)

	current, err := storage.Download(ctx, fi.CloudFileName(), opts)
	if err != nil {
		return fmt.Errorf("error downloading %s: %w", fi.CloudFileName(), err)
	}
	merged, err := r.registry.Apply(*fi.ChangeResolverName, current, records)
	if err != nil {
		return err
	}

	old := *fi
	fi.FileVersion++
	fi.FileSizeBytes = int64(len(merged))
	fi.UpdateDate = r.now()
	if fi.LastUploadedCheckSum, err = storage.Upload(ctx, fi.CloudFileName(), merged, opts); err != nil {
		return fmt.Errorf("error uploading %s: %w", fi.CloudFileName(), err)
	}
	r.written = append(r.written, fi.CloudFileName())
	if err := files.Update(ctx, fi, old.FileVersion); err != nil {
		return fmt.Errorf("error updating file index: %w", err)
	}

	staleID, err := r.repomanager.StaleVersions(tx).Create(ctx, models.NewStaleVersion(&old, r.now().Add(r.staleExpiry)))
	if err != nil {
		return fmt.Errorf("error recording stale version: %w", err)
	}
	r.deletions = append(r.deletions, cloudstorage.Deletion{Storage: storage, Name: old.CloudFileName(), Options: opts, Ref: staleID})
	r.result.FilesChanged++
	return nil
}

// deleteGroup marks every live file of the group deleted and retires its
// current object.
func (r *applyRun) deleteGroup(ctx context.Context, tx dbx.DBTX) error {
	files := r.repomanager.FileIndex(tx)
	stale := r.repomanager.StaleVersions(tx)

	all, err := files.ListByFileGroup(ctx, r.fileGroupUUID)
	if err != nil {
		return fmt.Errorf("error listing files: %w", err)
	}
	for _, fi := range all {
		if fi.Deleted || fi.SharingGroupUUID != r.sharingGroupUUID {
			continue
		}
		if err := files.MarkDeleted(ctx, fi.ID); err != nil {
			return fmt.Errorf("error deleting file %s: %w", fi.FileUUID, err)
		}
		staleID, err := stale.Create(ctx, models.NewStaleVersion(fi, r.now().Add(r.staleExpiry)))
		if err != nil {
			return fmt.Errorf("error recording stale version: %w", err)
		}
		r.result.FilesDeleted++

		// Without storage the object is left to the sweeper.
		storage, opts, err := r.credentials.StorageFor(ctx, fi.UserID)
		if err != nil {
			r.logger.Warn(ctx, "no storage for deleted file", "file", fi.FileUUID, "error", err)
			continue
		}
		r.deletions = append(r.deletions, cloudstorage.Deletion{
			Storage: storage, Name: fi.CloudFileName(), Options: opts.WithMimeType(fi.MimeType), Ref: staleID,
		})
	}

	if err := r.repomanager.FileGroups(tx).MarkDeleted(ctx, r.fileGroupUUID); err != nil && !errors.Is(err, common.ErrorNotFound) {
		return fmt.Errorf("error deleting file group: %w", err)
	}
	return nil
}
