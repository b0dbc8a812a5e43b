package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/logging"
	"github.com/dmitrijs2005/syncserver/internal/server/accounts"
	"github.com/dmitrijs2005/syncserver/internal/server/cloudstorage"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/syncserver/internal/server/resolvers"
	"github.com/google/uuid"
)

type UploadStatus int

const (
	UploadStatusSuccess UploadStatus = iota
	// UploadStatusMasterVersionUpdate tells the client to refresh; nothing
	// was recorded.
	UploadStatusMasterVersionUpdate
)

type UploadResult struct {
	Status        UploadStatus
	MasterVersion int64
	// AlreadyApplied is set when the request repeated earlier work.
	AlreadyApplied bool
	// DeferredUploadID is the queue entry a change or deletion joined.
	DeferredUploadID int64
}

// UploadRequest is one file upload. FileVersion 0 creates the file; any
// later version queues Contents as a change record for the file's resolver.
type UploadRequest struct {
	UserID             int64
	DeviceUUID         string
	SharingGroupUUID   string
	FileGroupUUID      string
	FileUUID           string
	MasterVersion      int64
	FileVersion        int64
	MimeType           string
	ChangeResolverName *string
	ObjectType         string
	Contents           []byte
	CheckSum           string
	BatchUUID          *string
}

// DeletionRequest removes every file of a file group.
type DeletionRequest struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string
	FileGroupUUID    string
	MasterVersion    int64
}

// IntakeService validates uploads against the master version and sharing
// permissions and records them. New files land in storage right away;
// changes and deletions are queued for the orchestrator.
type IntakeService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	sharing     *SharingService
	registry    *resolvers.Registry
	credentials accounts.CredentialResolver
	logger      logging.Logger
	runTx       txRunner
	now         func() time.Time
}

func NewIntakeService(db *sql.DB, m repomanager.RepositoryManager, sharing *SharingService, registry *resolvers.Registry, credentials accounts.CredentialResolver, logger logging.Logger) *IntakeService {
	return &IntakeService{
		db:          db,
		repomanager: m,
		sharing:     sharing,
		registry:    registry,
		credentials: credentials,
		logger:      logger.With("service", "intake"),
		runTx:       retryingTx(db),
		now:         utcNow,
	}
}

// gate locks the master version, checks the caller's permission and
// compares the declared version. A nil result means the caller may
// proceed; otherwise the result carries the current version.
func (s *IntakeService) gate(ctx context.Context, tx dbx.DBTX, userID int64, sharingGroupUUID string, declared int64) (*models.SharingGroupUser, *UploadResult, error) {
	current, err := s.repomanager.MasterVersions(tx).GetForUpdate(ctx, sharingGroupUUID)
	if err != nil && !isNotFound(err) {
		return nil, nil, fmt.Errorf("error getting master version: %w", err)
	}

	member, err := s.sharing.requirePermission(ctx, tx, userID, sharingGroupUUID, models.PermissionWrite)
	if err != nil {
		return nil, nil, err
	}

	if current != declared {
		return nil, &UploadResult{Status: UploadStatusMasterVersionUpdate, MasterVersion: current}, nil
	}
	return member, nil, nil
}

func (s *IntakeService) UploadFile(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if len(req.Contents) == 0 {
		return nil, common.ErrNoContentsForUpload
	}
	if req.FileVersion < 0 {
		return nil, &models.ValidationError{Field: "fileVersion", Message: "must not be negative"}
	}

	var result *UploadResult
	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		member, mismatch, err := s.gate(ctx, tx, req.UserID, req.SharingGroupUUID, req.MasterVersion)
		if err != nil {
			return err
		}
		if mismatch != nil {
			result = mismatch
			return nil
		}

		if req.FileVersion == 0 {
			result, err = s.uploadV0(ctx, tx, member, req)
		} else {
			result, err = s.queueChange(ctx, tx, req)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *IntakeService) uploadV0(ctx context.Context, tx dbx.DBTX, member *models.SharingGroupUser, req UploadRequest) (*UploadResult, error) {
	files := s.repomanager.FileIndex(tx)
	uploads := s.repomanager.Uploads(tx)

	upload, err := models.NewUpload(req.FileUUID, req.FileGroupUUID, req.SharingGroupUUID, req.UserID, req.DeviceUUID, 0, models.UploadStateV0Completed)
	if err != nil {
		return nil, err
	}
	upload.CheckSum = req.CheckSum
	upload.CreationDate = s.now()

	existing, err := files.Get(ctx, req.SharingGroupUUID, req.FileUUID)
	switch {
	case err == nil:
		duplicate, err := s.isDuplicateV0(ctx, tx, existing, req)
		if err != nil {
			return nil, err
		}
		if duplicate {
			return &UploadResult{Status: UploadStatusSuccess, MasterVersion: req.MasterVersion, AlreadyApplied: true}, nil
		}
		return nil, fmt.Errorf("file %s: %w", req.FileUUID, common.ErrorAlreadyExists)
	case !isNotFound(err):
		return nil, fmt.Errorf("error getting file: %w", err)
	}

	if req.ChangeResolverName != nil && *req.ChangeResolverName != "" && !s.registry.Has(*req.ChangeResolverName) {
		return nil, fmt.Errorf("%q: %w", *req.ChangeResolverName, common.ErrUnknownResolver)
	}
	if req.CheckSum != "" && cloudstorage.Checksum(req.Contents) != req.CheckSum {
		return nil, &models.ValidationError{Field: "checkSum", Message: "does not match contents"}
	}

	group, err := s.ensureFileGroup(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	owner, err := s.groupOwner(ctx, tx, group, member)
	if err != nil {
		return nil, err
	}

	fi, err := models.NewFileIndex(req.FileUUID, group, owner, req.DeviceUUID, req.MimeType, req.ChangeResolverName, s.now())
	if err != nil {
		return nil, err
	}

	storage, opts, err := s.credentials.StorageFor(ctx, fi.UserID)
	if err != nil {
		return nil, err
	}
	// Written before commit; a failed commit leaves an unreferenced object.
	checksum, err := storage.Upload(ctx, fi.CloudFileName(), req.Contents, opts.WithMimeType(fi.MimeType))
	if err != nil {
		return nil, fmt.Errorf("error uploading %s: %w", fi.CloudFileName(), err)
	}
	fi.FileSizeBytes = int64(len(req.Contents))
	fi.LastUploadedCheckSum = checksum

	if fi.ID, err = files.Create(ctx, fi); err != nil {
		return nil, fmt.Errorf("error creating file index: %w", err)
	}
	upload.FileGroupUUID = group.FileGroupUUID
	if _, err := uploads.Create(ctx, upload); err != nil {
		return nil, fmt.Errorf("error creating upload: %w", err)
	}

	version, err := s.repomanager.MasterVersions(tx).Increment(ctx, req.SharingGroupUUID)
	if err != nil {
		return nil, fmt.Errorf("error incrementing master version: %w", err)
	}

	s.logger.Info(ctx, "file created", "sharing_group", req.SharingGroupUUID, "file", req.FileUUID, "master_version", version)
	return &UploadResult{Status: UploadStatusSuccess, MasterVersion: version}, nil
}

// isDuplicateV0 reports whether req repeats the v0 upload that created
// existing. The checksum only counts while the file is still at version 0,
// since applied changes replace it.
func (s *IntakeService) isDuplicateV0(ctx context.Context, tx dbx.DBTX, existing *models.FileIndex, req UploadRequest) (bool, error) {
	group, err := s.repomanager.FileGroups(tx).Get(ctx, existing.FileGroupUUID)
	if err != nil {
		return false, fmt.Errorf("error getting file group: %w", err)
	}

	duplicate := req.FileGroupUUID == existing.FileGroupUUID &&
		req.MimeType == existing.MimeType &&
		sameResolver(req.ChangeResolverName, existing.ChangeResolverName) &&
		req.SharingGroupUUID == group.SharingGroupUUID &&
		req.ObjectType == group.ObjectType &&
		req.UserID == group.UserID
	if existing.FileVersion == 0 {
		duplicate = duplicate && cloudstorage.Checksum(req.Contents) == existing.LastUploadedCheckSum
	}
	return duplicate, nil
}

func sameResolver(a, b *string) bool {
	if a == nil || *a == "" {
		return b == nil || *b == ""
	}
	return b != nil && *a == *b
}

// groupOwner picks the storage account for a new file. Files joining an
// existing file group go to the account already holding its files, so a
// group never spans several owners.
func (s *IntakeService) groupOwner(ctx context.Context, tx dbx.DBTX, group *models.FileGroup, member *models.SharingGroupUser) (int64, error) {
	existing, err := s.repomanager.FileIndex(tx).ListByFileGroup(ctx, group.FileGroupUUID)
	if err != nil {
		return 0, fmt.Errorf("error listing file group: %w", err)
	}
	if len(existing) > 0 {
		return existing[0].UserID, nil
	}
	return member.StorageUserID(), nil
}

func (s *IntakeService) ensureFileGroup(ctx context.Context, tx dbx.DBTX, req UploadRequest) (*models.FileGroup, error) {
	groups := s.repomanager.FileGroups(tx)

	group, err := groups.Get(ctx, req.FileGroupUUID)
	if err == nil {
		if group.SharingGroupUUID != req.SharingGroupUUID {
			return nil, &models.ValidationError{Field: "fileGroupUUID", Message: "belongs to another sharing group"}
		}
		if group.Deleted {
			return nil, &models.ValidationError{Field: "fileGroupUUID", Message: "deleted"}
		}
		return group, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("error getting file group: %w", err)
	}

	group, err = models.NewFileGroup(req.FileGroupUUID, req.SharingGroupUUID, req.UserID, req.ObjectType)
	if err != nil {
		return nil, err
	}
	if err := groups.Create(ctx, group); err != nil {
		return nil, fmt.Errorf("error creating file group: %w", err)
	}
	return group, nil
}

func (s *IntakeService) queueChange(ctx context.Context, tx dbx.DBTX, req UploadRequest) (*UploadResult, error) {
	done := &UploadResult{Status: UploadStatusSuccess, MasterVersion: req.MasterVersion, AlreadyApplied: true}

	fi, err := s.repomanager.FileIndex(tx).Get(ctx, req.SharingGroupUUID, req.FileUUID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("file %s: %w", req.FileUUID, common.ErrorNotFound)
		}
		return nil, fmt.Errorf("error getting file: %w", err)
	}
	if fi.Deleted || req.FileVersion <= fi.FileVersion {
		return done, nil
	}
	if req.FileVersion > fi.FileVersion+1 {
		return nil, &models.ValidationError{Field: "fileVersion", Message: fmt.Sprintf("expected %d", fi.FileVersion+1)}
	}
	if fi.ChangeResolverName == nil {
		return nil, &models.ValidationError{Field: "changeResolverName", Message: "file does not accept changes"}
	}

	upload, err := models.NewUpload(fi.FileUUID, fi.FileGroupUUID, fi.SharingGroupUUID, req.UserID, req.DeviceUUID, req.FileVersion, models.UploadStateVNCompleted)
	if err != nil {
		return nil, err
	}
	upload.CheckSum = req.CheckSum
	upload.CreationDate = s.now()

	uploads := s.repomanager.Uploads(tx)
	if dup, err := uploads.FindDuplicate(ctx, upload); err == nil {
		if dup.DeferredUploadID != nil {
			done.DeferredUploadID = *dup.DeferredUploadID
		}
		return done, nil
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("error finding upload: %w", err)
	}

	// Requests without a batch each get their own queue entry.
	batch := req.BatchUUID
	if batch == nil {
		b := uuid.NewString()
		batch = &b
	}
	duID, err := s.deferredUploadFor(ctx, tx, fi.SharingGroupUUID, fi.FileGroupUUID, req.UserID, models.DeferredUploadPendingChange, batch)
	if err != nil {
		return nil, err
	}

	upload.DeferredUploadID = &duID
	upload.UploadContents = req.Contents
	if _, err := uploads.Create(ctx, upload); err != nil {
		return nil, fmt.Errorf("error creating upload: %w", err)
	}

	s.logger.Debug(ctx, "change queued", "file", fi.FileUUID, "deferred_upload", duID, "device", req.DeviceUUID)
	return &UploadResult{Status: UploadStatusSuccess, MasterVersion: req.MasterVersion, DeferredUploadID: duID}, nil
}

// deferredUploadFor joins the pending entry for the file group and status,
// creating one when none is waiting.
func (s *IntakeService) deferredUploadFor(ctx context.Context, tx dbx.DBTX, sharingGroupUUID, fileGroupUUID string, userID int64, status models.DeferredUploadStatus, batch *string) (int64, error) {
	repo := s.repomanager.DeferredUploads(tx)

	pending, err := repo.FindPending(ctx, sharingGroupUUID, fileGroupUUID, status, batch)
	if err == nil {
		return pending.ID, nil
	}
	if !isNotFound(err) {
		return 0, fmt.Errorf("error finding deferred upload: %w", err)
	}

	du, err := models.NewDeferredUpload(fileGroupUUID, sharingGroupUUID, userID, status, batch)
	if err != nil {
		return 0, err
	}
	du.CreationDate = s.now()
	id, err := repo.Create(ctx, du)
	if err != nil {
		return 0, fmt.Errorf("error creating deferred upload: %w", err)
	}
	return id, nil
}

// UploadDeletion queues the removal of a file group. Repeating it, or
// deleting a group that is already gone, succeeds without another entry.
func (s *IntakeService) UploadDeletion(ctx context.Context, req DeletionRequest) (*UploadResult, error) {
	var result *UploadResult
	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		_, mismatch, err := s.gate(ctx, tx, req.UserID, req.SharingGroupUUID, req.MasterVersion)
		if err != nil {
			return err
		}
		if mismatch != nil {
			result = mismatch
			return nil
		}

		group, err := s.repomanager.FileGroups(tx).Get(ctx, req.FileGroupUUID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("file group %s: %w", req.FileGroupUUID, common.ErrorNotFound)
			}
			return fmt.Errorf("error getting file group: %w", err)
		}
		if group.SharingGroupUUID != req.SharingGroupUUID {
			return &models.ValidationError{Field: "fileGroupUUID", Message: "belongs to another sharing group"}
		}

		done := &UploadResult{Status: UploadStatusSuccess, MasterVersion: req.MasterVersion, AlreadyApplied: true}
		if group.Deleted {
			result = done
			return nil
		}

		dus := s.repomanager.DeferredUploads(tx)
		if pending, err := dus.FindPending(ctx, req.SharingGroupUUID, req.FileGroupUUID, models.DeferredUploadPendingDeletion, nil); err == nil {
			done.DeferredUploadID = pending.ID
			result = done
			return nil
		} else if !isNotFound(err) {
			return fmt.Errorf("error finding deferred upload: %w", err)
		}

		duID, err := s.deferredUploadFor(ctx, tx, req.SharingGroupUUID, req.FileGroupUUID, req.UserID, models.DeferredUploadPendingDeletion, nil)
		if err != nil {
			return err
		}

		files, err := s.repomanager.FileIndex(tx).ListByFileGroup(ctx, req.FileGroupUUID)
		if err != nil {
			return fmt.Errorf("error listing files: %w", err)
		}
		uploads := s.repomanager.Uploads(tx)
		for _, fi := range files {
			if fi.Deleted {
				continue
			}
			u, err := models.NewUpload(fi.FileUUID, fi.FileGroupUUID, fi.SharingGroupUUID, req.UserID, req.DeviceUUID, fi.FileVersion, models.UploadStateDeleteCompleted)
			if err != nil {
				return err
			}
			u.DeferredUploadID = &duID
			u.CreationDate = s.now()
			if _, err := uploads.Create(ctx, u); err != nil {
				return fmt.Errorf("error creating upload: %w", err)
			}
		}

		result = &UploadResult{Status: UploadStatusSuccess, MasterVersion: req.MasterVersion, DeferredUploadID: duID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
