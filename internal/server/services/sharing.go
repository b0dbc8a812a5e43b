package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/logging"
	"github.com/dmitrijs2005/syncserver/internal/server/config"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// PermissionResult is the outcome of a permission check. Only Success lets
// the caller proceed.
type PermissionResult int

const (
	PermissionSuccess PermissionResult = iota
	PermissionInsufficient
	PermissionGroupNotFound
	PermissionGroupRemoved
)

func (r PermissionResult) String() string {
	switch r {
	case PermissionSuccess:
		return "success"
	case PermissionInsufficient:
		return "insufficientPermission"
	case PermissionGroupNotFound:
		return "sharingGroupNotFound"
	case PermissionGroupRemoved:
		return "sharingGroupRemoved"
	default:
		return fmt.Sprintf("PermissionResult(%d)", int(r))
	}
}

// Err maps a failed result onto the matching sentinel; Success gives nil.
func (r PermissionResult) Err() error {
	switch r {
	case PermissionSuccess:
		return nil
	case PermissionGroupNotFound:
		return common.ErrSharingGroupNotFound
	case PermissionGroupRemoved:
		return common.ErrSharingGroupGone
	default:
		return common.ErrPermissionDenied
	}
}

type MoveRequest struct {
	UserID                      int64
	SourceSharingGroupUUID      string
	DestinationSharingGroupUUID string
	FileGroupUUIDs              []string
}

type MoveResult int

const (
	MoveResultSuccess MoveResult = iota
	MoveResultFailedWithNotAllOwnersInTarget
)

func (r MoveResult) String() string {
	if r == MoveResultSuccess {
		return "success"
	}
	return "failedWithNotAllOwnersInTarget"
}

// SharingService owns membership, permission and file-group relocation.
// Every mutation is a single transaction that also bumps the affected
// master versions.
type SharingService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	logger      logging.Logger
	staleExpiry time.Duration
	runTx       txRunner
	now         func() time.Time
}

func NewSharingService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *SharingService {
	return &SharingService{
		db:          db,
		repomanager: m,
		logger:      logger.With("service", "sharing"),
		staleExpiry: cfg.StaleVersionExpiry,
		runTx:       retryingTx(db),
		now:         utcNow,
	}
}

// CheckPermission runs the check against the pool.
func (s *SharingService) CheckPermission(ctx context.Context, userID int64, sharingGroupUUID string, minimum models.Permission) (PermissionResult, error) {
	res, _, err := s.checkPermission(ctx, s.db, userID, sharingGroupUUID, minimum)
	return res, err
}

// checkPermission also returns the caller's membership on success so
// intake can charge the right storage account.
func (s *SharingService) checkPermission(ctx context.Context, db dbx.DBTX, userID int64, sharingGroupUUID string, minimum models.Permission) (PermissionResult, *models.SharingGroupUser, error) {
	group, err := s.repomanager.SharingGroups(db).Get(ctx, sharingGroupUUID)
	if err != nil {
		if isNotFound(err) {
			return PermissionGroupNotFound, nil, nil
		}
		return 0, nil, fmt.Errorf("error getting sharing group: %w", err)
	}
	if group.Deleted {
		return PermissionGroupRemoved, nil, nil
	}

	member, err := s.repomanager.SharingGroupUsers(db).GetActive(ctx, sharingGroupUUID, userID)
	if err != nil {
		if isNotFound(err) {
			return PermissionInsufficient, nil, nil
		}
		return 0, nil, fmt.Errorf("error getting membership: %w", err)
	}
	if !member.Permission.HasMinimum(minimum) {
		return PermissionInsufficient, member, nil
	}
	return PermissionSuccess, member, nil
}

// requirePermission is checkPermission folded into a single error.
func (s *SharingService) requirePermission(ctx context.Context, db dbx.DBTX, userID int64, sharingGroupUUID string, minimum models.Permission) (*models.SharingGroupUser, error) {
	res, member, err := s.checkPermission(ctx, db, userID, sharingGroupUUID, minimum)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("user %d on %s: %w", userID, sharingGroupUUID, err)
	}
	return member, nil
}

// CreateSharingGroup creates a group with the creator as its admin and a
// master version of 0. An empty uuid gets a fresh one.
func (s *SharingService) CreateSharingGroup(ctx context.Context, userID int64, sharingGroupUUID, name string) (*models.SharingGroup, error) {
	if sharingGroupUUID == "" {
		sharingGroupUUID = uuid.NewString()
	}
	group, err := models.NewSharingGroup(sharingGroupUUID, name)
	if err != nil {
		return nil, err
	}
	admin, err := models.NewSharingGroupUser(sharingGroupUUID, userID, models.PermissionAdmin, nil)
	if err != nil {
		return nil, err
	}

	err = s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.SharingGroups(tx).Create(ctx, group); err != nil {
			return fmt.Errorf("error creating sharing group: %w", err)
		}
		if _, err := s.repomanager.SharingGroupUsers(tx).Add(ctx, admin); err != nil {
			return fmt.Errorf("error adding admin: %w", err)
		}
		if err := s.repomanager.MasterVersions(tx).Create(ctx, sharingGroupUUID); err != nil {
			return fmt.Errorf("error creating master version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "sharing group created", "sharing_group", sharingGroupUUID, "user_id", userID)
	return group, nil
}

// AddUser joins userID to an active group. owningUserID, when set, must be
// an active member whose storage the new user will write into. A member
// that left earlier is re-activated with the new permission.
func (s *SharingService) AddUser(ctx context.Context, sharingGroupUUID string, userID int64, permission models.Permission, owningUserID *int64) (*models.SharingGroupUser, error) {
	member, err := models.NewSharingGroupUser(sharingGroupUUID, userID, permission, owningUserID)
	if err != nil {
		return nil, err
	}

	var added *models.SharingGroupUser
	err = s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		group, err := s.repomanager.SharingGroups(tx).Get(ctx, sharingGroupUUID)
		if err != nil {
			if isNotFound(err) {
				return common.ErrSharingGroupNotFound
			}
			return fmt.Errorf("error getting sharing group: %w", err)
		}
		if group.Deleted {
			return common.ErrSharingGroupGone
		}

		members := s.repomanager.SharingGroupUsers(tx)
		if owningUserID != nil {
			if _, err := members.GetActive(ctx, sharingGroupUUID, *owningUserID); err != nil {
				if isNotFound(err) {
					return &models.ValidationError{Field: "owningUserId", Message: "not a member of the sharing group"}
				}
				return fmt.Errorf("error getting owning user: %w", err)
			}
		}

		added, err = members.Add(ctx, member)
		if err != nil {
			return fmt.Errorf("error adding member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func validateMove(req MoveRequest) error {
	if req.SourceSharingGroupUUID == "" || req.DestinationSharingGroupUUID == "" {
		return &models.ValidationError{Field: "sharingGroupUUID", Message: "required"}
	}
	if req.SourceSharingGroupUUID == req.DestinationSharingGroupUUID {
		return &models.ValidationError{Field: "destinationSharingGroupUUID", Message: "same as source"}
	}
	if len(req.FileGroupUUIDs) == 0 {
		return &models.ValidationError{Field: "fileGroupUUIDs", Message: "required"}
	}
	seen := make(map[string]struct{}, len(req.FileGroupUUIDs))
	for _, fg := range req.FileGroupUUIDs {
		if _, ok := seen[fg]; ok {
			return &models.ValidationError{Field: "fileGroupUUIDs", Message: "duplicate " + fg}
		}
		seen[fg] = struct{}{}
	}
	return nil
}

// MoveFileGroups relocates file groups, with their files and queued work,
// from one sharing group to another. When the creator or a storage owner
// of any group is not an active member of the destination nothing changes
// and MoveResultFailedWithNotAllOwnersInTarget is returned.
func (s *SharingService) MoveFileGroups(ctx context.Context, req MoveRequest) (MoveResult, error) {
	if err := validateMove(req); err != nil {
		return 0, err
	}
	src, dst := req.SourceSharingGroupUUID, req.DestinationSharingGroupUUID

	result := MoveResultSuccess
	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		result = MoveResultSuccess

		for _, sg := range []string{src, dst} {
			if _, err := s.requirePermission(ctx, tx, req.UserID, sg, models.PermissionAdmin); err != nil {
				return err
			}
		}

		groups, err := s.repomanager.FileGroups(tx).GetMany(ctx, req.FileGroupUUIDs)
		if err != nil {
			return fmt.Errorf("error getting file groups: %w", err)
		}
		if len(groups) != len(req.FileGroupUUIDs) {
			return fmt.Errorf("file groups: %w", common.ErrorNotFound)
		}

		var owners []int64
		for _, g := range groups {
			if g.SharingGroupUUID != src {
				return &models.ValidationError{Field: "fileGroupUUIDs", Message: g.FileGroupUUID + " is not in the source sharing group"}
			}
			if g.Deleted {
				return &models.ValidationError{Field: "fileGroupUUIDs", Message: g.FileGroupUUID + " is deleted"}
			}
			if !slices.Contains(owners, g.UserID) {
				owners = append(owners, g.UserID)
			}
			// Files are charged to their storage account, which must follow
			// the group too.
			files, err := s.repomanager.FileIndex(tx).ListByFileGroup(ctx, g.FileGroupUUID)
			if err != nil {
				return fmt.Errorf("error listing files of %s: %w", g.FileGroupUUID, err)
			}
			for _, fi := range files {
				if !fi.Deleted && !slices.Contains(owners, fi.UserID) {
					owners = append(owners, fi.UserID)
				}
			}
		}

		present, err := s.repomanager.SharingGroupUsers(tx).CountActiveMembers(ctx, dst, owners)
		if err != nil {
			return fmt.Errorf("error counting owners in target: %w", err)
		}
		if present < len(owners) {
			result = MoveResultFailedWithNotAllOwnersInTarget
			return nil
		}

		// Lock both counters in a fixed order so concurrent moves in opposite
		// directions cannot deadlock.
		versions := s.repomanager.MasterVersions(tx)
		ordered := []string{src, dst}
		slices.Sort(ordered)
		for _, sg := range ordered {
			if _, err := versions.GetForUpdate(ctx, sg); err != nil {
				return fmt.Errorf("error locking master version: %w", err)
			}
		}

		if _, err := s.repomanager.FileGroups(tx).Move(ctx, req.FileGroupUUIDs, src, dst); err != nil {
			return fmt.Errorf("error moving file groups: %w", err)
		}
		if _, err := s.repomanager.FileIndex(tx).MoveFileGroups(ctx, req.FileGroupUUIDs, src, dst); err != nil {
			return fmt.Errorf("error moving files: %w", err)
		}
		if _, err := s.repomanager.Uploads(tx).MoveFileGroups(ctx, req.FileGroupUUIDs, src, dst); err != nil {
			return fmt.Errorf("error moving uploads: %w", err)
		}
		if _, err := s.repomanager.DeferredUploads(tx).MoveFileGroups(ctx, req.FileGroupUUIDs, src, dst); err != nil {
			return fmt.Errorf("error moving deferred uploads: %w", err)
		}

		for _, sg := range ordered {
			if _, err := versions.Increment(ctx, sg); err != nil {
				return fmt.Errorf("error incrementing master version: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if result == MoveResultSuccess {
		s.logger.Info(ctx, "file groups moved", "from", src, "to", dst, "count", len(req.FileGroupUUIDs))
	} else {
		s.logger.Info(ctx, "file group move rejected", "from", src, "to", dst, "result", result.String())
	}
	return result, nil
}

// RemoveUserFromSharingGroup takes userID out of the group. Members that
// wrote into userID's storage are detached, userID's files are marked
// deleted, and the group itself goes when no active member is left.
func (s *SharingService) RemoveUserFromSharingGroup(ctx context.Context, userID int64, sharingGroupUUID string) error {
	groupRemoved := false
	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		groupRemoved = false

		res, _, err := s.checkPermission(ctx, tx, userID, sharingGroupUUID, models.PermissionRead)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return fmt.Errorf("user %d on %s: %w", userID, sharingGroupUUID, err)
		}

		if _, err := s.repomanager.MasterVersions(tx).GetForUpdate(ctx, sharingGroupUUID); err != nil {
			return fmt.Errorf("error locking master version: %w", err)
		}

		members := s.repomanager.SharingGroupUsers(tx)
		if _, err := members.ResetOwningUserIDs(ctx, sharingGroupUUID, userID); err != nil {
			return fmt.Errorf("error resetting owning users: %w", err)
		}
		if err := members.MarkDeleted(ctx, sharingGroupUUID, userID); err != nil {
			return fmt.Errorf("error removing membership: %w", err)
		}

		files, err := s.repomanager.FileIndex(tx).MarkDeletedForUser(ctx, sharingGroupUUID, userID)
		if err != nil {
			return fmt.Errorf("error deleting user files: %w", err)
		}
		if err := s.retireFiles(ctx, tx, files); err != nil {
			return err
		}
		if _, err := s.repomanager.FileGroups(tx).MarkDeletedForUser(ctx, sharingGroupUUID, userID); err != nil {
			return fmt.Errorf("error deleting user file groups: %w", err)
		}

		remaining, err := members.ListActive(ctx, sharingGroupUUID)
		if err != nil {
			return fmt.Errorf("error listing members: %w", err)
		}
		if len(remaining) == 0 {
			if err := s.removeGroupContents(ctx, tx, sharingGroupUUID); err != nil {
				return err
			}
			groupRemoved = true
		}

		if _, err := s.repomanager.MasterVersions(tx).Increment(ctx, sharingGroupUUID); err != nil {
			return fmt.Errorf("error incrementing master version: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "user removed from sharing group", "sharing_group", sharingGroupUUID, "user_id", userID, "group_removed", groupRemoved)
	return nil
}

// RemoveSharingGroup soft-deletes the group, every membership and every
// file in it. Only an admin may do this.
func (s *SharingService) RemoveSharingGroup(ctx context.Context, userID int64, sharingGroupUUID string) error {
	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.requirePermission(ctx, tx, userID, sharingGroupUUID, models.PermissionAdmin); err != nil {
			return err
		}
		if _, err := s.repomanager.MasterVersions(tx).GetForUpdate(ctx, sharingGroupUUID); err != nil {
			return fmt.Errorf("error locking master version: %w", err)
		}

		// Owning references are cleared before the owners go so none is left
		// pointing at a removed membership.
		members := s.repomanager.SharingGroupUsers(tx)
		active, err := members.ListActive(ctx, sharingGroupUUID)
		if err != nil {
			return fmt.Errorf("error listing members: %w", err)
		}
		for _, m := range active {
			if _, err := members.ResetOwningUserIDs(ctx, sharingGroupUUID, m.UserID); err != nil {
				return fmt.Errorf("error resetting owning users: %w", err)
			}
		}
		if _, err := members.MarkAllDeleted(ctx, sharingGroupUUID); err != nil {
			return fmt.Errorf("error removing memberships: %w", err)
		}

		if err := s.removeGroupContents(ctx, tx, sharingGroupUUID); err != nil {
			return err
		}

		if _, err := s.repomanager.MasterVersions(tx).Increment(ctx, sharingGroupUUID); err != nil {
			return fmt.Errorf("error incrementing master version: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "sharing group removed", "sharing_group", sharingGroupUUID, "user_id", userID)
	return nil
}

func (s *SharingService) removeGroupContents(ctx context.Context, tx dbx.DBTX, sharingGroupUUID string) error {
	files, err := s.repomanager.FileIndex(tx).MarkDeletedForSharingGroup(ctx, sharingGroupUUID)
	if err != nil {
		return fmt.Errorf("error deleting group files: %w", err)
	}
	if err := s.retireFiles(ctx, tx, files); err != nil {
		return err
	}
	if _, err := s.repomanager.FileGroups(tx).MarkDeletedInSharingGroup(ctx, sharingGroupUUID); err != nil {
		return fmt.Errorf("error deleting group file groups: %w", err)
	}
	if err := s.repomanager.SharingGroups(tx).MarkDeleted(ctx, sharingGroupUUID); err != nil && !errors.Is(err, common.ErrorNotFound) {
		return fmt.Errorf("error deleting sharing group: %w", err)
	}
	return nil
}

// retireFiles hands the current objects of newly deleted files to the
// sweeper.
func (s *SharingService) retireFiles(ctx context.Context, tx dbx.DBTX, files []*models.FileIndex) error {
	if len(files) == 0 {
		return nil
	}
	stale := s.repomanager.StaleVersions(tx)
	expiry := s.now().Add(s.staleExpiry)
	for _, fi := range files {
		if _, err := stale.Create(ctx, models.NewStaleVersion(fi, expiry)); err != nil {
			return fmt.Errorf("error recording stale version: %w", err)
		}
	}
	return nil
}
