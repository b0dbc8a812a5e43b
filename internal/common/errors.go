// Package common defines shared sentinel errors used across the sync server
// layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal      = errors.New("internal error")
	ErrorInvalidInput  = errors.New("invalid input")
	ErrLockHeld        = errors.New("lock held by another owner")
	ErrNoCloudStorage  = errors.New("no cloud storage for account")
	ErrUnknownResolver = errors.New("unknown change resolver")

	// Sharing group lookup errors. Gone means the group existed but was removed.
	ErrSharingGroupNotFound = errors.New("sharing group not found")
	ErrSharingGroupGone     = errors.New("sharing group removed")
	ErrPermissionDenied     = errors.New("permission denied")

	// Deferred upload processing errors.
	ErrNotAllInGroupHaveSameFileGroupUUID = errors.New("not all deferred uploads have the same file group")
	ErrMalformedRecord                    = errors.New("malformed change record")
	ErrNoContentsForUpload                = errors.New("no contents for upload")
)
