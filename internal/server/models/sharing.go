package models

import "fmt"

// Permission is a member's access level inside a sharing group.
// Levels are ordered: read < write < admin.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionAdmin:
		return 3
	default:
		return 0
	}
}

// Valid reports whether p is one of the known levels.
func (p Permission) Valid() bool {
	return p.rank() > 0
}

// HasMinimum reports whether p grants at least min.
func (p Permission) HasMinimum(min Permission) bool {
	return p.Valid() && p.rank() >= min.rank()
}

// ParsePermission converts a stored value into a Permission.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "permission", Message: fmt.Sprintf("unknown value %q", s)}
	}
	return p, nil
}

// SharingGroup is the root of a sync domain; it owns a master version.
type SharingGroup struct {
	SharingGroupUUID string
	Name             string
	Deleted          bool
}

func NewSharingGroup(uuid, name string) (*SharingGroup, error) {
	if err := required("sharingGroupUUID", uuid); err != nil {
		return nil, err
	}
	return &SharingGroup{SharingGroupUUID: uuid, Name: name}, nil
}

// SharingGroupUser is a membership edge. Rows are soft-deleted only.
// OwningUserID is set for sharing (non-owning) users and names the account
// whose cloud storage receives their uploads.
type SharingGroupUser struct {
	ID               int64
	SharingGroupUUID string
	UserID           int64
	OwningUserID     *int64
	Permission       Permission
	Deleted          bool
}

func NewSharingGroupUser(sharingGroupUUID string, userID int64, permission Permission, owningUserID *int64) (*SharingGroupUser, error) {
	if err := required("sharingGroupUUID", sharingGroupUUID); err != nil {
		return nil, err
	}
	if userID <= 0 {
		return nil, &ValidationError{Field: "userId", Message: "must be positive"}
	}
	if !permission.Valid() {
		return nil, &ValidationError{Field: "permission", Message: fmt.Sprintf("unknown value %q", permission)}
	}
	if owningUserID != nil && *owningUserID == userID {
		return nil, &ValidationError{Field: "owningUserId", Message: "a user cannot own itself"}
	}
	return &SharingGroupUser{
		SharingGroupUUID: sharingGroupUUID,
		UserID:           userID,
		OwningUserID:     owningUserID,
		Permission:       permission,
	}, nil
}

// StorageUserID is the account whose cloud storage holds this member's files.
func (u *SharingGroupUser) StorageUserID() int64 {
	if u.OwningUserID != nil {
		return *u.OwningUserID
	}
	return u.UserID
}
