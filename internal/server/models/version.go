package models

import "time"

// MasterVersion is the optimistic-concurrency counter of a sharing group.
type MasterVersion struct {
	SharingGroupUUID string
	Version          int64
}

// StaleVersion marks a superseded cloud object that may be deleted once
// ExpiryDate has passed.
type StaleVersion struct {
	ID               int64
	FileIndexID      int64
	FileUUID         string
	SharingGroupUUID string
	DeviceUUID       string
	MimeType         string
	UserID           int64
	FileVersion      int64
	ExpiryDate       time.Time
}

// NewStaleVersion records the current version of fi as superseded.
func NewStaleVersion(fi *FileIndex, expiry time.Time) *StaleVersion {
	return &StaleVersion{
		FileIndexID:      fi.ID,
		FileUUID:         fi.FileUUID,
		SharingGroupUUID: fi.SharingGroupUUID,
		DeviceUUID:       fi.DeviceUUID,
		MimeType:         fi.MimeType,
		UserID:           fi.UserID,
		FileVersion:      fi.FileVersion,
		ExpiryDate:       expiry,
	}
}

// CloudFileName names the superseded object.
func (s *StaleVersion) CloudFileName() string {
	return CloudFileName(s.DeviceUUID, s.FileUUID, s.MimeType, s.FileVersion)
}

// Lock guards a resource against concurrent operations until Expiry.
type Lock struct {
	Resource string
	Owner    string
	Expiry   time.Time
}
