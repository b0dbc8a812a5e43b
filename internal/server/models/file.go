package models

import "time"

// FileGroup is a set of files uploaded together by one user; it moves
// between sharing groups as a unit. UserID is the v0 uploading user.
type FileGroup struct {
	FileGroupUUID    string
	SharingGroupUUID string
	UserID           int64
	ObjectType       string
	Deleted          bool
}

func NewFileGroup(fileGroupUUID, sharingGroupUUID string, userID int64, objectType string) (*FileGroup, error) {
	if err := required("fileGroupUUID", fileGroupUUID); err != nil {
		return nil, err
	}
	if err := required("sharingGroupUUID", sharingGroupUUID); err != nil {
		return nil, err
	}
	if userID <= 0 {
		return nil, &ValidationError{Field: "userId", Message: "must be positive"}
	}
	return &FileGroup{
		FileGroupUUID:    fileGroupUUID,
		SharingGroupUUID: sharingGroupUUID,
		UserID:           userID,
		ObjectType:       objectType,
	}, nil
}

// FileIndex is the authoritative current-version record of one file.
// UserID is the account whose cloud storage holds the file's objects.
type FileIndex struct {
	ID                   int64
	FileUUID             string
	FileGroupUUID        string
	SharingGroupUUID     string
	UserID               int64
	DeviceUUID           string
	MimeType             string
	FileVersion          int64
	FileSizeBytes        int64
	ChangeResolverName   *string
	LastUploadedCheckSum string
	Deleted              bool
	CreationDate         time.Time
	UpdateDate           time.Time
}

// NewFileIndex builds the version 0 record of a freshly uploaded file.
func NewFileIndex(fileUUID string, group *FileGroup, storageUserID int64, deviceUUID, mimeType string, resolver *string, now time.Time) (*FileIndex, error) {
	if err := required("fileUUID", fileUUID); err != nil {
		return nil, err
	}
	if err := required("deviceUUID", deviceUUID); err != nil {
		return nil, err
	}
	if err := required("mimeType", mimeType); err != nil {
		return nil, err
	}
	if group == nil {
		return nil, &ValidationError{Field: "fileGroup", Message: "required"}
	}
	if storageUserID <= 0 {
		return nil, &ValidationError{Field: "userId", Message: "must be positive"}
	}
	if resolver != nil && *resolver == "" {
		resolver = nil
	}
	return &FileIndex{
		FileUUID:           fileUUID,
		FileGroupUUID:      group.FileGroupUUID,
		SharingGroupUUID:   group.SharingGroupUUID,
		UserID:             storageUserID,
		DeviceUUID:         deviceUUID,
		MimeType:           mimeType,
		FileVersion:        0,
		ChangeResolverName: resolver,
		CreationDate:       now,
		UpdateDate:         now,
	}, nil
}

// CloudFileName names the object holding the current version.
func (f *FileIndex) CloudFileName() string {
	return CloudFileName(f.DeviceUUID, f.FileUUID, f.MimeType, f.FileVersion)
}
