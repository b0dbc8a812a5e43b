package models

import (
	"fmt"
	"time"
)

// UploadState records what an Upload row stands for.
type UploadState string

const (
	UploadStateV0Completed     UploadState = "v0UploadCompleted"
	UploadStateVNCompleted     UploadState = "vNUploadCompleted"
	UploadStateDeleteCompleted UploadState = "deleteCompleted"
)

// Upload is one device's pending contribution: a new file, a change record
// or a deletion marker. vN and deletion rows hang off a DeferredUpload.
type Upload struct {
	ID               int64
	FileUUID         string
	FileGroupUUID    string
	SharingGroupUUID string
	UserID           int64
	DeviceUUID       string
	FileVersion      int64
	DeferredUploadID *int64
	UploadContents   []byte
	CheckSum         string
	State            UploadState
	CreationDate     time.Time
}

func NewUpload(fileUUID, fileGroupUUID, sharingGroupUUID string, userID int64, deviceUUID string, fileVersion int64, state UploadState) (*Upload, error) {
	if err := required("fileUUID", fileUUID); err != nil {
		return nil, err
	}
	if err := required("fileGroupUUID", fileGroupUUID); err != nil {
		return nil, err
	}
	if err := required("sharingGroupUUID", sharingGroupUUID); err != nil {
		return nil, err
	}
	if err := required("deviceUUID", deviceUUID); err != nil {
		return nil, err
	}
	if fileVersion < 0 {
		return nil, &ValidationError{Field: "fileVersion", Message: "must not be negative"}
	}
	switch state {
	case UploadStateV0Completed, UploadStateVNCompleted, UploadStateDeleteCompleted:
	default:
		return nil, &ValidationError{Field: "state", Message: fmt.Sprintf("unknown value %q", state)}
	}
	return &Upload{
		FileUUID:         fileUUID,
		FileGroupUUID:    fileGroupUUID,
		SharingGroupUUID: sharingGroupUUID,
		UserID:           userID,
		DeviceUUID:       deviceUUID,
		FileVersion:      fileVersion,
		State:            state,
	}, nil
}

// DeferredUploadStatus is the lifecycle of a queued unit of work.
type DeferredUploadStatus string

const (
	DeferredUploadPendingChange   DeferredUploadStatus = "pendingChange"
	DeferredUploadPendingDeletion DeferredUploadStatus = "pendingDeletion"
	DeferredUploadCompleted       DeferredUploadStatus = "completed"
)

// DeferredUpload groups the Upload rows that must be applied together.
type DeferredUpload struct {
	ID               int64
	FileGroupUUID    string
	SharingGroupUUID string
	UserID           int64
	BatchUUID        *string
	Status           DeferredUploadStatus
	CreationDate     time.Time
}

func NewDeferredUpload(fileGroupUUID, sharingGroupUUID string, userID int64, status DeferredUploadStatus, batchUUID *string) (*DeferredUpload, error) {
	if err := required("fileGroupUUID", fileGroupUUID); err != nil {
		return nil, err
	}
	if err := required("sharingGroupUUID", sharingGroupUUID); err != nil {
		return nil, err
	}
	if status != DeferredUploadPendingChange && status != DeferredUploadPendingDeletion {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("cannot queue with status %q", status)}
	}
	return &DeferredUpload{
		FileGroupUUID:    fileGroupUUID,
		SharingGroupUUID: sharingGroupUUID,
		UserID:           userID,
		BatchUUID:        batchUUID,
		Status:           status,
	}, nil
}
