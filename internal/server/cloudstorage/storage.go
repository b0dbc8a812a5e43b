// Package cloudstorage is the capability the sync engine uses to reach an
// owning account's object store. Backends: S3 (aws-sdk-go-v2), MinIO
// (minio-go) and an in-process memory store.
package cloudstorage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"path"
)

// ErrNotFound is returned when the named object does not exist.
var ErrNotFound = errors.New("cloud object not found")

// Options qualifies an object name for one account.
type Options struct {
	CloudFolderName string
	MimeType        string
}

// Key is the full object key of name under the account folder.
func (o Options) Key(name string) string {
	if o.CloudFolderName == "" {
		return name
	}
	return path.Join(o.CloudFolderName, name)
}

// WithMimeType returns a copy of o carrying mimeType.
func (o Options) WithMimeType(mimeType string) Options {
	o.MimeType = mimeType
	return o
}

type CloudStorage interface {
	Download(ctx context.Context, name string, opts Options) ([]byte, error)
	// Upload stores data and returns the backend checksum of the object.
	Upload(ctx context.Context, name string, data []byte, opts Options) (string, error)
	Delete(ctx context.Context, name string, opts Options) error
	Lookup(ctx context.Context, name string, opts Options) (bool, error)
}

// Checksum is the hex MD5 of data, the value S3-compatible stores report as
// the ETag of a single-part upload.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
