package models

import "time"

// User is an account known to the server. AccountType selects the cloud
// storage backend; CloudFolderName is where its objects live.
type User struct {
	ID              int64
	Username        string
	AccountType     string
	CloudFolderName string
	CreatedAt       time.Time
}
