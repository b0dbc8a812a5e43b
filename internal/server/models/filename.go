package models

import "fmt"

var mimeExtensions = map[string]string{
	"text/plain":       ".txt",
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/gif":        ".gif",
	"video/quicktime":  ".mov",
	"application/json": ".json",
	"text/x-url":       ".url",
}

// CloudFileName is the object name of one file version:
// <deviceUUID>.<fileUUID>.<fileVersion><ext>, where the v0 device stays in
// the name for every later version.
func CloudFileName(deviceUUID, fileUUID, mimeType string, fileVersion int64) string {
	return fmt.Sprintf("%s.%s.%d%s", deviceUUID, fileUUID, fileVersion, mimeExtensions[mimeType])
}
