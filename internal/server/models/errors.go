// Package models defines the server-side records persisted in the metadata
// store. Constructors validate once; the rest of the code trusts the fields.
package models

import (
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/common"
)

// ValidationError reports a record field that failed construction checks.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Is lets callers match any ValidationError against common.ErrorInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == common.ErrorInvalidInput
}

func required(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Message: "required"}
	}
	return nil
}
