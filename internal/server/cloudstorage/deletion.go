package cloudstorage

import (
	"context"
	"errors"
	"fmt"
)

// Deletion names one object to remove after a transaction has committed.
// Ref lets the caller tie the result back to its own bookkeeping row.
type Deletion struct {
	Storage CloudStorage
	Name    string
	Options Options
	Ref     int64
}

type DeletionResult struct {
	Deletion
	Err error
}

// Gone reports whether the object is absent now, either removed by this
// call or already missing.
func (r DeletionResult) Gone() bool {
	return r.Err == nil || errors.Is(r.Err, ErrNotFound)
}

// ApplyDeletions attempts every deletion, in order, regardless of earlier
// failures. The returned error joins every failure, a missing object
// included; the results show which objects were actually removed.
func ApplyDeletions(ctx context.Context, deletions []Deletion) ([]DeletionResult, error) {
	results := make([]DeletionResult, 0, len(deletions))
	var errs []error

	for _, d := range deletions {
		var err error
		if d.Storage == nil {
			err = errors.New("no storage")
		} else {
			err = d.Storage.Delete(ctx, d.Name, d.Options)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", d.Options.Key(d.Name), err))
		}
		results = append(results, DeletionResult{Deletion: d, Err: err})
	}

	return results, errors.Join(errs...)
}
