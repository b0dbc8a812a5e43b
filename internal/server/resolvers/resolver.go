// Package resolvers holds the change resolvers that fold queued update
// records into a new version of a file. Each file names its resolver in
// FileIndex; the orchestrator only sees the Registry.
package resolvers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/syncserver/internal/common"
)

// WholeFileReplacer layers records onto the bytes it was built from.
// Implementations must be deterministic and depend on nothing but their
// input, so applying [r1, r2] at once equals applying r1, persisting, then r2.
type WholeFileReplacer interface {
	Add(record []byte) error
	Data() ([]byte, error)
}

// Factory builds a replacer seeded with the current file content.
type Factory func(current []byte) (WholeFileReplacer, error)

// ResolverError reports a record or document a resolver could not accept.
// It matches common.ErrMalformedRecord with errors.Is.
type ResolverError struct {
	Resolver string
	Err      error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("resolver %s: %v", e.Resolver, e.Err)
}

func (e *ResolverError) Unwrap() []error {
	return []error{common.ErrMalformedRecord, e.Err}
}

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry has every built-in resolver registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(AppendResolverName, NewAppendReplacer)
	_ = r.Register(JSONRecordsResolverName, NewJSONRecordsReplacer)
	return r
}

func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("%w: resolver name and factory are required", common.ErrorInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("resolver %s: %w", name, common.ErrorAlreadyExists)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownResolver, name)
	}
	return f, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply runs records through the named resolver on top of current.
func (r *Registry) Apply(name string, current []byte, records [][]byte) ([]byte, error) {
	factory, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	replacer, err := factory(current)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if err := replacer.Add(rec); err != nil {
			return nil, err
		}
	}
	return replacer.Data()
}
