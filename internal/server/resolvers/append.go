package resolvers

import (
	"bytes"
	"errors"
)

const AppendResolverName = "AppendReplacer"

// AppendReplacer concatenates records onto the content in the order added.
type AppendReplacer struct {
	buf bytes.Buffer
}

func NewAppendReplacer(current []byte) (WholeFileReplacer, error) {
	r := &AppendReplacer{}
	r.buf.Write(current)
	return r, nil
}

func (r *AppendReplacer) Add(record []byte) error {
	if len(record) == 0 {
		return &ResolverError{Resolver: AppendResolverName, Err: errors.New("empty record")}
	}
	r.buf.Write(record)
	return nil
}

func (r *AppendReplacer) Data() ([]byte, error) {
	return bytes.Clone(r.buf.Bytes()), nil
}
