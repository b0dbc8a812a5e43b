package resolvers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const JSONRecordsResolverName = "JSONRecordsReplacer"

const elementsKey = "elements"

const recordSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1}
	}
}`

var compileRecordSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("record.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("record.json")
})

// JSONRecordsReplacer keeps a JSON document {"elements": [...]} of records
// keyed by their "id". Re-adding a known id is a no-op, so replaying a
// record that was already merged leaves the file unchanged. Other top-level
// keys of the document are preserved.
type JSONRecordsReplacer struct {
	schema   *jsonschema.Schema
	doc      map[string]json.RawMessage
	elements []json.RawMessage
	ids      map[string]struct{}
}

func NewJSONRecordsReplacer(current []byte) (WholeFileReplacer, error) {
	schema, err := compileRecordSchema()
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}

	r := &JSONRecordsReplacer{
		schema: schema,
		doc:    map[string]json.RawMessage{},
		ids:    map[string]struct{}{},
	}
	if len(bytes.TrimSpace(current)) == 0 {
		return r, nil
	}

	if err := json.Unmarshal(current, &r.doc); err != nil {
		return nil, &ResolverError{Resolver: JSONRecordsResolverName, Err: fmt.Errorf("document: %w", err)}
	}
	if raw, ok := r.doc[elementsKey]; ok {
		if err := json.Unmarshal(raw, &r.elements); err != nil {
			return nil, &ResolverError{Resolver: JSONRecordsResolverName, Err: fmt.Errorf("elements: %w", err)}
		}
	}
	for _, el := range r.elements {
		var rec struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(el, &rec) == nil && rec.ID != "" {
			r.ids[rec.ID] = struct{}{}
		}
	}
	return r, nil
}

func (r *JSONRecordsReplacer) Add(record []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(record))
	if err != nil {
		return &ResolverError{Resolver: JSONRecordsResolverName, Err: err}
	}
	if err := r.schema.Validate(inst); err != nil {
		return &ResolverError{Resolver: JSONRecordsResolverName, Err: err}
	}

	obj, ok := inst.(map[string]any)
	if !ok {
		return &ResolverError{Resolver: JSONRecordsResolverName, Err: errors.New("record is not an object")}
	}
	id, _ := obj["id"].(string)
	if _, seen := r.ids[id]; seen {
		return nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, record); err != nil {
		return &ResolverError{Resolver: JSONRecordsResolverName, Err: err}
	}
	r.elements = append(r.elements, json.RawMessage(compact.Bytes()))
	r.ids[id] = struct{}{}
	return nil
}

func (r *JSONRecordsReplacer) Data() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.doc)+1)
	for k, v := range r.doc {
		out[k] = v
	}
	elements := r.elements
	if elements == nil {
		elements = []json.RawMessage{}
	}
	raw, err := json.Marshal(elements)
	if err != nil {
		return nil, err
	}
	out[elementsKey] = raw
	return json.Marshal(out)
}
