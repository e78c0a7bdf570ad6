package runner

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/user/rollcall/internal/store"
)

// Params is the versioned parameter payload carried by every job. Exactly
// one schema exists per operation type; unknown shapes are rejected before
// a job row is created.
type Params struct {
	Version            int     `json:"version"`
	Op                 string  `json:"op"`
	DestCollectionID   string  `json:"dest_collection_id"`
	SourceCollectionID string  `json:"source_collection_id,omitempty"`
	CompanyIDs         []int64 `json:"company_ids,omitempty"`
}

const paramsSchemaCommon = `{
	"type": "object",
	"required": ["version", "op", "dest_collection_id"],
	"properties": {
		"version": {"const": 1},
		"op": {"type": "string"},
		"dest_collection_id": {"type": "string", "minLength": 1},
		"source_collection_id": {"type": "string", "minLength": 1},
		"company_ids": {"type": "array", "items": {"type": "integer", "minimum": 1}}
	}
}`

var opSchemas = map[string]string{
	store.OpBulkAddSelected: `{
		"allOf": [` + paramsSchemaCommon + `, {"required": ["company_ids"], "properties": {"company_ids": {"minItems": 1}}}]
	}`,
	store.OpBulkAddAll: `{
		"allOf": [` + paramsSchemaCommon + `, {"required": ["source_collection_id"]}]
	}`,
	store.OpBulkRemoveSelected: `{
		"allOf": [` + paramsSchemaCommon + `, {"required": ["company_ids"], "properties": {"company_ids": {"minItems": 1}}}]
	}`,
	store.OpBulkMove: `{
		"allOf": [` + paramsSchemaCommon + `, {"required": ["source_collection_id"]}]
	}`,
}

var (
	schemaOnce     sync.Once
	compiledSchema map[string]*gojsonschema.Schema
	schemaErr      error
)

func compiledSchemas() (map[string]*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema = make(map[string]*gojsonschema.Schema, len(opSchemas))
		for op, raw := range opSchemas {
			sch, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("compile params schema for %s: %w", op, err)
				return
			}
			compiledSchema[op] = sch
		}
	})
	return compiledSchema, schemaErr
}

// ParseParams validates a raw parameter blob against the schema for its
// operation type and decodes it.
func ParseParams(raw json.RawMessage) (*Params, error) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &store.ValidationError{Msg: fmt.Sprintf("malformed job params: %v", err)}
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return nil, err
	}
	sch, ok := schemas[probe.Op]
	if !ok {
		return nil, &store.ValidationError{Msg: fmt.Sprintf("unknown operation type %q", probe.Op)}
	}
	res, err := sch.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &store.ValidationError{Msg: fmt.Sprintf("validate job params: %v", err)}
	}
	if !res.Valid() {
		return nil, &store.ValidationError{Msg: fmt.Sprintf("invalid %s params: %s", probe.Op, res.Errors()[0])}
	}

	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &store.ValidationError{Msg: fmt.Sprintf("decode job params: %v", err)}
	}
	return &p, nil
}

// Encode serializes the params for persistence on the job row.
func (p *Params) Encode() (json.RawMessage, error) {
	if p.Version == 0 {
		p.Version = 1
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode job params: %w", err)
	}
	// Round-trip through validation so malformed params never reach a row.
	if _, err := ParseParams(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
