// Package catalogschema validates entity payloads against per-kind JSON schemas.
package catalogschema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"kpicatalog/internal/domain"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const baseURL = "https://kpicatalog.local/schemas/"

// ValidationError carries the schema violations for one payload.
type ValidationError struct {
	Kind   domain.Kind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Detail)
}

var (
	compileOnce sync.Once
	compiled    map[domain.Kind]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[domain.Kind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[domain.Kind]*jsonschema.Schema, len(domain.Kinds))
		for _, kind := range domain.Kinds {
			raw, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
			if err != nil {
				compileErr = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				compileErr = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			url := baseURL + string(kind) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			out[kind] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// Validate checks the user-editable fields of e against its kind's schema.
func Validate(e domain.Entity) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	sch, ok := all[e.Kind]
	if !ok {
		return fmt.Errorf("invalid kind %q", e.Kind)
	}
	payload := map[string]any{"name": e.Name}
	if e.Description != "" {
		payload["description"] = e.Description
	}
	if e.Category != "" {
		payload["category"] = e.Category
	}
	if e.Tags != nil {
		payload["tags"] = e.Tags
	}
	if e.Details != nil {
		payload["details"] = e.Details
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{Kind: e.Kind, Detail: err.Error()}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Kind: e.Kind, Detail: err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Kind: e.Kind, Detail: err.Error()}
	}
	return nil
}
