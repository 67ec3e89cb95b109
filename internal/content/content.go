// Package content renders catalog entities into the files stored in the
// external repository.
package content

import (
	"bytes"
	"fmt"
	"path"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"kpicatalog/internal/domain"
)

const (
	rootDir   = "data"
	extension = "yaml"
)

var detailTemplates = map[domain.Kind][]string{
	domain.KindKPI:       {"formula", "unit", "target", "direction", "data_sources", "implementations"},
	domain.KindMetric:    {"formula", "unit", "aggregation", "data_type", "implementations"},
	domain.KindDimension: {"data_type", "values", "source_table", "source_column"},
	domain.KindEvent:     {"trigger", "properties", "platforms", "implementations"},
	domain.KindDashboard: {"audience", "kpis", "metrics", "layout", "url"},
}

// reserved keys are emitted from entity columns, never from details.
var reserved = map[string]bool{
	"slug": true, "name": true, "description": true, "category": true, "tags": true,
	"created_by": true, "last_modified_by": true,
}

// Path returns the repository-relative path of an entity's file.
func Path(kind domain.Kind, slug, id string) string {
	name := slug
	if name == "" {
		name = id
	}
	return path.Join(rootDir, kind.Plural(), name+"."+extension)
}

// Render serializes e using its kind's template. Empty values are omitted.
func Render(e domain.Entity) ([]byte, error) {
	tmpl, ok := detailTemplates[e.Kind]
	if !ok {
		return nil, fmt.Errorf("no content template for kind %q", e.Kind)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, value any) error {
		value, ok := prune(value)
		if !ok {
			return nil
		}
		var v yaml.Node
		if err := v.Encode(value); err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &v)
		return nil
	}

	head := []struct {
		key   string
		value any
	}{
		{"slug", e.Slug},
		{"name", e.Name},
		{"description", e.Description},
		{"category", e.Category},
		{"tags", e.Tags},
	}
	for _, f := range head {
		if err := add(f.key, f.value); err != nil {
			return nil, err
		}
	}

	seen := map[string]bool{}
	for _, key := range tmpl {
		seen[key] = true
		if err := add(key, e.Details[key]); err != nil {
			return nil, err
		}
	}
	var extra []string
	for key := range e.Details {
		if !seen[key] && !reserved[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		if err := add(key, e.Details[key]); err != nil {
			return nil, err
		}
	}

	if err := add("created_by", e.CreatedBy); err != nil {
		return nil, err
	}
	if err := add("last_modified_by", e.LastModifiedBy); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// prune drops blank strings, nils and empty lists or maps at any depth and
// reports whether anything is left of v.
func prune(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.(string); ok {
		return s, strings.TrimSpace(s) != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, false
		}
		return prune(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if item, ok := prune(rv.Index(i).Interface()); ok {
				out = append(out, item)
			}
		}
		return out, len(out) > 0
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if item, ok := prune(iter.Value().Interface()); ok {
				out[fmt.Sprint(iter.Key().Interface())] = item
			}
		}
		return out, len(out) > 0
	}
	return v, true
}
