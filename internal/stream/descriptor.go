// Package stream keeps the per-stream schema and settings the rest of the
// engine resolves records against.
package stream

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tidewater/internal/jsoncodec"
)

// ConflictMode says what a target does when a row collides with an existing
// row on the stream's unique constraint.
type ConflictMode string

const (
	ConflictReject ConflictMode = "reject"
	ConflictUpdate ConflictMode = "update"
	ConflictMerge  ConflictMode = "merge"
	ConflictIgnore ConflictMode = "ignore"
)

func ParseConflictMode(s string) (ConflictMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return ConflictReject, nil
	case "update", "overwrite":
		return ConflictUpdate, nil
	case "merge":
		return ConflictMerge, nil
	case "ignore":
		return ConflictIgnore, nil
	}
	return "", fmt.Errorf("unknown unique conflict method %q", s)
}

// ValidationPolicy decides what happens to a row that fails validation.
type ValidationPolicy string

const (
	ValidationFail ValidationPolicy = "fail"
	ValidationSkip ValidationPolicy = "skip"
)

func ParseValidationPolicy(s string) (ValidationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return ValidationFail, nil
	case "skip":
		return ValidationSkip, nil
	}
	return "", fmt.Errorf("unknown validation policy %q", s)
}

// Settings are the configuration-supplied, per-stream knobs.
type Settings struct {
	DisableTypeCheck  bool
	ConflictMode      ConflictMode
	UniqueConstraints []string
	StaticOverrides   map[string]any
	// BatchSizeRows overrides the default sink row threshold; 0 keeps the default.
	BatchSizeRows   int
	Validation      ValidationPolicy
	ProjectToSchema bool
}

// Descriptor is everything known about one stream. A descriptor is replaced,
// never edited structurally, when its schema or key properties change.
type Descriptor struct {
	Name               string
	Schema             map[string]any
	RawSchema          []byte
	KeyProperties      []string
	BookmarkProperties []string
	PartitionKeys      []string
	Settings

	Version           int64
	SchemaFingerprint uint64
	KeyFingerprint    uint64

	validators map[string]*jsonschema.Schema
}

// Properties returns the schema's declared properties.
func (d *Descriptor) Properties() map[string]any {
	props, _ := d.Schema["properties"].(map[string]any)
	return props
}

func (d *Descriptor) Property(field string) (map[string]any, bool) {
	p, ok := d.Properties()[field].(map[string]any)
	return p, ok
}

// Types returns the JSON types a property declares, including those reached
// through anyOf/oneOf.
func (d *Descriptor) Types(field string) []string {
	p, ok := d.Property(field)
	if !ok {
		return nil
	}
	return SchemaTypes(p)
}

// SchemaTypes extracts the declared type set of a (sub)schema.
func SchemaTypes(schema map[string]any) []string {
	var out []string
	add := func(t string) {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	switch t := schema["type"].(type) {
	case string:
		add(t)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				add(s)
			}
		}
	}
	for _, key := range []string{"anyOf", "oneOf"} {
		alts, _ := schema[key].([]any)
		for _, alt := range alts {
			if am, ok := alt.(map[string]any); ok {
				for _, t := range SchemaTypes(am) {
					add(t)
				}
			}
		}
	}
	return out
}

// FieldValidator compiles, once, a validator for a single property.
func (d *Descriptor) FieldValidator(field string) (*jsonschema.Schema, error) {
	if v, ok := d.validators[field]; ok {
		return v, nil
	}
	p, ok := d.Property(field)
	if !ok {
		return nil, nil
	}
	raw, err := jsoncodec.Marshal(p)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("mem://%s/%s.json", d.Name, field)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("stream %s: field %s: %w", d.Name, field, err)
	}
	v, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("stream %s: field %s: %w", d.Name, field, err)
	}
	if d.validators == nil {
		d.validators = map[string]*jsonschema.Schema{}
	}
	d.validators[field] = v
	return v, nil
}
