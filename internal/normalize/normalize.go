// Package normalize resolves a raw RECORD against its stream descriptor:
// projection, repair of serialized nested values, bookkeeping and static
// columns, and field-level validation.
package normalize

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"tidewater/internal/logging"
	"tidewater/internal/record"
	"tidewater/internal/stream"
	"tidewater/internal/telemetry"
)

// ErrSkipped is returned for a row that failed validation on a stream whose
// policy is to skip such rows.
var ErrSkipped = errors.New("normalize: row skipped")

// ValidationError is a row that does not satisfy its stream's schema.
type ValidationError struct {
	Stream string
	Field  string
	Seq    uint64
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: stream %q record #%d field %q: %v", e.Stream, e.Seq, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type Options struct {
	AddRecordMetadata bool
	Now               func() time.Time
}

type Normalizer struct {
	opts Options
	// fields whose validator failed to compile; reported once and then unchecked
	broken map[*stream.Descriptor]map[string]bool
}

func New(opts Options) *Normalizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Normalizer{opts: opts, broken: map[*stream.Descriptor]map[string]bool{}}
}

func (n *Normalizer) Normalize(env record.Envelope, d *stream.Descriptor) (record.Row, error) {
	fields := maps.Clone(env.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	props := d.Properties()

	if d.ProjectToSchema {
		for k := range fields {
			if _, ok := props[k]; !ok {
				delete(fields, k)
			}
		}
	}

	for k, v := range fields {
		p, ok := d.Property(k)
		if !ok {
			continue
		}
		fields[k] = repair(v, p)
	}

	if n.opts.AddRecordMetadata {
		n.stamp(fields, env, d)
	}
	for col, val := range d.StaticOverrides {
		fields[col] = val
	}

	row := make(record.Row, len(fields))
	for k, v := range fields {
		rv, err := record.FromAny(v)
		if err != nil {
			return nil, n.reject(&ValidationError{Stream: d.Name, Field: k, Seq: env.Seq, Err: err}, env, d)
		}
		row[k] = rv
	}

	if !d.DisableTypeCheck {
		if err := n.validate(row, env.Seq, d); err != nil {
			return nil, n.reject(err, env, d)
		}
	}
	return row, nil
}

func (n *Normalizer) reject(err *ValidationError, env record.Envelope, d *stream.Descriptor) error {
	if d.Validation != stream.ValidationSkip {
		return err
	}
	telemetry.RecordsSkipped.WithLabelValues(d.Name).Inc()
	attrs := []any{"stream", d.Name, "seq", err.Seq, "field", err.Field, "err", err.Err}
	for k, v := range env.Tags {
		attrs = append(attrs, k, v)
	}
	logging.L().Warn("skipping invalid record", attrs...)
	return fmt.Errorf("%w: %v", ErrSkipped, err)
}

func (n *Normalizer) stamp(fields map[string]any, env record.Envelope, d *stream.Descriptor) {
	now := n.opts.Now().UTC().Format(time.RFC3339Nano)
	fields[stream.ColReceivedAt] = now
	if !env.TimeExtracted.IsZero() {
		fields[stream.ColExtractedAt] = env.TimeExtracted.UTC().Format(time.RFC3339Nano)
	} else if _, ok := fields[stream.ColExtractedAt]; !ok {
		fields[stream.ColExtractedAt] = nil
	}
	if _, ok := fields[stream.ColDeletedAt]; !ok {
		fields[stream.ColDeletedAt] = nil
	}
	fields[stream.ColSequence] = int64(env.Seq)
	switch {
	case env.Version != nil:
		fields[stream.ColTableVersion] = *env.Version
	case d.Version > 0:
		fields[stream.ColTableVersion] = d.Version
	default:
		fields[stream.ColTableVersion] = nil
	}
}

// validate checks each field on its own so an error names one field of one row.
// Fields declared as object/array whose value already has that shape are
// trusted as-is.
func (n *Normalizer) validate(row record.Row, seq uint64, d *stream.Descriptor) *ValidationError {
	for _, field := range row.Fields() {
		types := d.Types(field)
		if types == nil {
			continue
		}
		v := row[field]
		if hasNested(types) && shapeMatches(v, types) {
			continue
		}
		if n.broken[d][field] {
			continue
		}
		sch, err := d.FieldValidator(field)
		if err != nil {
			if n.broken[d] == nil {
				n.broken[d] = map[string]bool{}
			}
			n.broken[d][field] = true
			logging.L().Warn("field schema does not compile; not validating it", "stream", d.Name, "field", field, "err", err)
			continue
		}
		if sch == nil {
			continue
		}
		if err := sch.Validate(v.Any()); err != nil {
			return &ValidationError{Stream: d.Name, Field: field, Seq: seq, Err: err}
		}
	}
	return nil
}

func hasNested(types []string) bool {
	return slices.Contains(types, "object") || slices.Contains(types, "array")
}

func shapeMatches(v record.Value, types []string) bool {
	switch v.Kind() {
	case record.Map:
		return slices.Contains(types, "object")
	case record.List:
		return slices.Contains(types, "array")
	}
	return false
}

// repair parses nested values that arrived serialized as strings.
func repair(v any, schema map[string]any) any {
	types := stream.SchemaTypes(schema)
	if !hasNested(types) {
		return v
	}
	if s, ok := v.(string); ok {
		if parsed, err := parseStructured(s); err == nil {
			v = parsed
		}
	}
	if slices.Contains(types, "array") && itemsAreObjects(schema) {
		if list, ok := v.([]any); ok {
			out := make([]any, len(list))
			for i, e := range list {
				out[i] = e
				if s, ok := e.(string); ok {
					if parsed, err := parseStructured(s); err == nil {
						out[i] = parsed
					}
				}
			}
			v = out
		}
	}
	return v
}

func itemsAreObjects(schema map[string]any) bool {
	if items, ok := schema["items"].(map[string]any); ok {
		return slices.Contains(stream.SchemaTypes(items), "object")
	}
	for _, key := range []string{"anyOf", "oneOf"} {
		alts, _ := schema[key].([]any)
		for _, alt := range alts {
			if am, ok := alt.(map[string]any); ok && itemsAreObjects(am) {
				return true
			}
		}
	}
	return false
}
