package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"tidewater/internal/record"
	"tidewater/internal/stream"
)

// Batch is the decoded form of a Commit payload.
type Batch struct {
	Stream        string
	Version       int64
	KeyProperties []string
	Rows          []map[string]any
}

// EncodeBatch builds a Commit payload. Numbers travel as doubles.
func EncodeBatch(d *stream.Descriptor, rows []record.Row) (*structpb.Struct, error) {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = plain(r.Any())
	}
	keys := make([]any, len(d.KeyProperties))
	for i, k := range d.KeyProperties {
		keys[i] = k
	}
	return structpb.NewStruct(map[string]any{
		"stream":         d.Name,
		"version":        d.Version,
		"key_properties": keys,
		"rows":           list,
	})
}

func DecodeBatch(s *structpb.Struct) (Batch, error) {
	m := s.AsMap()
	b := Batch{}
	var ok bool
	if b.Stream, ok = m["stream"].(string); !ok || b.Stream == "" {
		return b, fmt.Errorf("transport: batch without stream")
	}
	if v, ok := m["version"].(float64); ok {
		b.Version = int64(v)
	}
	if keys, ok := m["key_properties"].([]any); ok {
		for _, k := range keys {
			if ks, ok := k.(string); ok {
				b.KeyProperties = append(b.KeyProperties, ks)
			}
		}
	}
	rows, _ := m["rows"].([]any)
	for i, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			return b, fmt.Errorf("transport: row %d is %T", i, r)
		}
		b.Rows = append(b.Rows, row)
	}
	return b, nil
}

// EncodeVersion builds an ActivateVersion payload.
func EncodeVersion(d *stream.Descriptor, version int64) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"stream": d.Name, "version": version})
}

// plain converts json.Number leaves into float64 for structpb.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		return v
	}
}
