package stream

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"tidewater/internal/jsoncodec"
)

// Change reports what an Upsert did.
type Change int

const (
	ChangeNone Change = iota
	ChangeCreated
	ChangeReplaced
)

func (c Change) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeReplaced:
		return "replaced"
	default:
		return "none"
	}
}

// Bookkeeping column names injected when record metadata is enabled.
const (
	ColExtractedAt  = "_sdc_extracted_at"
	ColReceivedAt   = "_sdc_received_at"
	ColBatchedAt    = "_sdc_batched_at"
	ColDeletedAt    = "_sdc_deleted_at"
	ColSequence     = "_sdc_sequence"
	ColTableVersion = "_sdc_table_version"
)

func metadataProperties() map[string]any {
	ts := func() map[string]any {
		return map[string]any{"type": []any{"null", "string"}, "format": "date-time"}
	}
	integer := func() map[string]any {
		return map[string]any{"type": []any{"null", "integer"}}
	}
	return map[string]any{
		ColExtractedAt:  ts(),
		ColReceivedAt:   ts(),
		ColBatchedAt:    ts(),
		ColDeletedAt:    ts(),
		ColSequence:     integer(),
		ColTableVersion: integer(),
	}
}

type Options struct {
	AddRecordMetadata bool
	Defaults          Settings
	Streams           map[string]Settings
	// Projects, when set, lets the target ask for schema projection of a stream.
	Projects func(stream string) bool
}

// Update is the content of one SCHEMA message.
type Update struct {
	Stream             string
	Schema             map[string]any
	RawSchema          []byte
	KeyProperties      []string
	BookmarkProperties []string
	PartitionKeys      []string
}

// Registry owns one Descriptor per stream. It is mutated only from the
// decode loop and is not safe for concurrent writers.
type Registry struct {
	opts    Options
	streams map[string]*Descriptor
	order   []string
}

func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, streams: map[string]*Descriptor{}}
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.streams[name]
	return d, ok
}

// Names lists streams in the order they were first declared.
func (r *Registry) Names() []string { return slices.Clone(r.order) }

// Settings resolves the configured settings for a stream.
func (r *Registry) Settings(name string) Settings {
	s, ok := r.opts.Streams[name]
	if !ok {
		s = r.opts.Defaults
	}
	if s.ConflictMode == "" {
		s.ConflictMode = ConflictReject
	}
	if s.Validation == "" {
		s.Validation = ValidationFail
	}
	if r.opts.Projects != nil && r.opts.Projects(name) {
		s.ProjectToSchema = true
	}
	return s
}

// Upsert applies a SCHEMA message. A repeated, identical schema is a no-op
// apart from refreshing bookmark properties and partition keys.
func (r *Registry) Upsert(u Update) (*Descriptor, Change, error) {
	schemaFP, err := Fingerprint(u.Schema)
	if err != nil {
		return nil, ChangeNone, err
	}
	keyFP := keyFingerprint(u.KeyProperties)

	prev, exists := r.streams[u.Stream]
	if exists && prev.SchemaFingerprint == schemaFP && prev.KeyFingerprint == keyFP {
		prev.BookmarkProperties = slices.Clone(u.BookmarkProperties)
		prev.PartitionKeys = slices.Clone(u.PartitionKeys)
		return prev, ChangeNone, nil
	}

	settings := r.Settings(u.Stream)
	d := &Descriptor{
		Name:               u.Stream,
		Schema:             r.inject(u.Schema, settings),
		RawSchema:          slices.Clone(u.RawSchema),
		KeyProperties:      slices.Clone(u.KeyProperties),
		BookmarkProperties: slices.Clone(u.BookmarkProperties),
		PartitionKeys:      slices.Clone(u.PartitionKeys),
		Settings:           settings,
		SchemaFingerprint:  schemaFP,
		KeyFingerprint:     keyFP,
	}
	if len(d.UniqueConstraints) == 0 {
		d.UniqueConstraints = slices.Clone(d.KeyProperties)
	}
	r.streams[u.Stream] = d
	if !exists {
		r.order = append(r.order, u.Stream)
		return d, ChangeCreated, nil
	}
	d.Version = prev.Version
	return d, ChangeReplaced, nil
}

// SetVersion records an ACTIVATE_VERSION. Versions never move backwards; an
// older version is refused.
func (r *Registry) SetVersion(name string, version int64) bool {
	d, ok := r.streams[name]
	if !ok || version < d.Version {
		return false
	}
	d.Version = version
	return true
}

// inject returns a copy of schema with bookkeeping and static override
// columns merged into its properties.
func (r *Registry) inject(schema map[string]any, s Settings) map[string]any {
	out := maps.Clone(schema)
	if out == nil {
		out = map[string]any{}
	}
	props, _ := schema["properties"].(map[string]any)
	props = maps.Clone(props)
	if props == nil {
		props = map[string]any{}
	}
	if r.opts.AddRecordMetadata {
		maps.Copy(props, metadataProperties())
	}
	for col, val := range s.StaticOverrides {
		if _, ok := props[col]; !ok {
			props[col] = map[string]any{"type": []any{"null", literalType(val)}}
		}
	}
	out["properties"] = props
	return out
}

func literalType(v any) string {
	switch t := v.(type) {
	case bool:
		return "boolean"
	case json.Number:
		if strings.ContainsAny(string(t), ".eE") {
			return "number"
		}
		return "integer"
	case int, int32, int64, uint64:
		return "integer"
	case float32, float64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "string"
	}
}

// Fingerprint hashes the canonical JSON form of v.
func Fingerprint(v any) (uint64, error) {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(raw), nil
}

func keyFingerprint(keys []string) uint64 {
	return xxhash.Sum64String(strings.Join(keys, "\x00"))
}
