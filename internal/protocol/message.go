// Package protocol decodes the line-delimited JSON message stream the engine
// consumes: SCHEMA, RECORD, STATE, ACTIVATE_VERSION and BATCH messages, plus
// LOG lines that are forwarded to the logger and dropped.
package protocol

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeSchema          Type = "SCHEMA"
	TypeRecord          Type = "RECORD"
	TypeState           Type = "STATE"
	TypeActivateVersion Type = "ACTIVATE_VERSION"
	TypeBatch           Type = "BATCH"
	TypeLog             Type = "LOG"
)

func (t Type) valid() bool {
	switch t {
	case TypeSchema, TypeRecord, TypeState, TypeActivateVersion, TypeBatch, TypeLog:
		return true
	}
	return false
}

// Message is one decoded protocol message.
type Message interface {
	Type() Type
	// Line is the 1-based input line the message was read from.
	Line() int
}

type lineNo int

func (l lineNo) Line() int { return int(l) }

type SchemaMessage struct {
	lineNo
	Stream             string
	Schema             map[string]any
	RawSchema          json.RawMessage
	KeyProperties      []string
	BookmarkProperties []string
	PartitionKeys      []string
}

func (*SchemaMessage) Type() Type { return TypeSchema }

type RecordMessage struct {
	lineNo
	Stream        string
	Record        map[string]any
	Version       *int64
	TimeExtracted time.Time
	// Size is the length of the encoded record object.
	Size int
}

func (*RecordMessage) Type() Type { return TypeRecord }

type StateMessage struct {
	lineNo
	Value map[string]any
}

func (*StateMessage) Type() Type { return TypeState }

// Bookmarks returns the per-stream fragments under value.bookmarks and the
// remaining root-level keys.
func (m *StateMessage) Bookmarks() (streams map[string]map[string]any, root map[string]any) {
	streams = map[string]map[string]any{}
	root = map[string]any{}
	for k, v := range m.Value {
		if k != "bookmarks" {
			root[k] = v
			continue
		}
		bm, ok := v.(map[string]any)
		if !ok {
			root[k] = v
			continue
		}
		for stream, frag := range bm {
			if fm, ok := frag.(map[string]any); ok {
				streams[stream] = fm
			} else {
				streams[stream] = map[string]any{"value": frag}
			}
		}
	}
	return streams, root
}

type ActivateVersionMessage struct {
	lineNo
	Stream  string
	Version int64
}

func (*ActivateVersionMessage) Type() Type { return TypeActivateVersion }

// Encoding describes how the files of a BATCH manifest are stored.
type Encoding struct {
	Format      string `json:"format"`
	Compression string `json:"compression"`
}

type BatchMessage struct {
	lineNo
	Stream   string
	Encoding Encoding
	Manifest []string
}

func (*BatchMessage) Type() Type { return TypeBatch }
