package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"tidewater/internal/jsoncodec"
	"tidewater/internal/logging"
	"tidewater/internal/telemetry"
)

// fields holds the top-level members of one parsed line. Members are decoded
// one at a time so a badly typed member is reported by name.
type fields map[string]json.RawMessage

func (f fields) has(key string) bool { return !isNull(f[key]) }

// decode unmarshals member key into v. Absent and null members leave v as is.
func (f fields) decode(key string, v any) error {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		return nil
	}
	if err := jsoncodec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s has the wrong type", key)
	}
	return nil
}

// logLine is the LOG message shape.
type logLine struct {
	Level   string
	Message string
	Caller  string
	Tags    map[string]any
}

// logShape reports whether f carries a string level and message.
func (f fields) logShape() (logLine, bool) {
	var l logLine
	if !f.has("level") || !f.has("message") {
		return l, false
	}
	if f.decode("level", &l.Level) != nil || f.decode("message", &l.Message) != nil {
		return l, false
	}
	_ = f.decode("caller", &l.Caller)
	_ = f.decode("tags", &l.Tags)
	return l, true
}

// Decoder reads messages one line at a time. It is not safe for concurrent use.
type Decoder struct {
	r        *bufio.Reader
	closer   io.Closer
	line     int
	warnings int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 1<<20)}
}

// OpenFile decodes the messages stored in a local file.
func OpenFile(path string) (*Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d := NewDecoder(f)
	d.closer = f
	return d, nil
}

// Warnings reports how many lines were skipped as unparsable so far.
func (d *Decoder) Warnings() int { return d.warnings }

func (d *Decoder) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// Next returns the next message, or io.EOF once the input is exhausted.
// Malformed JSON lines are logged and skipped; a *ProtocolError is fatal.
func (d *Decoder) Next() (Message, error) {
	for {
		raw, err := d.r.ReadBytes('\n')
		if len(raw) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		d.line++
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 {
			msg, derr := d.decodeLine(raw)
			if derr != nil {
				return nil, derr
			}
			if msg != nil {
				return msg, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

func (d *Decoder) decodeLine(raw []byte) (Message, error) {
	var f fields
	if err := jsoncodec.Unmarshal(raw, &f); err != nil {
		var probe any
		if jsoncodec.Unmarshal(raw, &probe) == nil {
			return nil, Errorf(d.line, "", "message is not a JSON object")
		}
		d.warnings++
		telemetry.DecodeWarnings.Inc()
		logging.L().Warn("skipping unparsable line", "err", DecodeWarning{Line: d.line, Err: err})
		return nil, nil
	}

	if !f.has("type") {
		if l, ok := f.logShape(); ok {
			forwardLog(l)
			return nil, nil
		}
		return nil, Errorf(d.line, "", "message has no type")
	}
	var typ Type
	if err := f.decode("type", &typ); err != nil {
		return nil, Errorf(d.line, "", "type must be a string")
	}
	var name string
	if err := f.decode("stream", &name); err != nil {
		return nil, Errorf(d.line, "", "%v", err)
	}
	if !typ.valid() {
		return nil, Errorf(d.line, name, "unknown message type %q", typ)
	}
	ln := lineNo(d.line)

	switch typ {
	case TypeLog:
		l, _ := f.logShape()
		forwardLog(l)
		return nil, nil

	case TypeSchema:
		if name == "" {
			return nil, Errorf(d.line, "", "SCHEMA without stream")
		}
		if !f.has("schema") {
			return nil, Errorf(d.line, name, "SCHEMA without schema")
		}
		var schema map[string]any
		if err := f.decode("schema", &schema); err != nil {
			return nil, Errorf(d.line, name, "schema is not an object")
		}
		m := &SchemaMessage{
			lineNo:    ln,
			Stream:    name,
			Schema:    schema,
			RawSchema: append(json.RawMessage(nil), f["schema"]...),
		}
		if err := f.decode("key_properties", &m.KeyProperties); err != nil {
			return nil, Errorf(d.line, name, "%v", err)
		}
		d.optional(f, name, "bookmark_properties", &m.BookmarkProperties)
		d.optional(f, name, "partition_keys", &m.PartitionKeys)
		return m, nil

	case TypeRecord:
		if name == "" {
			return nil, Errorf(d.line, "", "RECORD without stream")
		}
		if !f.has("record") {
			return nil, Errorf(d.line, name, "RECORD without record")
		}
		var rec map[string]any
		if err := f.decode("record", &rec); err != nil {
			return nil, Errorf(d.line, name, "record is not an object")
		}
		m := &RecordMessage{lineNo: ln, Stream: name, Record: rec, Size: len(f["record"])}
		if f.has("version") {
			v, err := parseVersion(f["version"])
			if err != nil {
				return nil, Errorf(d.line, name, "%v", err)
			}
			m.Version = &v
		}
		var extracted string
		d.optional(f, name, "time_extracted", &extracted)
		if extracted != "" {
			if ts, err := time.Parse(time.RFC3339Nano, extracted); err == nil {
				m.TimeExtracted = ts
			} else {
				logging.L().Warn("ignoring time_extracted", "line", d.line, "stream", name, "err", err)
			}
		}
		return m, nil

	case TypeState:
		if !f.has("value") {
			return nil, Errorf(d.line, "", "STATE without value")
		}
		var val map[string]any
		if err := f.decode("value", &val); err != nil {
			return nil, Errorf(d.line, "", "state value is not an object")
		}
		return &StateMessage{lineNo: ln, Value: val}, nil

	case TypeActivateVersion:
		if name == "" {
			return nil, Errorf(d.line, "", "ACTIVATE_VERSION without stream")
		}
		if !f.has("version") {
			return nil, Errorf(d.line, name, "ACTIVATE_VERSION without version")
		}
		v, err := parseVersion(f["version"])
		if err != nil {
			return nil, Errorf(d.line, name, "%v", err)
		}
		return &ActivateVersionMessage{lineNo: ln, Stream: name, Version: v}, nil

	case TypeBatch:
		if name == "" {
			return nil, Errorf(d.line, "", "BATCH without stream")
		}
		if !f.has("manifest") {
			return nil, Errorf(d.line, name, "BATCH without manifest")
		}
		m := &BatchMessage{lineNo: ln, Stream: name}
		if err := f.decode("manifest", &m.Manifest); err != nil {
			return nil, Errorf(d.line, name, "%v", err)
		}
		if err := f.decode("encoding", &m.Encoding); err != nil {
			return nil, Errorf(d.line, name, "%v", err)
		}
		return m, nil
	}
	return nil, Errorf(d.line, name, "unhandled message type %q", typ)
}

// optional decodes a member whose bad type only costs the member itself.
func (d *Decoder) optional(f fields, stream, key string, v any) {
	if err := f.decode(key, v); err != nil {
		logging.L().Warn("ignoring member", "line", d.line, "stream", stream, "err", err)
	}
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func parseVersion(raw json.RawMessage) (int64, error) {
	s := string(bytes.Trim(bytes.TrimSpace(raw), `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("version %s is not an integer", s)
	}
	return v, nil
}

func forwardLog(l logLine) {
	attrs := make([]any, 0, 4+2*len(l.Tags))
	attrs = append(attrs, "source", "upstream")
	if l.Caller != "" {
		attrs = append(attrs, "caller", l.Caller)
	}
	for k, v := range l.Tags {
		attrs = append(attrs, k, v)
	}
	logging.L().Log(context.Background(), logging.ParseLevel(l.Level), l.Message, attrs...)
}
