package pipeline

import (
	"fmt"
	"slices"

	"tidewater/internal/record"
	"tidewater/internal/state"
	"tidewater/internal/stream"
)

// Identity names the buffer of one schema generation of a stream. Drains are
// serialized per identity.
type Identity struct {
	Stream string
	Schema uint64
	Keys   uint64
}

func identityOf(d *stream.Descriptor) Identity {
	return Identity{Stream: d.Name, Schema: d.SchemaFingerprint, Keys: d.KeyFingerprint}
}

func (i Identity) String() string {
	return fmt.Sprintf("%s@%016x/%016x", i.Stream, i.Schema, i.Keys)
}

// Sink buffers normalized rows of one stream until the scheduler drains it.
// It holds the state fragment that becomes safe to publish once those rows
// are committed. A Sink has no lock of its own; the scheduler serializes
// access.
type Sink struct {
	id       Identity
	desc     *stream.Descriptor
	capacity int

	rows  []record.Row
	bytes int64
	state map[string]any
}

// NewSink creates an empty sink. capacity <= 0 means no row threshold.
func NewSink(d *stream.Descriptor, capacity int) *Sink {
	return &Sink{id: identityOf(d), desc: d, capacity: capacity}
}

func (s *Sink) ID() Identity { return s.id }
func (s *Sink) Stream() string { return s.id.Stream }
func (s *Sink) Descriptor() *stream.Descriptor { return s.desc }
func (s *Sink) Len() int { return len(s.rows) }
func (s *Sink) Bytes() int64 { return s.bytes }
func (s *Sink) Capacity() int { return s.capacity }
func (s *Sink) Rows() []record.Row { return slices.Clone(s.rows) }
func (s *Sink) PendingState() map[string]any { return s.state }
func (s *Sink) IsFull() bool { return s.capacity > 0 && len(s.rows) >= s.capacity }

// Append buffers a row whose serialized form is size bytes long.
func (s *Sink) Append(row record.Row, size int) {
	s.rows = append(s.rows, row)
	s.bytes += int64(size)
}

// StageState merges a bookmark fragment into the one held for this sink.
func (s *Sink) StageState(fragment map[string]any) {
	if s.state == nil {
		s.state = map[string]any{}
	}
	state.DeepMerge(s.state, fragment)
}

func (s *Sink) takeState() map[string]any {
	st := s.state
	s.state = nil
	return st
}

func (s *Sink) reset() {
	s.rows = nil
	s.bytes = 0
}
