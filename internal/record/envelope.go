package record

import "time"

// Envelope is a RECORD as it arrived, before normalization.
type Envelope struct {
	Stream        string
	Fields        map[string]any
	Seq           uint64
	Version       *int64
	TimeExtracted time.Time
	Tags          map[string]string
}
