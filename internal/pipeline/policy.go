package pipeline

import "tidewater/internal/stream"

const (
	DefaultBatchRows = 10000
	DefaultBatchMB   = 100
)

// FlushPolicy decides when sinks are due. Policies are called from the
// decode loop only.
type FlushPolicy interface {
	// Capacity is the row threshold of a new sink for d; 0 means none.
	Capacity(d *stream.Descriptor) int
	// Added records that size bytes were appended to s.
	Added(s *Sink, size int)
	// Due returns the sinks to drain after last grew.
	Due(last *Sink, active []*Sink) []*Sink
	// Drained records that a committed drain released bytes.
	Drained(s *Sink, bytes int64)
}

// RowCountPolicy drains a sink once it holds its row threshold.
type RowCountPolicy struct {
	// Rows is the default threshold; streams may override it.
	Rows int
}

func (p RowCountPolicy) Capacity(d *stream.Descriptor) int {
	switch {
	case d.BatchSizeRows > 0:
		return d.BatchSizeRows
	case p.Rows > 0:
		return p.Rows
	default:
		return DefaultBatchRows
	}
}

func (RowCountPolicy) Added(*Sink, int) {}

func (RowCountPolicy) Due(last *Sink, _ []*Sink) []*Sink {
	if last != nil && last.IsFull() {
		return []*Sink{last}
	}
	return nil
}

func (RowCountPolicy) Drained(*Sink, int64) {}

// GlobalBytesPolicy drains every sink once the bytes buffered across all of
// them reach Threshold. Per-stream row thresholds still apply.
type GlobalBytesPolicy struct {
	Threshold int64
	pending   int64
}

func NewGlobalBytesPolicy(mb int) *GlobalBytesPolicy {
	if mb <= 0 {
		mb = DefaultBatchMB
	}
	return &GlobalBytesPolicy{Threshold: int64(mb) << 20}
}

func (p *GlobalBytesPolicy) Capacity(d *stream.Descriptor) int { return d.BatchSizeRows }

func (p *GlobalBytesPolicy) Added(_ *Sink, size int) { p.pending += int64(size) }

func (p *GlobalBytesPolicy) Due(last *Sink, active []*Sink) []*Sink {
	if p.pending >= p.Threshold {
		due := make([]*Sink, 0, len(active))
		for _, s := range active {
			if s.Len() > 0 {
				due = append(due, s)
			}
		}
		return due
	}
	if last != nil && last.IsFull() {
		return []*Sink{last}
	}
	return nil
}

func (p *GlobalBytesPolicy) Drained(_ *Sink, bytes int64) {
	p.pending -= bytes
	if p.pending < 0 {
		p.pending = 0
	}
}

// Pending is the byte count buffered since the last drains.
func (p *GlobalBytesPolicy) Pending() int64 { return p.pending }
