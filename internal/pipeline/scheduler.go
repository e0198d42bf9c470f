// Package pipeline buffers normalized rows per stream and drains them into a
// target, releasing state only for committed rows.
package pipeline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"tidewater/internal/logging"
	"tidewater/internal/record"
	"tidewater/internal/state"
	"tidewater/internal/stream"
	"tidewater/internal/telemetry"
	"tidewater/target"
)

const DefaultMaxParallelism = 8

type Options struct {
	Committer target.Committer
	State     *state.Reconciler
	Policy    FlushPolicy // RowCountPolicy{} when nil
	Dedup     DedupFunc   // KeepAll when nil
	// MaxParallelism bounds concurrent drains in a cycle.
	MaxParallelism int
	// StampBatchedAt sets _sdc_batched_at on the committed copy of each row.
	StampBatchedAt bool
	Now            func() time.Time
}

// DrainResult is the outcome of one Drain.
type DrainResult struct {
	Sink     *Sink
	BatchID  string
	Rows     int // rows handed to Commit; 0 when the buffer was empty
	Bytes    int64
	Fragment map[string]any
	Err      error
}

// Scheduler owns the active and retired sinks. Everything except Drain is
// called from the decode loop.
type Scheduler struct {
	opts   Options
	tracer trace.Tracer

	active  map[string]*Sink
	order   []string
	retired []*Sink

	locks sync.Map // Identity -> *sync.Mutex
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Policy == nil {
		opts.Policy = RowCountPolicy{}
	}
	if opts.Dedup == nil {
		opts.Dedup = KeepAll
	}
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = DefaultMaxParallelism
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.State == nil {
		opts.State = state.New(state.Options{})
	}
	return &Scheduler{
		opts:   opts,
		tracer: otel.Tracer("tidewater/pipeline"),
		active: map[string]*Sink{},
	}
}

// State exposes the reconciler the scheduler stages into.
func (s *Scheduler) State() *state.Reconciler { return s.opts.State }

// Active lists the active sinks in stream declaration order.
func (s *Scheduler) Active() []*Sink {
	out := make([]*Sink, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.active[name])
	}
	return out
}

// Retired lists sinks waiting for their final drain, oldest first.
func (s *Scheduler) Retired() []*Sink { return slices.Clone(s.retired) }

// SinkFor returns the active sink for d, retiring a sink of an older schema
// generation of the same stream.
func (s *Scheduler) SinkFor(d *stream.Descriptor) *Sink {
	if sk, ok := s.active[d.Name]; ok {
		if sk.ID() == identityOf(d) {
			sk.desc = d
			return sk
		}
		s.Retire(d.Name)
	}
	sk := NewSink(d, s.opts.Policy.Capacity(d))
	s.active[d.Name] = sk
	s.order = append(s.order, d.Name)
	return sk
}

// Retire detaches the active sink of a stream. A sink holding rows is drained
// first thing in the next cycle; an empty one is dropped.
func (s *Scheduler) Retire(name string) {
	sk, ok := s.active[name]
	if !ok {
		return
	}
	delete(s.active, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	if sk.Len() > 0 {
		s.retired = append(s.retired, sk)
		logging.L().Debug("sink retired", "sink", sk.ID().String(), "rows", sk.Len())
		return
	}
	s.locks.Delete(sk.ID())
	if st := sk.takeState(); st != nil {
		s.opts.State.Stage(name, st)
	}
}

// Append buffers row for d and runs a cycle when the policy says so.
func (s *Scheduler) Append(ctx context.Context, d *stream.Descriptor, row record.Row, size int) error {
	sk := s.SinkFor(d)
	sk.Append(row, size)
	s.opts.Policy.Added(sk, size)
	if due := s.opts.Policy.Due(sk, s.Active()); len(due) > 0 {
		return s.Cycle(ctx, due)
	}
	return nil
}

// StageState attaches a bookmark fragment to the sink holding the stream's
// uncommitted rows. With nothing buffered the fragment goes straight to the
// reconciler.
func (s *Scheduler) StageState(name string, fragment map[string]any) {
	if sk, ok := s.active[name]; ok && sk.Len() > 0 {
		sk.StageState(fragment)
		return
	}
	for i := len(s.retired) - 1; i >= 0; i-- {
		if r := s.retired[i]; r.Stream() == name && r.Len() > 0 {
			r.StageState(fragment)
			return
		}
	}
	s.opts.State.Stage(name, fragment)
}

// Drain commits the buffered rows of sk. Drains of the same identity never
// overlap; a drain that finds the buffer empty does not call the target.
func (s *Scheduler) Drain(ctx context.Context, sk *Sink) DrainResult {
	mu, _ := s.locks.LoadOrStore(sk.ID(), &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	res := DrainResult{Sink: sk}
	if sk.Len() == 0 {
		res.Fragment = sk.takeState()
		return res
	}

	res.BatchID = ulid.Make().String()
	ctx, span := s.tracer.Start(ctx, "pipeline.drain", trace.WithAttributes(
		attribute.String("stream", sk.Stream()),
		attribute.String("batch_id", res.BatchID),
		attribute.Int("rows", sk.Len()),
	))
	defer span.End()

	rows := s.opts.Dedup(sk.desc, sk.Rows())
	if s.opts.StampBatchedAt {
		rows = stampBatchedAt(rows, s.opts.Now())
	}

	start := time.Now()
	err := s.opts.Committer.Commit(ctx, sk.desc, rows)
	telemetry.CommitSeconds.WithLabelValues(sk.Stream()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		telemetry.Drains.WithLabelValues(sk.Stream(), "error").Inc()
		logging.L().Error("drain failed", "stream", sk.Stream(), "batch_id", res.BatchID, "rows", len(rows), "err", err)
		res.Err = &CommitError{Stream: sk.Stream(), BatchID: res.BatchID, Rows: len(rows), Err: err}
		return res
	}

	res.Rows = len(rows)
	res.Bytes = sk.Bytes()
	res.Fragment = sk.takeState()
	sk.reset()

	telemetry.Drains.WithLabelValues(sk.Stream(), "ok").Inc()
	telemetry.RowsCommitted.WithLabelValues(sk.Stream()).Add(float64(res.Rows))
	logging.L().Info("drain committed", "stream", sk.Stream(), "batch_id", res.BatchID,
		"rows", res.Rows, "took", time.Since(start))
	return res
}

// Cycle drains retired sinks one by one, then due in a bounded pool. After
// every drain has finished, fragments of successful drains are staged and, if
// anything was committed, the state is emitted. Any failure turns into an
// *AggregateError and nothing is emitted.
func (s *Scheduler) Cycle(ctx context.Context, due []*Sink) error {
	return s.cycle(ctx, due, false)
}

// FlushStream runs a cycle for one stream's active sink, also draining every
// retired sink.
func (s *Scheduler) FlushStream(ctx context.Context, name string) error {
	var due []*Sink
	if sk, ok := s.active[name]; ok {
		due = append(due, sk)
	}
	return s.cycle(ctx, due, false)
}

// Finish drains everything at end of input and always emits the state.
func (s *Scheduler) Finish(ctx context.Context) error {
	return s.cycle(ctx, s.Active(), true)
}

func (s *Scheduler) cycle(ctx context.Context, due []*Sink, final bool) error {
	retired := s.retired
	s.retired = nil

	ctx, span := s.tracer.Start(ctx, "pipeline.cycle", trace.WithAttributes(
		attribute.Int("retired", len(retired)),
		attribute.Int("due", len(due)),
		attribute.Bool("final", final),
	))
	defer span.End()

	results := make([]DrainResult, 0, len(retired)+len(due))
	for _, sk := range retired {
		results = append(results, s.Drain(ctx, sk))
	}

	// One failed commit must not cancel the other drains.
	var eg errgroup.Group
	eg.SetLimit(max(1, min(s.opts.MaxParallelism, len(retired)+len(due))))
	out := make([]DrainResult, len(due))
	for i, sk := range due {
		eg.Go(func() error {
			out[i] = s.Drain(ctx, sk)
			return nil
		})
	}
	_ = eg.Wait()
	results = append(results, out...)

	var errs []error
	committed := 0
	for i, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			if i < len(retired) {
				s.retired = append(s.retired, r.Sink)
			}
			continue
		}
		if i < len(retired) {
			// final drain of a retired sink; no drain is in flight after the join
			s.locks.Delete(r.Sink.ID())
		}
		if r.Rows > 0 {
			committed++
			s.opts.Policy.Drained(r.Sink, r.Bytes)
		}
		if r.Fragment != nil {
			s.opts.State.Stage(r.Sink.Stream(), r.Fragment)
		}
	}
	if err := aggregate(errs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cycle failed")
		return err
	}
	if committed == 0 && !final {
		return nil
	}
	s.opts.State.Merge()
	return s.opts.State.Emit()
}

func stampBatchedAt(rows []record.Row, now time.Time) []record.Row {
	ts := record.StringValue(now.UTC().Format(time.RFC3339Nano))
	out := make([]record.Row, len(rows))
	for i, r := range rows {
		c := make(record.Row, len(r)+1)
		for k, v := range r {
			c[k] = v
		}
		c[stream.ColBatchedAt] = ts
		out[i] = c
	}
	return out
}
