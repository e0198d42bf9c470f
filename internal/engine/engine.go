// Package engine runs the decode loop: messages update the stream registry,
// rows are normalized into the drain scheduler, and state follows commits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"tidewater/internal/jsoncodec"
	"tidewater/internal/logging"
	"tidewater/internal/manifest"
	"tidewater/internal/normalize"
	"tidewater/internal/pipeline"
	"tidewater/internal/protocol"
	"tidewater/internal/record"
	"tidewater/internal/stream"
	"tidewater/internal/telemetry"
	"tidewater/target"
)

type Deps struct {
	Registry   *stream.Registry
	Normalizer *normalize.Normalizer
	Scheduler  *pipeline.Scheduler
	Committer  target.Committer
	Manifests  *manifest.Reader
}

type Engine struct {
	deps    Deps
	input   *protocol.Decoder
	closers []io.Closer
	seq     uint64
}

func New(deps Deps) *Engine {
	if deps.Registry == nil {
		deps.Registry = stream.NewRegistry(stream.Options{})
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(normalize.Options{})
	}
	if deps.Scheduler == nil {
		deps.Scheduler = pipeline.NewScheduler(pipeline.Options{Committer: deps.Committer})
	}
	if deps.Manifests == nil {
		deps.Manifests = manifest.NewReader(manifest.Options{})
	}
	return &Engine{deps: deps}
}

// Run consumes the input opened by Bootstrap and releases it afterwards.
func (e *Engine) Run(ctx context.Context) error {
	if e.input == nil {
		return errors.New("engine: no input configured")
	}
	err := e.Consume(ctx, e.input)
	return errors.Join(err, e.Close())
}

// Close releases the input and the target, last opened first.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i].Close())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Consume reads dec to the end and then drains every sink. Cancelling ctx
// stops reading; rows already buffered are still committed.
func (e *Engine) Consume(ctx context.Context, dec *protocol.Decoder) error {
	commitCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			logging.L().Info("input interrupted, draining buffered rows")
			break
		}
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := e.handle(commitCtx, msg); err != nil {
			return err
		}
	}
	if n := dec.Warnings(); n > 0 {
		logging.L().Warn("input contained unparsable lines", "count", n)
	}
	return e.deps.Scheduler.Finish(commitCtx)
}

func (e *Engine) handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.SchemaMessage:
		_, change, err := e.deps.Registry.Upsert(stream.Update{
			Stream:             m.Stream,
			Schema:             m.Schema,
			RawSchema:          m.RawSchema,
			KeyProperties:      m.KeyProperties,
			BookmarkProperties: m.BookmarkProperties,
			PartitionKeys:      m.PartitionKeys,
		})
		if err != nil {
			return protocol.Errorf(m.Line(), m.Stream, "schema: %v", err)
		}
		if change == stream.ChangeReplaced {
			e.deps.Scheduler.Retire(m.Stream)
		}
		logging.L().Debug("schema", "stream", m.Stream, "change", change)
		return nil

	case *protocol.RecordMessage:
		d, ok := e.deps.Registry.Get(m.Stream)
		if !ok {
			return protocol.Errorf(m.Line(), m.Stream, "RECORD before SCHEMA")
		}
		return e.appendRow(ctx, d, m.Line(), record.Envelope{
			Stream:        m.Stream,
			Fields:        m.Record,
			Version:       m.Version,
			TimeExtracted: m.TimeExtracted,
		}, m.Size)

	case *protocol.StateMessage:
		streams, root := m.Bookmarks()
		for _, name := range slices.Sorted(maps.Keys(streams)) {
			e.deps.Scheduler.StageState(name, streams[name])
		}
		if len(root) > 0 {
			e.deps.Scheduler.StageState("", root)
		}
		return nil

	case *protocol.ActivateVersionMessage:
		return e.activate(ctx, m)

	case *protocol.BatchMessage:
		return e.batch(ctx, m)
	}
	return fmt.Errorf("engine: unhandled message %T", msg)
}

func (e *Engine) appendRow(ctx context.Context, d *stream.Descriptor, line int, env record.Envelope, size int) error {
	if k, ok := missingKey(d, env.Fields); ok {
		return protocol.Errorf(line, d.Name, "record missing key property %q", k)
	}
	e.seq++
	env.Seq = e.seq
	row, err := e.deps.Normalizer.Normalize(env, d)
	if errors.Is(err, normalize.ErrSkipped) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.deps.Scheduler.Append(ctx, d, row, size); err != nil {
		return err
	}
	telemetry.RecordsIngested.WithLabelValues(d.Name).Inc()
	return nil
}

func (e *Engine) activate(ctx context.Context, m *protocol.ActivateVersionMessage) error {
	d, ok := e.deps.Registry.Get(m.Stream)
	if !ok {
		return protocol.Errorf(m.Line(), m.Stream, "ACTIVATE_VERSION before SCHEMA")
	}
	if !e.deps.Registry.SetVersion(m.Stream, m.Version) {
		logging.L().Warn("ignoring older table version", "stream", m.Stream, "version", m.Version, "current", d.Version)
		return nil
	}
	if err := e.deps.Scheduler.FlushStream(ctx, m.Stream); err != nil {
		return err
	}
	va, ok := e.deps.Committer.(target.VersionActivator)
	if !ok {
		return nil
	}
	if err := va.ActivateVersion(ctx, d, m.Version); err != nil {
		return fmt.Errorf("activate version %d for %s: %w", m.Version, m.Stream, err)
	}
	return nil
}

// batch reads every manifest file and feeds its objects through the same
// path as inline RECORD messages.
func (e *Engine) batch(ctx context.Context, m *protocol.BatchMessage) error {
	d, ok := e.deps.Registry.Get(m.Stream)
	if !ok {
		return protocol.Errorf(m.Line(), m.Stream, "BATCH before SCHEMA")
	}
	for _, path := range m.Manifest {
		tags := map[string]string{"manifest": path}
		err := e.deps.Manifests.Records(ctx, m.Encoding, []string{path}, func(fields map[string]any) error {
			raw, err := jsoncodec.Marshal(fields)
			if err != nil {
				return err
			}
			return e.appendRow(ctx, d, m.Line(), record.Envelope{Stream: m.Stream, Fields: fields, Tags: tags}, len(raw))
		})
		if err != nil {
			return fmt.Errorf("batch %s: %w", m.Stream, err)
		}
	}
	return nil
}

// missingKey returns the first key property that is absent or null.
func missingKey(d *stream.Descriptor, fields map[string]any) (string, bool) {
	for _, k := range d.KeyProperties {
		if v, ok := fields[k]; !ok || v == nil {
			return k, true
		}
	}
	return "", false
}
