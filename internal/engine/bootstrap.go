package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"tidewater/internal/config"
	"tidewater/internal/logging"
	"tidewater/internal/manifest"
	"tidewater/internal/normalize"
	"tidewater/internal/pipeline"
	"tidewater/internal/protocol"
	"tidewater/internal/state"
	"tidewater/internal/stream"
	"tidewater/internal/telemetry"
	"tidewater/source"
	"tidewater/source/kafka"
	"tidewater/target"
)

// Bootstrap builds an engine from configuration. Target drivers must be
// registered by the caller (blank imports in main).
func Bootstrap(ctx context.Context, cfg config.Config) (*Engine, error) {
	// 1. logging and metrics
	logging.Configure(cfg.Log)
	telemetry.Expose(cfg.Metrics.Port)

	// 2. target
	drv, err := target.New(cfg.Target.Kind)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	block, err := cfg.Target.Block()
	if err != nil {
		return nil, err
	}
	if err := drv.Configure(block); err != nil {
		return nil, fmt.Errorf("target %s: %w", cfg.Target.Kind, err)
	}

	// 3. registry, normalizer, scheduler
	sopts, err := cfg.StreamOptions()
	if err != nil {
		closeQuietly(drv)
		return nil, err
	}
	if p, ok := drv.(target.Projector); ok {
		sopts.Projects = p.Projects
	}
	var policy pipeline.FlushPolicy = pipeline.RowCountPolicy{Rows: cfg.BatchSizeRows}
	if cfg.FlushPolicy == config.PolicyBytes {
		policy = pipeline.NewGlobalBytesPolicy(cfg.MaximumBatchSizeMB)
	}
	dedup := pipeline.KeepAll
	if cfg.Deduplicate {
		dedup = pipeline.KeepLastByKey
	}
	e := New(Deps{
		Registry:   stream.NewRegistry(sopts),
		Normalizer: normalize.New(normalize.Options{AddRecordMetadata: cfg.AddRecordMetadata}),
		Scheduler: pipeline.NewScheduler(pipeline.Options{
			Committer:      drv,
			State:          state.New(state.Options{Path: cfg.StatePath}),
			Policy:         policy,
			Dedup:          dedup,
			MaxParallelism: cfg.MaxParallelism,
			StampBatchedAt: cfg.AddRecordMetadata,
		}),
		Committer: drv,
		Manifests: manifest.NewReader(manifest.Options{
			Region:   cfg.Manifest.S3Region,
			Endpoint: cfg.Manifest.S3Endpoint,
		}),
	})
	if c, ok := drv.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}

	// 4. input
	if err := e.openInput(ctx, cfg.Input); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("input: %w", err)
	}
	logging.L().Info("engine ready",
		"input", cfg.Input.Kind, "target", cfg.Target.Kind,
		"flush_policy", cfg.FlushPolicy, "max_parallelism", cfg.MaxParallelism)
	return e, nil
}

func (e *Engine) openInput(ctx context.Context, in config.Input) error {
	switch in.Kind {
	case "reader":
		if in.Path == "" || in.Path == "-" {
			e.input = protocol.NewDecoder(os.Stdin)
			return nil
		}
		dec, err := protocol.OpenFile(in.Path)
		if err != nil {
			return err
		}
		e.input = dec
		e.closers = append(e.closers, dec)
		return nil

	case "kafka":
		ad, err := kafka.NewAdapter(in.Kafka.Driver)
		if err != nil {
			return err
		}
		if err := ad.Configure(in.Kafka); err != nil {
			return err
		}
		rc := source.Pipe(ctx, ad.Run)
		e.input = protocol.NewDecoder(rc)
		e.closers = append(e.closers, ad, rc)
		return nil
	}
	return fmt.Errorf("unsupported input kind %q", in.Kind)
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
