package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"tidewater/internal/stream"
)

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{PolicyRows, PolicyBytes}, c.FlushPolicy) {
		errs = append(errs, fmt.Errorf("flush_policy %q must be rows or bytes", c.FlushPolicy))
	}
	if c.MaximumBatchSizeMB < 0 || c.BatchSizeRows < 0 || c.MaxParallelism < 0 {
		errs = append(errs, errors.New("batch sizes and max_parallelism must not be negative"))
	}

	switch c.Input.Kind {
	case "reader":
	case "kafka":
		errs = append(errs, c.Input.Kafka.Validate())
	default:
		errs = append(errs, fmt.Errorf("input.kind %q must be reader or kafka", c.Input.Kind))
	}

	switch c.Target.Kind {
	case "stdout":
	case "kafka":
		if len(c.Target.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("target.kafka.brokers is required"))
		}
	case "sql":
		if c.Target.SQL.DSN == "" {
			errs = append(errs, errors.New("target.sql.dsn is required"))
		}
		if d := c.Target.SQL.Driver; d != "sqlite" && d != "postgres" && d != "postgresql" {
			errs = append(errs, fmt.Errorf("target.sql.driver %q must be sqlite or postgres", d))
		}
	case "remote":
		if c.Target.Remote.Address == "" {
			errs = append(errs, errors.New("target.remote.address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("target.kind %q is not supported", c.Target.Kind))
	}

	for _, name := range slices.Sorted(maps.Keys(c.Streams)) {
		if _, err := c.Streams[name].settings(); err != nil {
			errs = append(errs, fmt.Errorf("streams.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// StreamOptions builds the stream registry options.
func (c Config) StreamOptions() (stream.Options, error) {
	opts := stream.Options{
		AddRecordMetadata: c.AddRecordMetadata,
		Streams:           make(map[string]stream.Settings, len(c.Streams)),
	}
	for name, sc := range c.Streams {
		s, err := sc.settings()
		if err != nil {
			return opts, fmt.Errorf("streams.%s: %w", name, err)
		}
		opts.Streams[name] = s
	}
	return opts, nil
}

func (sc StreamConfig) settings() (stream.Settings, error) {
	mode, err := stream.ParseConflictMode(sc.UniqueConflictMethod)
	if err != nil {
		return stream.Settings{}, err
	}
	policy, err := stream.ParseValidationPolicy(sc.Validation)
	if err != nil {
		return stream.Settings{}, err
	}
	if sc.BatchSizeRows < 0 {
		return stream.Settings{}, errors.New("batch_size_rows must not be negative")
	}
	return stream.Settings{
		DisableTypeCheck:  sc.DisableColumnTypeCheck,
		ConflictMode:      mode,
		UniqueConstraints: sc.UniqueConstraints,
		StaticOverrides:   sc.StaticOverrideColumns,
		BatchSizeRows:     sc.BatchSizeRows,
		Validation:        policy,
		ProjectToSchema:   sc.ProjectToSchema,
	}, nil
}
