package config

import (
	kafkasource "tidewater/source/kafka"
)

const (
	PolicyRows  = "rows"
	PolicyBytes = "bytes"
)

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	if c.FlushPolicy == "" {
		c.FlushPolicy = PolicyRows
	}
	if c.MaximumBatchSizeMB == 0 {
		c.MaximumBatchSizeMB = 100
	}
	if c.BatchSizeRows == 0 {
		c.BatchSizeRows = 10_000
	}
	if c.MaxParallelism == 0 {
		c.MaxParallelism = 8
	}
	if c.Input.Kind == "" {
		c.Input.Kind = "reader"
	}
	if c.Input.Kind == "kafka" {
		kafkasource.ApplyDefaults(&c.Input.Kafka)
	}
	if c.Target.Kind == "" {
		c.Target.Kind = "stdout"
	}
	if c.Target.Kind == "sql" && c.Target.SQL.Driver == "" {
		c.Target.SQL.Driver = "sqlite"
	}
	if c.Target.Remote.TimeoutMS == 0 {
		c.Target.Remote.TimeoutMS = 30_000
	}
}
