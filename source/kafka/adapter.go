package kafka

import (
	"context"

	"tidewater/source"
)

// Adapter consumes protocol lines from Kafka; each message value is one line.
type Adapter interface {
	Configure(Config) error
	Run(context.Context, source.EmitFunc) error
	Close() error
}
