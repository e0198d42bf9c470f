package kafka

import (
	"errors"
	"time"
)

type Config struct {
	Driver    string   `koanf:"driver"`
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default oldest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	// CommitInterval is how often marked offsets are committed.
	CommitInterval time.Duration `koanf:"commit_interval"`
}

func ApplyDefaults(c *Config) {
	if c.Driver == "" {
		c.Driver = "sarama"
	}
	if c.StartFrom == "" {
		c.StartFrom = "oldest"
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = 5 * time.Second
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("input.kafka.brokers is required"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("input.kafka.topics is required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("input.kafka.group_id is required"))
	}
	if c.StartFrom != "oldest" && c.StartFrom != "newest" {
		errs = append(errs, errors.New("input.kafka.start_from must be oldest or newest"))
	}
	return errors.Join(errs...)
}
