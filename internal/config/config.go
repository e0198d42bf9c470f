// Package config loads the engine configuration: a YAML file overlaid with
// TIDEWATER__ environment variables (`__` separates nesting levels).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"tidewater/internal/logging"
	kafkasource "tidewater/source/kafka"
	kafkatarget "tidewater/target/kafka"
	"tidewater/target/remote"
	"tidewater/target/sqldb"
	"tidewater/target/stdout"
)

const (
	SupportedSchema = "v1"
	EnvPrefix       = "TIDEWATER__"
)

// Stream names often contain dots, so keys are split on "/" instead.
const keyDelim = "/"

type Config struct {
	SchemaVersion string `koanf:"schema_version"`

	FlushPolicy        string `koanf:"flush_policy"` // rows | bytes
	MaximumBatchSizeMB int    `koanf:"maximum_batch_size_mb"`
	BatchSizeRows      int    `koanf:"batch_size_rows"`
	MaxParallelism     int    `koanf:"max_parallelism"`
	AddRecordMetadata  bool   `koanf:"add_record_metadata"`
	Deduplicate        bool   `koanf:"deduplicate"`
	StatePath          string `koanf:"state_path"` // empty = stdout

	Input    Input                   `koanf:"input"`
	Target   Target                  `koanf:"target"`
	Streams  map[string]StreamConfig `koanf:"streams"`
	Manifest Manifest                `koanf:"manifest"`
	Log      logging.Options         `koanf:"log"`
	Metrics  Metrics                 `koanf:"metrics"`
}

type Input struct {
	Kind  string             `koanf:"kind"` // reader | kafka
	Path  string             `koanf:"path"` // reader: file path, empty or "-" = stdin
	Kafka kafkasource.Config `koanf:"kafka"`
}

type Target struct {
	Kind   string             `koanf:"kind"` // stdout | kafka | sql | remote
	Stdout stdout.Config      `koanf:"stdout"`
	Kafka  kafkatarget.Config `koanf:"kafka"`
	SQL    sqldb.Config       `koanf:"sql"`
	Remote remote.Config      `koanf:"remote"`
}

// Block returns the driver config for the selected target kind.
func (t Target) Block() (any, error) {
	switch t.Kind {
	case "stdout":
		return t.Stdout, nil
	case "kafka":
		return t.Kafka, nil
	case "sql":
		return t.SQL, nil
	case "remote":
		return t.Remote, nil
	default:
		return nil, fmt.Errorf("no config block for target %q", t.Kind)
	}
}

type StreamConfig struct {
	DisableColumnTypeCheck bool           `koanf:"disable_column_type_check"`
	UniqueConflictMethod   string         `koanf:"unique_conflict_method"`
	UniqueConstraints      []string       `koanf:"unique_constraints"`
	StaticOverrideColumns  map[string]any `koanf:"static_override_columns"`
	BatchSizeRows          int            `koanf:"batch_size_rows"`
	Validation             string         `koanf:"validation"` // fail | skip
	ProjectToSchema        bool           `koanf:"project_to_schema"`
}

type Metrics struct {
	Port int `koanf:"port"` // 0 = disabled
}

type Manifest struct {
	S3Region   string `koanf:"s3_region"`
	S3Endpoint string `koanf:"s3_endpoint"`
}

// Load merges the YAML at path (optional) with environment overrides,
// applies defaults and validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(keyDelim)
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config %s: %w", path, err)
			}
			logging.L().Warn("config file not found, using defaults", "path", path)
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want %q)", sv, SupportedSchema)
	}

	if err := k.Load(env.Provider(EnvPrefix, "__", envKey), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TIDEWATER__TARGET__SQL__DSN -> target__sql__dsn; the provider splits on "__".
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}
