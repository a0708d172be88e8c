package config

import (
	"time"
)

// StorageDriver names the persistence backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
)

// Config is the root configuration document.
type Config struct {
	Version int           `yaml:"version"`
	Storage StorageConfig `yaml:"storage"`
	Blob    BlobConfig    `yaml:"blob"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Log     LogConfig     `yaml:"log"`
	Audit   AuditConfig   `yaml:"audit"`
}

// StorageConfig selects where entity rows and audit records live. The
// postgres driver holds the ledger only; entity rows then stay in memory.
type StorageConfig struct {
	Driver      StorageDriver       `yaml:"driver"`
	SQLitePath  string              `yaml:"sqlite_path"`
	PostgresDSN string              `yaml:"postgres_dsn"`
	Unique      map[string][]string `yaml:"unique,omitempty"`
}

// BlobConfig selects the archive blob store.
type BlobConfig struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config holds the S3 bucket settings. Credentials come from the AWS
// default chain.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style"`
}

// KafkaConfig enables change notifications when brokers are configured.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers,omitempty"`
	Topic        string   `yaml:"topic"`
	WriteTimeout Duration `yaml:"write_timeout,omitempty"`
}

// Enabled reports whether a Kafka listener should be wired.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig tunes audit payloads.
type AuditConfig struct {
	// Redact lists payload fields replaced by a mask before recording.
	Redact []string `yaml:"redact,omitempty"`
}

// Duration wraps time.Duration for YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
