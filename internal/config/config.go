// Package config loads the entitycore configuration and wires the backends
// it names.
//
// Config file locations (priority order):
//  1. $ENTITYCORE_CONFIG
//  2. ./entitycore.yaml
//  3. $XDG_CONFIG_HOME/entitycore/config.yaml
//  4. ~/.config/entitycore/config.yaml
//  5. /etc/entitycore/config.yaml
//
// Environment variables override file values:
//
//	ENTITYCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	ENTITYCORE_SQLITE_PATH:    sqlite file (default ./entitycore.db)
//	ENTITYCORE_POSTGRES_DSN:   ledger DSN when driver=postgres
//	ENTITYCORE_BLOB_DRIVER:    fs|s3|memory (default fs)
//	ENTITYCORE_BLOB_FS_ROOT:   archive root when blob driver=fs
//	ENTITYCORE_BLOB_S3_BUCKET, ENTITYCORE_BLOB_S3_REGION,
//	ENTITYCORE_BLOB_S3_ENDPOINT, ENTITYCORE_BLOB_S3_PATH_STYLE
//	ENTITYCORE_KAFKA_BROKERS:  comma separated broker list
//	ENTITYCORE_KAFKA_TOPIC
//	ENTITYCORE_LOG_LEVEL, ENTITYCORE_LOG_FORMAT
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath names an explicit config file.
	EnvConfigPath = "ENTITYCORE_CONFIG"
	// ConfigFileName is looked up in the working directory.
	ConfigFileName = "entitycore.yaml"
	// ConfigDirName is the directory under the XDG and system config roots.
	ConfigDirName = "entitycore"

	defaultSQLitePath = "./entitycore.db"
	defaultBlobRoot   = "./blobdata"
	defaultKafkaTopic = "entitycore.changes"
	defaultLogLevel   = "warn"
	defaultLogFormat  = "json"
)

// Load discovers the config file, applies environment overrides and returns
// the effective configuration with the path it was read from (empty when
// defaults were used).
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		cfg := &Config{}
		if err := cfg.finish(os.LookupEnv); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath reads one file, then applies environment overrides.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.finish(os.LookupEnv); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

func (c *Config) finish(lookup func(string) (string, bool)) error {
	c.applyEnv(lookup)
	c.applyDefaults()
	return c.Validate()
}

// Save writes c as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageSQLite
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = defaultSQLitePath
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "fs"
	}
	if c.Blob.FSRoot == "" {
		c.Blob.FSRoot = defaultBlobRoot
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = defaultKafkaTopic
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("ENTITYCORE_STORAGE_DRIVER"); ok && v != "" {
		c.Storage.Driver = StorageDriver(strings.ToLower(v))
	}
	str("ENTITYCORE_SQLITE_PATH", &c.Storage.SQLitePath)
	str("ENTITYCORE_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("ENTITYCORE_BLOB_DRIVER", &c.Blob.Driver)
	str("ENTITYCORE_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("ENTITYCORE_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("ENTITYCORE_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("ENTITYCORE_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	if v, ok := lookup("ENTITYCORE_BLOB_S3_PATH_STYLE"); ok && v != "" {
		c.Blob.S3.PathStyle = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("ENTITYCORE_KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	str("ENTITYCORE_KAFKA_TOPIC", &c.Kafka.Topic)
	str("ENTITYCORE_LOG_LEVEL", &c.Log.Level)
	str("ENTITYCORE_LOG_FORMAT", &c.Log.Format)
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob driver s3 requires a bucket")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	return nil
}

// FindConfigPath returns the first existing config file, or "".
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" && fileExists(path) {
		return path
	}
	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if path := filepath.Join(xdg, ConfigDirName, "config.yaml"); fileExists(path) {
			return path
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		if path := filepath.Join(home, ".config", ConfigDirName, "config.yaml"); fileExists(path) {
			return path
		}
	}
	if path := filepath.Join("/etc", ConfigDirName, "config.yaml"); fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
