// Package config loads the uploadkit configuration from defaults, a YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/udl-tools/go-uploadkit/upload"
)

// EnvPrefix is the prefix of environment variables overriding the configuration.
// Nested keys are separated by a double underscore, e.g. UPLOADKIT_UPLOAD__CHUNK_SIZE.
const EnvPrefix = "UPLOADKIT_"

// Backends
const (
	BackendNode = "node"
	BackendS3   = "s3"
	BackendGCS  = "gcs"
)

// Secret is a string that is never printed.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// ByteSize is a byte count that can be written as a plain number or a human size like 25MiB.
type ByteSize int64

// UnmarshalText ...
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := units.RAMInBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*b = ByteSize(size)
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Config ...
type Config struct {
	Debug     bool            `koanf:"debug"`
	Backend   string          `koanf:"backend"`
	Upload    UploadConfig    `koanf:"upload"`
	Node      NodeConfig      `koanf:"node"`
	S3        S3Config        `koanf:"s3"`
	GCS       GCSConfig       `koanf:"gcs"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	NATS      NATSConfig      `koanf:"nats"`
	Server    ServerConfig    `koanf:"server"`
	Analytics AnalyticsConfig `koanf:"analytics"`
}

// UploadConfig ...
type UploadConfig struct {
	ChunkSize        ByteSize      `koanf:"chunk_size"`
	BatchSize        int           `koanf:"batch_size"`
	GatewayURL       string        `koanf:"gateway_url"`
	MaxRetryPerChunk int           `koanf:"max_retry_per_chunk"`
	RetryWait        time.Duration `koanf:"retry_wait"`
	HungThreshold    time.Duration `koanf:"hung_threshold"`
}

// NodeConfig ...
type NodeConfig struct {
	URL      string `koanf:"url"`
	Currency string `koanf:"currency"`
	Token    Secret `koanf:"token"`
}

// S3Config ...
type S3Config struct {
	Region          string `koanf:"region"`
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	AccessKeyID     Secret `koanf:"access_key_id"`
	SecretAccessKey Secret `koanf:"secret_access_key"`
}

// GCSConfig ...
type GCSConfig struct {
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	CredentialsFile string `koanf:"credentials_file"`
}

// LedgerConfig ...
type LedgerConfig struct {
	// Path of the SQLite history database, history is not kept when empty.
	Path string `koanf:"path"`
}

// NATSConfig ...
type NATSConfig struct {
	// URL of the NATS server, progress is not published when empty.
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// ServerConfig ...
type ServerConfig struct {
	Addr          string   `koanf:"addr"`
	Mode          string   `koanf:"mode"` // debug, release, test
	MaxUploadSize ByteSize `koanf:"max_upload_size"`
	TempDir       string   `koanf:"temp_dir"`
	// Retention keeps finished uploads queryable in memory when the history is disabled.
	Retention time.Duration `koanf:"retention"`
}

// AnalyticsConfig ...
type AnalyticsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the configuration used for every key no source sets.
func Default() Config {
	return Config{
		Backend: BackendNode,
		Upload: UploadConfig{
			ChunkSize:        ByteSize(upload.DefaultChunkSize),
			BatchSize:        upload.DefaultBatchSize,
			GatewayURL:       upload.DefaultGatewayURL,
			MaxRetryPerChunk: 3,
			RetryWait:        time.Second,
			HungThreshold:    30 * time.Second,
		},
		Node: NodeConfig{
			URL:      "https://node1.bundlr.network",
			Currency: "matic",
		},
		NATS: NATSConfig{
			Subject: "uploadkit.progress",
		},
		Server: ServerConfig{
			Addr:          ":8080",
			Mode:          "release",
			MaxUploadSize: ByteSize(1 << 30),
			Retention:     time.Hour,
		},
	}
}

// LoadOptions ...
type LoadOptions struct {
	// ConfigFile is an optional YAML file.
	ConfigFile string
	// DotEnvFile is loaded into the process environment if it exists. Default: .env
	DotEnvFile string
}

// Load layers defaults, the YAML file, the .env file and UPLOADKIT_ environment variables, later sources winning.
func Load(opts LoadOptions, logger log.Logger) (Config, error) {
	dotEnv := opts.DotEnvFile
	if dotEnv == "" {
		dotEnv = ".env"
	}
	if err := godotenv.Load(dotEnv); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || opts.DotEnvFile != "" {
			logger.Warnf("Failed to load %s: %s", dotEnv, err)
		}
	}

	k := koanf.New(".")

	if opts.ConfigFile != "" {
		if err := k.Load(file.Provider(opts.ConfigFile), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps UPLOADKIT_UPLOAD__CHUNK_SIZE to upload.chunk_size.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate ...
func (c Config) Validate() error {
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive")
	}
	if c.Upload.BatchSize <= 0 {
		return fmt.Errorf("upload.batch_size must be positive")
	}
	if c.Upload.GatewayURL == "" {
		return fmt.Errorf("upload.gateway_url must not be empty")
	}

	switch c.Backend {
	case BackendNode:
		if c.Node.URL == "" || c.Node.Currency == "" {
			return fmt.Errorf("node.url and node.currency are required for the node backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("s3.bucket and s3.region are required for the s3 backend")
		}
	case BackendGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown backend %q, valid values: %s, %s, %s", c.Backend, BackendNode, BackendS3, BackendGCS)
	}
	return nil
}

// Coordinator returns the coordinator part of the configuration.
func (c Config) Coordinator() upload.Config {
	return upload.Config{
		ChunkSize:  int64(c.Upload.ChunkSize),
		BatchSize:  c.Upload.BatchSize,
		GatewayURL: c.Upload.GatewayURL,
	}
}

// Print logs the effective configuration with secrets masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- backend: %s", c.Backend)
	logger.Printf("- upload.chunk_size: %s", c.Upload.ChunkSize)
	logger.Printf("- upload.batch_size: %d", c.Upload.BatchSize)
	logger.Printf("- upload.gateway_url: %s", c.Upload.GatewayURL)
	switch c.Backend {
	case BackendNode:
		logger.Printf("- node.url: %s", c.Node.URL)
		logger.Printf("- node.currency: %s", c.Node.Currency)
		logger.Printf("- node.token: %s", valueOrUnset(c.Node.Token.String()))
	case BackendS3:
		logger.Printf("- s3.region: %s", c.S3.Region)
		logger.Printf("- s3.bucket: %s", c.S3.Bucket)
		logger.Printf("- s3.access_key_id: %s", valueOrUnset(c.S3.AccessKeyID.String()))
		logger.Printf("- s3.secret_access_key: %s", valueOrUnset(c.S3.SecretAccessKey.String()))
	case BackendGCS:
		logger.Printf("- gcs.bucket: %s", c.GCS.Bucket)
		logger.Printf("- gcs.credentials_file: %s", valueOrUnset(c.GCS.CredentialsFile))
	}
	logger.Printf("- ledger.path: %s", valueOrUnset(c.Ledger.Path))
	logger.Printf("- nats.url: %s", valueOrUnset(c.NATS.URL))
}

func valueOrUnset(v string) string {
	if v == "" {
		return "<unset>"
	}
	return v
}
