package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udl-tools/go-uploadkit/upload"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func missingDotEnv(t *testing.T) LoadOptions {
	return LoadOptions{DotEnvFile: filepath.Join(t.TempDir(), "missing.env")}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(missingDotEnv(t), log.NewLogger())

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, upload.DefaultChunkSize, int64(cfg.Upload.ChunkSize))
	assert.Equal(t, 5, cfg.Upload.BatchSize)
	assert.Equal(t, "https://arweave.net", cfg.Upload.GatewayURL)
	assert.Equal(t, BackendNode, cfg.Backend)
	assert.Equal(t, "https://node1.bundlr.network", cfg.Node.URL)
	assert.Equal(t, "matic", cfg.Node.Currency)
	assert.Equal(t, time.Hour, cfg.Server.Retention)
}

func TestLoad_Layering(t *testing.T) {
	// Given
	configFile := writeFile(t, "uploadkit.yml", `
backend: s3
upload:
  chunk_size: 8MiB
  batch_size: 3
  retry_wait: 250ms
s3:
  region: eu-west-1
  bucket: from-file
  secret_access_key: from-file-secret
ledger:
  path: /tmp/history.db
`)
	dotEnv := writeFile(t, "test.env", "UPLOADKIT_S3__PREFIX=from-dotenv\n")
	t.Cleanup(func() {
		_ = os.Unsetenv("UPLOADKIT_S3__PREFIX")
	})
	t.Setenv("UPLOADKIT_S3__BUCKET", "from-env")
	t.Setenv("UPLOADKIT_UPLOAD__BATCH_SIZE", "7")
	t.Setenv("UPLOADKIT_SERVER__RETENTION", "15m")

	// When
	cfg, err := Load(LoadOptions{ConfigFile: configFile, DotEnvFile: dotEnv}, log.NewLogger())

	// Then
	require.NoError(t, err)
	assert.Equal(t, BackendS3, cfg.Backend)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.Upload.ChunkSize)
	assert.Equal(t, 7, cfg.Upload.BatchSize, "env wins over file")
	assert.Equal(t, 250*time.Millisecond, cfg.Upload.RetryWait)
	assert.Equal(t, upload.DefaultGatewayURL, cfg.Upload.GatewayURL, "unset keys keep defaults")
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.Equal(t, "from-env", cfg.S3.Bucket)
	assert.Equal(t, "from-dotenv", cfg.S3.Prefix)
	assert.Equal(t, Secret("from-file-secret"), cfg.S3.SecretAccessKey)
	assert.Equal(t, "/tmp/history.db", cfg.Ledger.Path)
	assert.Equal(t, 15*time.Minute, cfg.Server.Retention)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	opts := missingDotEnv(t)
	opts.ConfigFile = filepath.Join(t.TempDir(), "nope.yml")

	_, err := Load(opts, log.NewLogger())

	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("UPLOADKIT_BACKEND", "ftp")

	_, err := Load(missingDotEnv(t), log.NewLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "ftp"`)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "default", modify: func(c *Config) {}},
		{name: "zero chunk size", modify: func(c *Config) { c.Upload.ChunkSize = 0 }, wantErr: "upload.chunk_size"},
		{name: "zero batch size", modify: func(c *Config) { c.Upload.BatchSize = 0 }, wantErr: "upload.batch_size"},
		{name: "no gateway", modify: func(c *Config) { c.Upload.GatewayURL = "" }, wantErr: "upload.gateway_url"},
		{name: "node without currency", modify: func(c *Config) { c.Node.Currency = "" }, wantErr: "node.currency"},
		{name: "s3 without bucket", modify: func(c *Config) { c.Backend = BackendS3; c.S3.Region = "us-east-1" }, wantErr: "s3.bucket"},
		{name: "gcs without bucket", modify: func(c *Config) { c.Backend = BackendGCS }, wantErr: "gcs.bucket"},
		{name: "gcs", modify: func(c *Config) { c.Backend = BackendGCS; c.GCS.Bucket = "uploads" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)

			err := cfg.Validate()

			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "*****", Secret("hunter2").String())
	assert.Equal(t, "*****", fmt.Sprintf("%s", Secret("hunter2")))
	assert.Equal(t, "", Secret("").String())
}

func TestByteSize_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "1048576", want: 1048576},
		{in: "25MiB", want: 25 * 1024 * 1024},
		{in: " 256kb ", want: 256 * 1024},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var b ByteSize
			err := b.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b)
		})
	}
}

func TestConfig_Coordinator(t *testing.T) {
	cfg := Default()
	cfg.Upload.ChunkSize = 1024

	c := cfg.Coordinator()

	assert.Equal(t, int64(1024), c.ChunkSize)
	assert.Equal(t, cfg.Upload.BatchSize, c.BatchSize)
	assert.Equal(t, cfg.Upload.GatewayURL, c.GatewayURL)
}
