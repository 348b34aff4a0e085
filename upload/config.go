package upload

// DefaultChunkSize is the chunk size used when nothing else is configured (25 MiB).
const DefaultChunkSize int64 = 25 * 1024 * 1024

// DefaultBatchSize is the number of chunks uploaded in parallel by default.
const DefaultBatchSize = 5

// DefaultGatewayURL is where uploaded data is retrievable by receipt ID.
const DefaultGatewayURL = "https://arweave.net"

// Config holds the coordinator configuration.
type Config struct {
	// ChunkSize is the byte size of a chunk. It is fixed for the lifetime of the coordinator.
	ChunkSize int64

	// BatchSize is handed to the uploader as its chunk parallelism.
	BatchSize int

	// GatewayURL is the base of result addresses: <GatewayURL>/<receipt id>.
	GatewayURL string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  DefaultChunkSize,
		BatchSize:  DefaultBatchSize,
		GatewayURL: DefaultGatewayURL,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.GatewayURL == "" {
		c.GatewayURL = DefaultGatewayURL
	}
	return c
}
