// Package am holds tally's configuration ("am" as in "I am configured").
//
// Configuration is merged from TOML files in precedence order
// system < user (~/.tally/am.toml) < project (am.toml, searched upward) <
// environment (TALLY_ prefix, dots become underscores).
package am

import "fmt"

// Config represents the tally configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse" json:"pulse" yaml:"pulse"`
	Storage   StorageConfig   `mapstructure:"storage" toml:"storage" json:"storage" yaml:"storage"`
	Aggregate AggregateConfig `mapstructure:"aggregate" toml:"aggregate" json:"aggregate" yaml:"aggregate"`
	Ingest    IngestConfig    `mapstructure:"ingest" toml:"ingest" json:"ingest" yaml:"ingest"`
	Client    ClientConfig    `mapstructure:"client" toml:"client" json:"client" yaml:"client"`
}

// DatabaseConfig configures the job state store
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver" json:"driver" yaml:"driver"` // sqlite (default) or postgres
	Path   string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`         // SQLite file
	DSN    string `mapstructure:"dsn" toml:"dsn" json:"dsn" yaml:"dsn"`             // PostgreSQL connection string
}

// ServerConfig configures the gRPC and HTTP listeners
type ServerConfig struct {
	GRPCPort int    `mapstructure:"grpc_port" toml:"grpc_port" json:"grpc_port" yaml:"grpc_port"`
	HTTPPort int    `mapstructure:"http_port" toml:"http_port" json:"http_port" yaml:"http_port"` // 0 disables the HTTP gateway
	Host     string `mapstructure:"host" toml:"host" json:"host" yaml:"host"`
}

// PulseConfig configures the async job system
type PulseConfig struct {
	Workers            int     `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`
	CheckpointInterval int     `mapstructure:"checkpoint_interval" toml:"checkpoint_interval" json:"checkpoint_interval" yaml:"checkpoint_interval"`
	ChunkSize          int     `mapstructure:"chunk_size" toml:"chunk_size" json:"chunk_size" yaml:"chunk_size"`       // output stream chunk size in bytes
	SubmitRate         float64 `mapstructure:"submit_rate" toml:"submit_rate" json:"submit_rate" yaml:"submit_rate"`   // admissions per second, 0 = unthrottled
	SubmitBurst        int     `mapstructure:"submit_burst" toml:"submit_burst" json:"submit_burst" yaml:"submit_burst"`
}

// StorageConfig configures blob storage for inputs and outputs
type StorageConfig struct {
	Backend string   `mapstructure:"backend" toml:"backend" json:"backend" yaml:"backend"` // fs (default) or s3
	Dir     string   `mapstructure:"dir" toml:"dir" json:"dir" yaml:"dir"`
	S3      S3Config `mapstructure:"s3" toml:"s3" json:"s3" yaml:"s3"`
}

// S3Config configures an S3-compatible object store (MinIO, AWS)
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	Bucket    string `mapstructure:"bucket" toml:"bucket" json:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" toml:"access_key" json:"-" yaml:"-"`
	SecretKey string `mapstructure:"secret_key" toml:"secret_key" json:"-" yaml:"-"`
	UseSSL    bool   `mapstructure:"use_ssl" toml:"use_ssl" json:"use_ssl" yaml:"use_ssl"`
	Region    string `mapstructure:"region" toml:"region" json:"region" yaml:"region"`
}

// AggregateConfig describes the CSV layout consumed by the aggregation handler
type AggregateConfig struct {
	KeyField    int    `mapstructure:"key_field" toml:"key_field" json:"key_field" yaml:"key_field"`
	ValueField  int    `mapstructure:"value_field" toml:"value_field" json:"value_field" yaml:"value_field"`
	MinFields   int    `mapstructure:"min_fields" toml:"min_fields" json:"min_fields" yaml:"min_fields"`
	KeyHeader   string `mapstructure:"key_header" toml:"key_header" json:"key_header" yaml:"key_header"`
	ValueHeader string `mapstructure:"value_header" toml:"value_header" json:"value_header" yaml:"value_header"`
}

// IngestConfig configures optional ingestion sources
type IngestConfig struct {
	WatchDir      string `mapstructure:"watch_dir" toml:"watch_dir" json:"watch_dir" yaml:"watch_dir"` // empty disables the drop directory
	SettleMillis  int    `mapstructure:"settle_ms" toml:"settle_ms" json:"settle_ms" yaml:"settle_ms"`
	UploadBufSize int    `mapstructure:"upload_buffer" toml:"upload_buffer" json:"upload_buffer" yaml:"upload_buffer"`
}

// ClientConfig configures the CLI client
type ClientConfig struct {
	Address           string `mapstructure:"address" toml:"address" json:"address" yaml:"address"`
	PollInitialMillis int    `mapstructure:"poll_initial_ms" toml:"poll_initial_ms" json:"poll_initial_ms" yaml:"poll_initial_ms"`
	PollMaxMillis     int    `mapstructure:"poll_max_ms" toml:"poll_max_ms" json:"poll_max_ms" yaml:"poll_max_ms"`
}

// Server port constants
const (
	DefaultGRPCPort = 50051
	DefaultHTTPPort = 8000
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Storage backends
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "tally.db"
	}
	return c.Database.Path
}

// GRPCAddr returns the host:port the gRPC server listens on
func (c *Config) GRPCAddr() string {
	port := c.Server.GRPCPort
	if port == 0 {
		port = DefaultGRPCPort
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, port)
}

// HTTPAddr returns the host:port of the HTTP gateway, or "" when disabled
func (c *Config) HTTPAddr() string {
	if c.Server.HTTPPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s/%s, Server: {grpc: %d, http: %d}, Pulse: {Workers: %d}, Storage: %s}",
		c.Database.Driver, c.GetDatabasePath(), c.Server.GRPCPort, c.Server.HTTPPort, c.Pulse.Workers, c.Storage.Backend)
}
