package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "tally.db")

	// Server defaults
	v.SetDefault("server.grpc_port", DefaultGRPCPort)
	v.SetDefault("server.http_port", DefaultHTTPPort)
	v.SetDefault("server.host", "")

	// Pulse (async job infrastructure) defaults
	v.SetDefault("pulse.workers", 1)
	v.SetDefault("pulse.checkpoint_interval", 1000)
	v.SetDefault("pulse.chunk_size", 1<<20) // 1 MiB result chunks
	v.SetDefault("pulse.submit_rate", 0.0)
	v.SetDefault("pulse.submit_burst", 1)

	// Storage defaults
	v.SetDefault("storage.backend", BackendFS)
	v.SetDefault("storage.dir", "data")
	v.SetDefault("storage.s3.bucket", "tally")
	v.SetDefault("storage.s3.use_ssl", false)

	// Sales ledger layout: department,date,sales
	v.SetDefault("aggregate.key_field", 0)
	v.SetDefault("aggregate.value_field", 2)
	v.SetDefault("aggregate.min_fields", 3)
	v.SetDefault("aggregate.key_header", "Department Name")
	v.SetDefault("aggregate.value_header", "Total Sales")

	// Ingest defaults
	v.SetDefault("ingest.watch_dir", "")
	v.SetDefault("ingest.settle_ms", 500)
	v.SetDefault("ingest.upload_buffer", 64*1024)

	// Client defaults
	v.SetDefault("client.address", "localhost:50051")
	v.SetDefault("client.poll_initial_ms", 250)
	v.SetDefault("client.poll_max_ms", 5000)
}

// BindSensitiveEnvVars explicitly binds configuration that has well-known
// environment names outside the TALLY_ prefix
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("server.grpc_port", "TALLY_SERVER_GRPC_PORT", "GRPC_PORT")
	v.BindEnv("database.path", "TALLY_DATABASE_PATH")
	v.BindEnv("database.dsn", "TALLY_DATABASE_DSN", "DATABASE_URL")
	v.BindEnv("storage.s3.access_key", "TALLY_STORAGE_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_key", "TALLY_STORAGE_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
}

// Defaults returns a Config populated only with default values
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// defaults always unmarshal
		panic(err)
	}
	return cfg
}
