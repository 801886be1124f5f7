package am

import "github.com/teranos/tally/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required when database.driver is postgres")
		}
	default:
		return errors.Newf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return errors.Newf("server.grpc_port out of range: %d", c.Server.GRPCPort)
	}
	// http_port 0 = gateway disabled
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return errors.Newf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	if c.Server.HTTPPort != 0 && c.Server.HTTPPort == c.Server.GRPCPort {
		return errors.Newf("server.http_port and server.grpc_port must differ, both are %d", c.Server.HTTPPort)
	}

	// Pulse workers: 0 = no background workers (submit-only node), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.CheckpointInterval <= 0 {
		return errors.Newf("pulse.checkpoint_interval must be > 0, got %d", c.Pulse.CheckpointInterval)
	}
	if c.Pulse.ChunkSize <= 0 {
		return errors.Newf("pulse.chunk_size must be > 0, got %d", c.Pulse.ChunkSize)
	}
	if c.Pulse.SubmitRate < 0 {
		return errors.Newf("pulse.submit_rate must be >= 0, got %f", c.Pulse.SubmitRate)
	}
	if c.Pulse.SubmitRate > 0 && c.Pulse.SubmitBurst <= 0 {
		return errors.Newf("pulse.submit_burst must be > 0 when submit_rate is set, got %d", c.Pulse.SubmitBurst)
	}

	switch c.Storage.Backend {
	case "", BackendFS:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir cannot be empty for the fs backend")
		}
	case BackendS3:
		if c.Storage.S3.Endpoint == "" {
			return errors.New("storage.s3.endpoint is required for the s3 backend")
		}
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return errors.Newf("storage.backend must be %q or %q, got %q", BackendFS, BackendS3, c.Storage.Backend)
	}

	a := c.Aggregate
	if a.KeyField < 0 || a.ValueField < 0 {
		return errors.Newf("aggregate fields must be >= 0, got key=%d value=%d", a.KeyField, a.ValueField)
	}
	if a.KeyField == a.ValueField {
		return errors.Newf("aggregate.key_field and aggregate.value_field must differ, both are %d", a.KeyField)
	}
	if a.MinFields <= a.KeyField || a.MinFields <= a.ValueField {
		return errors.Newf("aggregate.min_fields (%d) must cover key_field and value_field", a.MinFields)
	}

	if c.Ingest.SettleMillis < 0 {
		return errors.Newf("ingest.settle_ms must be >= 0, got %d", c.Ingest.SettleMillis)
	}
	if c.Ingest.UploadBufSize < 0 {
		return errors.Newf("ingest.upload_buffer must be >= 0, got %d", c.Ingest.UploadBufSize)
	}

	return nil
}
