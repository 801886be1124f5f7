package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/server"
	"github.com/teranos/tally/sym"
)

// ServerCmd runs the job server in the foreground
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: sym.Pulse + " Run the tally job server",
	Long: sym.Pulse + ` Run the tally job server in the foreground.

The server:
- Accepts uploads over gRPC (and HTTP when http_port is set)
- Runs aggregation jobs on a worker pool
- Recovers jobs left by a previous process on startup
- Optionally watches a drop directory for new CSV files
- Shuts down gracefully on Ctrl+C: intake stops, running jobs finish

Examples:
  tally server                          # Use am.toml settings
  tally server --grpc-port 50052        # Override the gRPC port
  tally server --workers 4 --watch-dir ./drop`,
	RunE: runServer,
}

func init() {
	ServerCmd.Flags().Int("grpc-port", 0, "gRPC port (overrides server.grpc_port)")
	ServerCmd.Flags().Int("http-port", -1, "HTTP gateway port, 0 disables (overrides server.http_port)")
	ServerCmd.Flags().Int("workers", 0, "Concurrent workers (overrides pulse.workers)")
	ServerCmd.Flags().String("watch-dir", "", "Drop directory to ingest from (overrides ingest.watch_dir)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port, _ := cmd.Flags().GetInt("grpc-port"); port > 0 {
		cfg.Server.GRPCPort = port
	}
	if port, _ := cmd.Flags().GetInt("http-port"); port >= 0 {
		cfg.Server.HTTPPort = port
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pulse.Workers = workers
	}
	if dir, _ := cmd.Flags().GetString("watch-dir"); dir != "" {
		cfg.Ingest.WatchDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}

	fmt.Printf("%s tally server starting\n", sym.PulseOpen)
	fmt.Printf("  gRPC:    %s\n", cfg.GRPCAddr())
	if addr := cfg.HTTPAddr(); addr != "" {
		fmt.Printf("  HTTP:    %s\n", addr)
	}
	fmt.Printf("  Workers: %d\n", cfg.Pulse.Workers)
	fmt.Printf("  Storage: %s\n", storageDescription(cfg))
	if cfg.Ingest.WatchDir != "" {
		fmt.Printf("  Drop:    %s\n", cfg.Ingest.WatchDir)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	err = srv.Serve(ctx)
	fmt.Printf("%s tally server stopped\n", sym.PulseClose)
	return err
}

func storageDescription(cfg *am.Config) string {
	if cfg.Storage.Backend == am.BackendS3 {
		return fmt.Sprintf("s3://%s (%s)", cfg.Storage.S3.Bucket, cfg.Storage.S3.Endpoint)
	}
	return cfg.Storage.Dir
}
