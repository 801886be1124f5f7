package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tally/cmd/tally/commands"
	"github.com/teranos/tally/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "tally - asynchronous CSV aggregation jobs",
	Long: `tally - asynchronous streaming aggregation jobs.

Upload a CSV of sales records, get a job id back immediately, and download
per-department totals once the job has run.

Available commands:
  server  - Run the job server (gRPC + HTTP gateway)
  submit  - Upload a CSV (local path, URL, s3::, git::...) and create a job
  status  - Show a job's status and progress
  wait    - Block until a job completes
  watch   - Follow a job's progress as the server pushes it
  fetch   - Download a job's result as CSV or XLSX
  jobs    - List recent jobs
  am      - Manage tally configuration ("I am")
  db      - Manage the job database

Examples:
  tally server                      # Start the server
  tally submit sales.csv --wait     # Upload and wait for the totals
  tally fetch <job-id> -o out.csv   # Download the result
  tally jobs ls --status failure    # Show failed jobs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON (or set TALLY_OUTPUT=json)")
	rootCmd.PersistentFlags().String("addr", "", "Server gRPC address (default: client.address from am.toml)")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.WaitCmd)
	rootCmd.AddCommand(commands.WatchCmd)
	rootCmd.AddCommand(commands.FetchCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
