package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/db"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/pulse/async"
	"github.com/teranos/tally/server"
	"github.com/teranos/tally/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the job database",
	Long: sym.DB + ` db - Manage the job database

Examples:
  tally db migrate                # Apply pending migrations
  tally db stats                  # Show job counts by status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Database.Driver == am.DriverPostgres {
		pool, err := db.OpenPostgres(cmd.Context(), cfg.Database.DSN, logger.ComponentLogger("db"))
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.MigratePostgres(cmd.Context(), pool, logger.ComponentLogger("db")); err != nil {
			return err
		}
		pterm.Success.Println("PostgreSQL schema is up to date")
		return nil
	}

	conn, err := db.Open(cfg.GetDatabasePath(), logger.ComponentLogger("db"))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(conn, logger.ComponentLogger("db")); err != nil {
		return err
	}
	applied, err := db.AppliedVersions(conn)
	if err != nil {
		return errors.Wrap(err, "failed to read applied migrations")
	}
	pterm.Success.Printfln("%s is up to date (%d migrations applied)", cfg.GetDatabasePath(), len(applied))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := server.OpenJobStore(cmd.Context(), cfg, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer closeStore()

	return printStoreStats(cmd.Context(), cfg, store)
}

func printStoreStats(ctx context.Context, cfg *am.Config, store async.JobStore) error {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count jobs")
	}

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	if cfg.Database.Driver == am.DriverPostgres {
		fmt.Printf("Driver:     postgres\n")
	} else {
		fmt.Printf("Database:   %s\n", cfg.GetDatabasePath())
	}

	total := 0
	data := pterm.TableData{{"STATUS", "JOBS"}}
	for _, s := range []async.JobStatus{async.JobStatusQueued, async.JobStatusRunning, async.JobStatusSucceeded, async.JobStatusFailed} {
		data = append(data, []string{string(s), fmt.Sprintf("%d", counts[s])})
		total += counts[s]
	}
	data = append(data, []string{"total", fmt.Sprintf("%d", total)})
	fmt.Println()
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
