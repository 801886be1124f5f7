package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tally/broker"
	"github.com/teranos/tally/client"
	"github.com/teranos/tally/display"
	"github.com/teranos/tally/ingest"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/sym"
)

// SubmitCmd uploads a CSV and creates a job
var SubmitCmd = &cobra.Command{
	Use:   "submit <source>",
	Short: sym.IX + " Upload a CSV and create an aggregation job",
	Long: sym.IX + ` submit - Upload a CSV and create an aggregation job

The source may be a local path or anything go-getter understands: http(s)
URLs, s3::, gcs::, git:: and so on. Remote sources are downloaded to a
temporary file first. With --ref, no upload happens: the job is created over
an input already in the server's blob storage.

Examples:
  tally submit sales.csv
  tally submit https://example.com/sales.csv --wait
  tally submit --ref inputs/3b9d...csv`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

// StatusCmd shows one job
var StatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: sym.AX + " Show a job's status and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		st, err := c.Query(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(st)
		}
		printStatus(st)
		return nil
	},
}

// WaitCmd polls until a job completes
var WaitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: sym.AX + " Wait for a job to complete",
	Long:  "Poll the job with exponential backoff (client.poll_initial_ms up to client.poll_max_ms) until it succeeds or fails.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return waitForJob(cmd, c, args[0])
	},
}

// WatchCmd follows server-pushed updates
var WatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: sym.AX + " Follow a job's progress until it completes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		var last broker.Status
		err = c.Watch(ctx, args[0], func(st broker.Status) error {
			pterm.Printfln("%s %s", sym.Pulse, progressLine(st))
			last = st
			return nil
		})
		if err != nil {
			return err
		}
		return finish(&last)
	},
}

// FetchCmd downloads a job's result
var FetchCmd = &cobra.Command{
	Use:   "fetch <job-id>",
	Short: sym.AX + " Download a job's result",
	Long: sym.AX + ` fetch - Download a job's result

Writes the result CSV to stdout, or to --output. With --xlsx the CSV is
converted to an Excel workbook (requires --output).

Examples:
  tally fetch <job-id>
  tally fetch <job-id> -o totals.csv
  tally fetch <job-id> -o totals.xlsx --xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

// JobsCmd groups job listing commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.AX + " List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List recent jobs, newest first",
	RunE:    runJobsLs,
}

func init() {
	SubmitCmd.Flags().String("ref", "", "Create the job over an existing blob key instead of uploading")
	SubmitCmd.Flags().String("source", "", "Source label recorded on the job (default: file name)")
	SubmitCmd.Flags().Bool("wait", false, "Wait for the job to complete")

	FetchCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	FetchCmd.Flags().Bool("xlsx", false, "Convert the result to an XLSX workbook")

	jobsLsCmd.Flags().String("status", "", "Filter by status: pending, running, success, failure")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to show")
	JobsCmd.AddCommand(jobsLsCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ref, _ := cmd.Flags().GetString("ref")
	source, _ := cmd.Flags().GetString("source")
	wait, _ := cmd.Flags().GetBool("wait")

	if (ref == "") == (len(args) == 0) {
		return fmt.Errorf("give either a source or --ref")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	var sub *broker.Submission
	if ref != "" {
		sub, err = c.Submit(ctx, ref, source)
	} else {
		sub, err = uploadSource(ctx, c, args[0], source)
	}
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Job %s %s", sub.JobID, sub.State)
	if !wait {
		pterm.Info.Printfln("Check progress with 'tally status %s'", sub.JobID)
		return nil
	}
	return waitForJob(cmd, c, sub.JobID)
}

func uploadSource(ctx context.Context, c *client.Client, src, label string) (*broker.Submission, error) {
	spinner, _ := pterm.DefaultSpinner.Start("Resolving " + src)
	fetched, err := ingest.Fetch(ctx, src, logger.ComponentLogger("fetch"))
	if err != nil {
		spinner.Fail(err.Error())
		return nil, err
	}
	defer fetched.Cleanup()

	f, err := fetched.Open()
	if err != nil {
		spinner.Fail(err.Error())
		return nil, err
	}
	defer f.Close()

	if label == "" {
		label = fetched.Name()
	}
	spinner.UpdateText("Uploading " + label)
	sub, err := c.Upload(ctx, f, label)
	if err != nil {
		spinner.Fail("Upload failed: " + err.Error())
		return nil, err
	}
	spinner.Success("Uploaded " + label)
	return sub, nil
}

func waitForJob(cmd *cobra.Command, c *client.Client, id string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	spinner, _ := pterm.DefaultSpinner.Start("Waiting for " + id)
	st, err := c.Wait(ctx, id, func(st broker.Status) {
		spinner.UpdateText(progressLine(st))
	})
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Stop()
	return finish(st)
}

func runFetch(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	asXLSX, _ := cmd.Flags().GetBool("xlsx")
	if asXLSX && output == "" {
		return fmt.Errorf("--xlsx needs --output")
	}

	c, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if output == "" {
		_, err := c.Download(ctx, args[0], os.Stdout)
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	defer f.Close()

	if !asXLSX {
		n, err := c.Download(ctx, args[0], f)
		if err != nil {
			os.Remove(output)
			return err
		}
		pterm.Success.Printfln("Wrote %d bytes to %s", n, output)
		return nil
	}

	// download into the converter through a pipe
	pr, pw := io.Pipe()
	go func() {
		_, err := c.Download(ctx, args[0], pw)
		pw.CloseWithError(err)
	}()
	rows, err := client.ExportXLSX(pr, f, "")
	pr.Close()
	if err != nil {
		os.Remove(output)
		return err
	}
	pterm.Success.Printfln("Wrote %d rows of job %s to %s", rows, args[0], output)
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	c, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	jobs, err := c.List(cmd.Context(), status, limit)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	data := pterm.TableData{{"JOB", "STATUS", "LINES", "DEPARTMENTS", "SOURCE", "CREATED"}}
	for _, j := range jobs {
		data = append(data, []string{
			j.JobID,
			string(j.State),
			fmt.Sprintf("%d", j.Progress.UnitsProcessed),
			fmt.Sprintf("%d", j.Progress.DistinctKeys),
			j.Source,
			j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
