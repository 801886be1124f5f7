package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/broker"
	"github.com/teranos/tally/client"
	"github.com/teranos/tally/logger"
)

// dialClient connects to --addr, or client.address from am.toml
func dialClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	ccfg := client.ConfigFromAM(cfg.Client)
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		ccfg.Address = addr
	}
	return client.Dial(ccfg, logger.ComponentLogger("client"))
}

// progressLine renders one snapshot for spinners and watch output
func progressLine(st broker.Status) string {
	return fmt.Sprintf("%s  %d lines, %d departments, %.1fs",
		st.State, st.Progress.UnitsProcessed, st.Progress.DistinctKeys, st.Progress.ElapsedSeconds)
}

func printStatus(st *broker.Status) {
	data := pterm.TableData{
		{"Job", st.JobID},
		{"Status", string(st.State)},
		{"Completed", fmt.Sprintf("%t", st.Completed)},
		{"Lines processed", fmt.Sprintf("%d", st.Progress.UnitsProcessed)},
		{"Departments", fmt.Sprintf("%d", st.Progress.DistinctKeys)},
		{"Time elapsed", fmt.Sprintf("%.2fs", st.Progress.ElapsedSeconds)},
	}
	if st.Source != "" {
		data = append(data, []string{"Source", st.Source})
	}
	if st.OutputRef != "" {
		data = append(data, []string{"Output", st.OutputRef})
	}
	if st.Error != "" {
		data = append(data, []string{"Error", st.Error})
	}
	if !st.CreatedAt.IsZero() {
		data = append(data, []string{"Created", st.CreatedAt.Local().Format(time.RFC3339)})
	}
	pterm.DefaultTable.WithData(data).Render()
}

// finish prints the outcome of a completed job and turns FAILURE into an error
func finish(st *broker.Status) error {
	switch st.State {
	case broker.StateSuccess:
		pterm.Success.Printfln("Job %s succeeded: %d lines, %d departments", st.JobID,
			st.Progress.UnitsProcessed, st.Progress.DistinctKeys)
		return nil
	case broker.StateFailure:
		pterm.Error.Printfln("Job %s failed: %s", st.JobID, st.Error)
		return fmt.Errorf("job %s failed", st.JobID)
	default:
		printStatus(st)
		return nil
	}
}
