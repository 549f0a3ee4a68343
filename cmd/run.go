package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/internal/scheduler"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one run now and exit",
	Long:  "Fetches every enabled source, merges the results against lead history and delivers the final lead set. Source, persistence and delivery failures are reported in the run record; only startup errors exit non-zero.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(scheduler.FromConfig(cfg), env.Pipeline.Execute)
		run, err := sched.RunNow(ctx, scheduler.TriggerManual)
		if err != nil {
			return eris.Wrap(err, "run")
		}

		if run.Alert {
			zap.L().Warn("run needs attention",
				zap.String("run_id", run.ID),
				zap.String("status", string(run.Status)),
			)
		}
		return printRun(os.Stdout, run, runJSON)
	},
}

// printRun writes the run summary and final lead table, or the whole run
// record as JSON.
func printRun(out io.Writer, run *model.Run, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	_, _ = fmt.Fprintln(out, run.Summary().String())
	if len(run.Leads) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)
	formatLeads(out, run.Leads)
	return nil
}

// formatLeads writes a tabular list of leads to w.
func formatLeads(out io.Writer, leads []model.Lead) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tADDRESS\tTYPE\tSCORE\tCONTACT\tSOURCES")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t-----\t-------\t-------")

	for _, l := range leads {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(l.ID),
			truncate(l.Address.String(), 40),
			l.ListingType,
			l.DistressScore,
			truncate(l.Contact.Name, 24),
			joinSources(l.Sources()),
		)
	}
	_ = w.Flush()
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full run record as JSON")
	rootCmd.AddCommand(runCmd)
}
