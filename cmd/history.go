package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the lead History Index",
}

// loadHistory reads the History Index from the configured backend.
func loadHistory(ctx context.Context) (*history.Index, func(), error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if st != nil {
			_ = st.Close()
		}
	}

	p, err := initHistory(st)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	idx, err := p.Load(ctx)
	if err != nil {
		closeFn()
		return nil, nil, eris.Wrap(err, "load history")
	}
	return idx, closeFn, nil
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show History Index counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		idx, closeFn, err := loadHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		formatHistoryStats(os.Stdout, idx.Stats())
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show [fingerprint]",
	Short: "List stored leads, optionally for one address fingerprint",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, closeFn, err := loadHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		var fp string
		if len(args) == 1 {
			fp = args[0]
		}
		leads := selectHistoryLeads(idx, fp, all, limit)
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(leads)
		}
		formatLeads(os.Stdout, leads)
		return nil
	},
}

// selectHistoryLeads returns the leads of one bucket, or of every bucket
// when fp is empty. Suppressed leads are only included with all.
func selectHistoryLeads(idx *history.Index, fp string, all bool, limit int) []model.Lead {
	var candidates []model.Lead
	if fp != "" {
		candidates = idx.Bucket(fp)
	} else {
		candidates = idx.Leads()
	}

	var out []model.Lead
	for _, l := range candidates {
		if l.Suppressed && !all {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func formatHistoryStats(out io.Writer, s history.Stats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Version:\t%d\n", s.Version)
	if !s.SavedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Saved at:\t%s\n", s.SavedAt.Format("2006-01-02 15:04:05"))
	}
	_, _ = fmt.Fprintf(w, "Addresses:\t%d\n", s.Buckets)
	_, _ = fmt.Fprintf(w, "Leads:\t%d\n", s.Leads)
	_, _ = fmt.Fprintf(w, "  Active:\t%d\n", s.Active)
	_, _ = fmt.Fprintf(w, "  Suppressed:\t%d\n", s.Suppressed)
	_ = w.Flush()
}

func init() {
	historyShowCmd.Flags().Bool("all", false, "include suppressed duplicates")
	historyShowCmd.Flags().Int("limit", 100, "max number of leads to display (0 for no limit)")
	historyShowCmd.Flags().Bool("json", false, "print leads as JSON")

	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}
