package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-aggregator/internal/config"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if len(cfg.Sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources configured.")
			return nil
		}
		formatSources(os.Stdout, cfg.Sources)
		return nil
	},
}

func formatSources(out io.Writer, sources []config.SourceConfig) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tENABLED\tURL")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t---")
	for _, s := range sources {
		url := s.URL
		if url == "" {
			url = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", s.ID, s.Kind, s.IsEnabled(), truncate(url, 60))
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
