package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/riptideq/riptide/riptide/job"
)

func statsCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show lane depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.newQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()

			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LANE\tPENDING")
			for _, p := range job.Lanes() {
				fmt.Fprintf(w, "%s\t%d\n", p, stats.Lanes[p])
			}
			fmt.Fprintf(w, "retry backoff\t%d\n", stats.PendingRetry)
			return w.Flush()
		},
	}
}
