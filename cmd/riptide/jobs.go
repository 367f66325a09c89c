package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func jobsCmd(flags *cliFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs <user-id>",
		Short: "List a user's jobs, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.newQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()

			jobs, err := q.GetUserJobs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tTYPE\tPRIORITY\tSTATUS\tPROGRESS\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
					j.ID, j.Type, j.Priority, j.Status, j.Progress,
					j.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to list")

	return cmd
}
