package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func statusCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job's last known record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.newQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()

			j, err := q.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if j == nil {
				fmt.Println("job not found")
				return nil
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		},
	}
}
