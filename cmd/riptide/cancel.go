package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func cancelCmd(flags *cliFlags) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cooperatively cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.newQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()

			cancelled, err := q.CancelJob(cmd.Context(), args[0], userID)
			if err != nil {
				return err
			}
			if cancelled {
				fmt.Println("cancelled")
			} else {
				fmt.Println("not cancelled (job terminal or unknown)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Requesting user id for ownership check")

	return cmd
}
