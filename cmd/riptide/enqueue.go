package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riptideq/riptide/riptide"
	"github.com/riptideq/riptide/riptide/job"
)

func enqueueCmd(flags *cliFlags) *cobra.Command {
	var (
		priority   string
		userID     string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <job-type> [parameters-json]",
		Short: "Admit a job to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("parameters must be valid JSON")
				}
				params = json.RawMessage(args[1])
			}

			p, ok := job.ParsePriority(priority)
			if !ok {
				return fmt.Errorf("invalid priority %q (low, normal, high, urgent)", priority)
			}

			q, err := flags.newQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()

			opts := []riptide.JobOption{
				riptide.WithPriority(p),
				riptide.WithMaxRetries(maxRetries),
			}
			if userID != "" {
				opts = append(opts, riptide.WithUser(userID))
			}

			var parameters interface{}
			if params != nil {
				parameters = params
			}

			jobID, err := q.CreateJob(cmd.Context(), args[0], parameters, opts...)
			if err != nil {
				return err
			}
			fmt.Println(jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "normal", "Priority lane (low, normal, high, urgent)")
	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Retries before terminal failure")

	return cmd
}
