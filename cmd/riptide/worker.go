package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/riptideq/riptide/riptide/server"
)

func workerCmd(flags *cliFlags) *cobra.Command {
	var apiPort int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process consuming the queue",
		Long: "Runs the dispatch loop until interrupted. Handlers are registered\n" +
			"by the embedding application; this standalone mode is useful for\n" +
			"draining lanes whose types are handled by plugins linked into a\n" +
			"custom build, and for exposing the inspection API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			q, err := flags.newQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			if apiPort > 0 {
				srv := server.New(q, apiPort)
				go func() {
					if err := srv.Start(); err != nil {
						fmt.Printf("inspection server error: %v\n", err)
					}
				}()
				fmt.Printf("inspection API listening on :%d\n", apiPort)
			}

			fmt.Println("worker started; press Ctrl+C to shut down gracefully")

			consumeErr := q.Consume(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := q.Shutdown(shutdownCtx); err != nil {
				return err
			}

			if consumeErr != nil && ctx.Err() == nil {
				return consumeErr
			}
			fmt.Println("worker shut down")
			return nil
		},
	}

	cmd.Flags().IntVar(&flags.maxWorkers, "max-workers", 25, "Concurrent handler limit")
	cmd.Flags().IntVar(&apiPort, "api-port", 0, "Port for the inspection API (0 disables)")

	return cmd
}
