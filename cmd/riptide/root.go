package main

import (
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "riptide",
		Short: "A distributed priority-ordered job queue",
	}

	root.PersistentFlags().StringVar(&flags.redisHost, "redis-host", "localhost", "Redis host")
	root.PersistentFlags().IntVar(&flags.redisPort, "redis-port", 6379, "Redis port")
	root.PersistentFlags().IntVar(&flags.redisDB, "redis-db", 0, "Redis database")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable structured logging")

	root.AddCommand(enqueueCmd(flags))
	root.AddCommand(statusCmd(flags))
	root.AddCommand(cancelCmd(flags))
	root.AddCommand(jobsCmd(flags))
	root.AddCommand(workerCmd(flags))
	root.AddCommand(statsCmd(flags))

	return root
}
