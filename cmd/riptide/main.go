package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/riptideq/riptide/riptide"
	"github.com/riptideq/riptide/riptide/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

type cliFlags struct {
	redisHost  string
	redisPort  int
	redisDB    int
	maxWorkers int
	verbose    bool
}

func (f *cliFlags) newQueue(ctx context.Context) (*riptide.Queue, error) {
	logger := zap.NewNop()
	if f.verbose {
		l, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		logger = l
	}

	cfg := &config.Config{
		RedisHost:  f.redisHost,
		RedisPort:  f.redisPort,
		RedisDB:    f.redisDB,
		MaxWorkers: f.maxWorkers,
		Logger:     logger,
	}
	return riptide.New(ctx, cfg)
}
