// Command projex-sync runs the synchronization engine as a standalone
// daemon: it rehydrates the offline mutation queue and flushes it against
// the remote store until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	projexsync "github.com/projexhq/projex-sync"

	"github.com/projexhq/projex-sync/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	forceSync := flag.Bool("force-sync", false, "flush the queue once and exit")
	flag.Parse()

	cfg, err := projexsync.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.LogLevel(strings.ToUpper(cfg.LogLevel)))
	logger := logging.Get()

	engine, err := projexsync.New(cfg, projexsync.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to start engine", err, nil)
		os.Exit(1)
	}
	defer engine.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *forceSync {
		if err := engine.ForceSync(ctx); err != nil {
			logger.Error("Force sync failed", err, nil)
			os.Exit(1)
		}
		logger.Info("Force sync complete",
			map[string]interface{}{"remaining": engine.QueueSize()})
		return
	}

	engine.Start(ctx)
	logger.Info("Engine running",
		map[string]interface{}{
			"available":  engine.IsAvailable(),
			"queue_size": engine.QueueSize(),
		})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down", nil)
}
