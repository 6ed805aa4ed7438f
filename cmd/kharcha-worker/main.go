package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"kharcha/internal/amqp"
	"kharcha/internal/cli"
	"kharcha/internal/history"
	"kharcha/internal/log"
	"kharcha/internal/worker"
)

func main() {
	cfg := cli.LoadConfig()
	logger := cli.SetupLogger(cfg, log.ComponentWorker)
	logger.Info("Starting kharcha-worker", log.FieldOperation, log.OpStartup)
	cli.MustValidate(logger, cfg)

	if !cfg.OutboxEnabled() {
		logger.Error("Worker requires DATA_BACKEND=sqlite and AMQP_URL", "backend", cfg.DataBackend)
		os.Exit(1)
	}
	if cfg.HistoryServiceToken == "" {
		logger.Warn("HISTORY_SERVICE_TOKEN is empty, forwarded entries will be rejected upstream")
	}

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	historyClient := history.NewClient(cfg.HistoryAPIURL, cfg.UpstreamTimeout, logger)
	syncWorker := worker.NewSyncWorker(repo, historyClient, cfg.HistoryServiceToken, cfg.SyncBatchSize, logger)

	ctx, cancel := cli.ShutdownContext(logger)
	defer cancel()

	// Entries left over from a previous run or a lost message.
	logger.Info("Performing startup sync check...")
	if err := syncWorker.StartupSyncCheck(ctx); err != nil {
		logger.Error("Failed startup sync check", log.FieldError, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := amqpClient.ConsumeEntrySync(ctx, syncWorker.HandleSyncMessage); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", log.FieldError, err)
			}
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		syncWorker.Run(ctx, cfg.SyncInterval)
	}()

	<-ctx.Done()
	cancel()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logger.Info("Worker shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout reached")
	}
}
