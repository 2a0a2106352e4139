package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/p2p-ledger/internal/config"
	"github.com/abkawan/p2p-ledger/internal/db"
	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/queue"
	"github.com/abkawan/p2p-ledger/internal/service"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// Connect to MongoDB
	logger.Info("connecting to MongoDB")
	journal, err := db.NewMongoJournal(cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		logger.Fatal("failed to connect to MongoDB", zap.Error(err))
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		journal.Close(closeCtx)
	}()

	// Connect to RabbitMQ
	logger.Info("connecting to RabbitMQ")
	rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI, logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitmq.Close()

	processor := service.NewJournalProcessor(rabbitmq, journal, logger)

	done := make(chan error, 1)
	go func() {
		logger.Info("journal processor started")
		done <- processor.Run(ctx)
	}()

	// Wait for interrupt signal or the consumer stopping on its own
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutting down processor")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			logger.Error("journal processor stopped", zap.Error(err))
			return
		}
		logger.Warn("transfer queue closed")
	}
	logger.Info("processor shut down successfully")
}
