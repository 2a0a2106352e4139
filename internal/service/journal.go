package service

import (
	"context"
	"fmt"

	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/abkawan/p2p-ledger/internal/queue"
	"go.uber.org/zap"
)

const journalPrefetch = 16

// TransferSource yields transfer events published by the API process
type TransferSource interface {
	ConsumeTransfers(ctx context.Context, prefetch int) (<-chan queue.Delivery, error)
}

// JournalWriter persists transfer events. Recording the same event twice
// must be harmless.
type JournalWriter interface {
	Record(ctx context.Context, event *models.TransferEvent) error
}

// JournalProcessor projects committed transfers into the journal.
type JournalProcessor struct {
	source TransferSource
	writer JournalWriter
	logger *logging.Logger
}

func NewJournalProcessor(source TransferSource, writer JournalWriter, logger *logging.Logger) *JournalProcessor {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &JournalProcessor{
		source: source,
		writer: writer,
		logger: logger.Named("journal"),
	}
}

// Run consumes events until ctx is done or the source closes.
func (p *JournalProcessor) Run(ctx context.Context) error {
	deliveries, err := p.source.ConsumeTransfers(ctx, journalPrefetch)
	if err != nil {
		return fmt.Errorf("failed to consume transfers: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			p.handle(ctx, d)
		}
	}
}

func (p *JournalProcessor) handle(ctx context.Context, d queue.Delivery) {
	event := d.Event
	if err := p.writer.Record(ctx, &event); err != nil {
		p.logger.Error("failed to record transfer",
			zap.String("transaction_id", event.TransactionID),
			zap.Error(err),
		)
		if nackErr := d.Nack(); nackErr != nil {
			p.logger.Error("failed to nack delivery", zap.Error(nackErr))
		}
		return
	}

	if err := d.Ack(); err != nil {
		p.logger.Error("failed to ack delivery",
			zap.String("transaction_id", event.TransactionID),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("transfer recorded", zap.String("transaction_id", event.TransactionID))
}
