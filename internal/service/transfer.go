package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/abkawan/p2p-ledger/internal/apperr"
	"github.com/abkawan/p2p-ledger/internal/db"
	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/metrics"
	"github.com/abkawan/p2p-ledger/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// TransferStatus tells a preview apart from an executed transfer
type TransferStatus string

const (
	StatusConfirmationRequired TransferStatus = "confirmation_required"
	StatusExecuted             TransferStatus = "completed"
)

// TransferOutcome is the successful result of a transfer request.
// Transaction is only set when the transfer was executed.
type TransferOutcome struct {
	Status      TransferStatus
	Message     string
	Transaction *models.Transaction
}

// Publisher receives committed transfers
type Publisher interface {
	PublishTransfer(ctx context.Context, event *models.TransferEvent) error
}

// handles transfers between accounts
type TransferService struct {
	store     db.Store
	publisher Publisher
	recorder  metrics.Recorder
	logger    *logging.Logger
	now       func() time.Time
}

// creates a new TransferService. publisher may be nil.
func NewTransferService(store db.Store, publisher Publisher, recorder metrics.Recorder, logger *logging.Logger) *TransferService {
	if recorder == nil {
		recorder = metrics.NoOpRecorder{}
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &TransferService{
		store:     store,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.Named("transfers"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Transfer validates the request and either previews it or, with
// Confirm set, moves the funds. Rules are checked in a fixed order and the
// first failing rule decides the error.
func (s *TransferService) Transfer(ctx context.Context, callerID string, req models.TransferRequest) (*TransferOutcome, error) {
	outcome, err := s.transfer(ctx, callerID, req)
	if err != nil {
		s.recorder.RecordTransfer("rejected_" + apperr.KindOf(err).String())
		if !apperr.IsBusiness(err) {
			s.logger.Error("transfer failed",
				zap.String("from_account_id", req.FromAccountID),
				zap.String("to_account_id", req.ToAccountID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if outcome.Status != StatusExecuted {
		s.recorder.RecordTransfer(string(StatusConfirmationRequired))
		return outcome, nil
	}

	s.recorder.RecordTransfer("executed")
	s.logger.Info("transfer completed",
		zap.String("transaction_id", outcome.Transaction.ID),
		zap.String("from_account_id", outcome.Transaction.FromAccountID),
		zap.String("to_account_id", outcome.Transaction.ToAccountID),
		zap.Int64("amount", outcome.Transaction.Amount),
	)
	s.publish(ctx, outcome.Transaction)
	return outcome, nil
}

func (s *TransferService) transfer(ctx context.Context, callerID string, req models.TransferRequest) (*TransferOutcome, error) {
	if req.Amount == nil || *req.Amount <= 0 {
		return nil, apperr.BadRequest("amount must be positive")
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, apperr.BadRequest("cannot transfer to the same account")
	}

	outcome, err := s.attempt(ctx, callerID, req)
	if err != nil && errors.Is(err, db.ErrConflict) {
		s.recorder.RecordRetry()
		s.logger.Warn("retrying transfer after store conflict",
			zap.String("from_account_id", req.FromAccountID),
			zap.String("to_account_id", req.ToAccountID),
			zap.Error(err),
		)
		outcome, err = s.attempt(ctx, callerID, req)
	}
	if err != nil {
		if apperr.IsBusiness(err) {
			return nil, err
		}
		return nil, apperr.Wrap(fmt.Errorf("failed to execute transfer: %w", err), "failed to execute transfer")
	}
	return outcome, nil
}

// attempt runs the store-dependent rules and the mutation in one store
// transaction.
func (s *TransferService) attempt(ctx context.Context, callerID string, req models.TransferRequest) (*TransferOutcome, error) {
	amount := *req.Amount
	var outcome *TransferOutcome

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
		outcome = nil

		locked, err := tx.LockAccounts(ctx, req.FromAccountID, req.ToAccountID)
		if err != nil {
			return fmt.Errorf("failed to lock accounts: %w", err)
		}

		from, ok := locked[req.FromAccountID]
		if !ok {
			return apperr.NotFound("source account not found")
		}
		if from.OwnerID != callerID {
			return apperr.BadRequest("account not owned by caller")
		}
		to, ok := locked[req.ToAccountID]
		if !ok {
			return apperr.NotFound("destination account not found")
		}
		if from.Closed || to.Closed {
			return apperr.BadRequest("one of the accounts is closed")
		}
		if from.Balance < amount {
			return apperr.BadRequest("insufficient funds")
		}
		if to.Balance > math.MaxInt64-amount {
			return apperr.BadRequest("destination balance limit exceeded")
		}

		if !req.Confirm {
			outcome = &TransferOutcome{
				Status:  StatusConfirmationRequired,
				Message: fmt.Sprintf("confirm transfer of %d from account %s to account %s", amount, from.ID, to.ID),
			}
			return nil
		}

		if err := tx.UpdateBalance(ctx, from.ID, from.Balance-amount); err != nil {
			return fmt.Errorf("failed to debit source: %w", err)
		}
		if err := tx.UpdateBalance(ctx, to.ID, to.Balance+amount); err != nil {
			return fmt.Errorf("failed to credit destination: %w", err)
		}

		record := &models.Transaction{
			FromAccountID: from.ID,
			ToAccountID:   to.ID,
			Amount:        amount,
			CreatedAt:     s.now(),
		}
		if err := tx.InsertTransaction(ctx, record); err != nil {
			return fmt.Errorf("failed to record transaction: %w", err)
		}

		outcome = &TransferOutcome{
			Status:      StatusExecuted,
			Message:     "transfer completed",
			Transaction: record,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// publish hands the committed transfer to the journal. The ledger row is
// already durable so a failure here is only logged.
func (s *TransferService) publish(ctx context.Context, tx *models.Transaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransfer(ctx, models.NewTransferEvent(tx)); err != nil {
		s.logger.Warn("failed to publish transfer event",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
}

// retrieves ledger entries touching the account, newest first
func (s *TransferService) ListTransactions(ctx context.Context, callerID, accountID string, limit, offset int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound("account not found")
		}
		return nil, apperr.Wrap(fmt.Errorf("failed to get account: %w", err), "failed to get account")
	}
	if account.OwnerID != callerID {
		return nil, apperr.AccountOwnership()
	}

	txs, err := s.store.ListTransactionsByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(fmt.Errorf("failed to get transactions: %w", err), "failed to get transactions")
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	return txs, nil
}
