package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/p2p-ledger/internal/apperr"
	"github.com/abkawan/p2p-ledger/internal/db"
	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/models"
	"go.uber.org/zap"
)

// handles account operations
type AccountService struct {
	store  db.Store
	logger *logging.Logger
	now    func() time.Time
}

// creates a new Account Service
func NewAccountService(store db.Store, logger *logging.Logger) *AccountService {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &AccountService{
		store:  store,
		logger: logger.Named("accounts"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// creates a new open account owned by ownerID
func (s *AccountService) CreateAccount(ctx context.Context, ownerID string, initialBalance int64) (*models.Account, error) {
	if initialBalance < 0 {
		return nil, apperr.Validation(map[string]string{
			"initial_balance": "initial balance cannot be negative",
		})
	}

	now := s.now()
	account := &models.Account{
		OwnerID:   ownerID,
		Balance:   initialBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, apperr.Wrap(fmt.Errorf("failed to create account: %w", err), "failed to create account")
	}

	s.logger.Info("account created",
		zap.String("account_id", account.ID),
		zap.String("owner_id", ownerID),
		zap.Int64("initial_balance", initialBalance),
	)
	return account, nil
}

// GetOwnedAccount returns the account if the caller owns it. Closed
// accounts are returned too.
func (s *AccountService) GetOwnedAccount(ctx context.Context, ownerID, accountID string) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound("account not found")
		}
		return nil, apperr.Wrap(fmt.Errorf("failed to get account: %w", err), "failed to get account")
	}
	if account.OwnerID != ownerID {
		return nil, apperr.AccountOwnership()
	}
	return account, nil
}

// retrieves the public view of an open account
func (s *AccountService) GetOpenAccountView(ctx context.Context, ownerID, accountID string) (models.AccountView, error) {
	account, err := s.GetOwnedAccount(ctx, ownerID, accountID)
	if err != nil {
		return models.AccountView{}, err
	}
	if account.Closed {
		return models.AccountView{}, apperr.AccountClosed("account is closed")
	}
	return account.View(), nil
}

// lists the caller's open accounts, oldest first
func (s *AccountService) ListOpenAccounts(ctx context.Context, ownerID string) ([]models.AccountView, error) {
	accounts, err := s.store.ListAccountsByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(fmt.Errorf("failed to list accounts: %w", err), "failed to list accounts")
	}

	views := make([]models.AccountView, 0, len(accounts))
	for _, account := range accounts {
		if account.Closed {
			continue
		}
		views = append(views, account.View())
	}
	return views, nil
}

// CloseAccount marks the account closed. The row lock is held while the
// ownership and state checks run so a concurrent transfer cannot slip in
// between them.
func (s *AccountService) CloseAccount(ctx context.Context, ownerID, accountID string) error {
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
		locked, err := tx.LockAccounts(ctx, accountID)
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		account, ok := locked[accountID]
		if !ok {
			return apperr.NotFound("account not found")
		}
		if account.OwnerID != ownerID {
			return apperr.AccountOwnership()
		}
		if account.Closed {
			return apperr.AccountClosed("account is already closed")
		}
		return tx.CloseAccount(ctx, accountID)
	})
	if err != nil {
		if apperr.IsBusiness(err) {
			return err
		}
		return apperr.Wrap(fmt.Errorf("failed to close account: %w", err), "failed to close account")
	}

	s.logger.Info("account closed", zap.String("account_id", accountID), zap.String("owner_id", ownerID))
	return nil
}
