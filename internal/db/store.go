package db

import (
	"context"
	"errors"
	"sort"

	"github.com/abkawan/p2p-ledger/internal/models"
)

var (
	// ErrNotFound is returned when a user or account does not exist
	ErrNotFound = errors.New("db: not found")

	// ErrDuplicate is returned when a unique constraint is violated
	ErrDuplicate = errors.New("db: duplicate key")

	// ErrConflict marks a transient write conflict (serialization failure or
	// deadlock). The whole transaction may be retried.
	ErrConflict = errors.New("db: transaction conflict")

	// ErrConstraint is returned when a write would break a data invariant,
	// such as a negative balance
	ErrConstraint = errors.New("db: constraint violation")

	// ErrUnavailable is returned while the store is considered down
	ErrUnavailable = errors.New("db: store unavailable")
)

// Store is the ledger store: users, accounts and transaction records.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]*models.Account, error)

	// ListTransactionsByAccount returns entries where the account is the
	// source or the destination, newest first.
	ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error)

	// RunInTx runs fn in a single all-or-nothing unit. If fn returns an
	// error nothing it did through tx is observable.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of mutations available inside RunInTx.
type Tx interface {
	// LockAccounts locks the given accounts for the rest of the transaction,
	// in ascending id order. Missing ids are absent from the result.
	LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error)
	UpdateBalance(ctx context.Context, id string, balance int64) error
	CloseAccount(ctx context.Context, id string) error
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
}

// lockOrder returns the distinct ids sorted ascending.
func lockOrder(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
