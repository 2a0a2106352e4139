package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/p2p-ledger/internal/apperr"
	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientConfig configures the guard placed around a Store.
type ResilientConfig struct {
	// Timeout bounds every store call. Zero disables it.
	Timeout time.Duration

	// MaxRequests allowed through while half-open
	MaxRequests uint32

	// Interval after which closed-state counts are cleared
	Interval time.Duration

	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration

	// ConsecutiveFailures that trip the breaker
	ConsecutiveFailures uint32
}

// DefaultResilientConfig returns sensible defaults for the ledger store.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout:             5 * time.Second,
		MaxRequests:         5,
		Interval:            60 * time.Second,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// ResilientStore wraps a Store with a circuit breaker and a per-call
// timeout. Only infrastructure failures count against the breaker.
type ResilientStore struct {
	next    Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *logging.Logger
}

func NewResilientStore(next Store, config ResilientConfig, logger *logging.Logger) *ResilientStore {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	logger = logger.Named("store")

	threshold := config.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        "ledger-store",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: isHealthy,
	}

	return &ResilientStore{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker(settings),
		timeout: config.Timeout,
		logger:  logger,
	}
}

// isHealthy reports whether err says nothing bad about the store itself.
func isHealthy(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrConflict) || errors.Is(err, ErrConstraint) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return apperr.IsBusiness(err)
}

// State returns the current breaker state: closed, half-open or open.
func (s *ResilientStore) State() string {
	return s.cb.State().String()
}

func (s *ResilientStore) execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Warn("store call rejected", zap.String("operation", op), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("store call timed out",
			zap.String("operation", op),
			zap.Duration("timeout", s.timeout),
		)
	}
	return nil, err
}

func (s *ResilientStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.execute(ctx, "create_user", func(ctx context.Context) (interface{}, error) {
		return nil, s.next.CreateUser(ctx, user)
	})
	return err
}

func (s *ResilientStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	res, err := s.execute(ctx, "get_user", func(ctx context.Context) (interface{}, error) {
		return s.next.GetUser(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.User), nil
}

func (s *ResilientStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	res, err := s.execute(ctx, "get_user_by_username", func(ctx context.Context) (interface{}, error) {
		return s.next.GetUserByUsername(ctx, username)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.User), nil
}

func (s *ResilientStore) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := s.execute(ctx, "create_account", func(ctx context.Context) (interface{}, error) {
		return nil, s.next.CreateAccount(ctx, account)
	})
	return err
}

func (s *ResilientStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	res, err := s.execute(ctx, "get_account", func(ctx context.Context) (interface{}, error) {
		return s.next.GetAccount(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.Account), nil
}

func (s *ResilientStore) ListAccountsByOwner(ctx context.Context, ownerID string) ([]*models.Account, error) {
	res, err := s.execute(ctx, "list_accounts", func(ctx context.Context) (interface{}, error) {
		return s.next.ListAccountsByOwner(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*models.Account), nil
}

func (s *ResilientStore) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error) {
	res, err := s.execute(ctx, "list_transactions", func(ctx context.Context) (interface{}, error) {
		return s.next.ListTransactionsByAccount(ctx, accountID, limit, offset)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*models.Transaction), nil
}

func (s *ResilientStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	_, err := s.execute(ctx, "run_in_tx", func(ctx context.Context) (interface{}, error) {
		return nil, s.next.RunInTx(ctx, fn)
	})
	return err
}

func (s *ResilientStore) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, "ping", func(ctx context.Context) (interface{}, error) {
		return nil, s.next.Ping(ctx)
	})
	return err
}

func (s *ResilientStore) Close() error {
	return s.next.Close()
}
