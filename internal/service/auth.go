package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/p2p-ledger/internal/apperr"
	"github.com/abkawan/p2p-ledger/internal/db"
	"github.com/abkawan/p2p-ledger/internal/identity"
	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/models"
	"go.uber.org/zap"
)

// handles registration, login and bearer token resolution
type AuthService struct {
	store  db.Store
	hasher *identity.PasswordHasher
	tokens *identity.Tokens
	logger *logging.Logger
	now    func() time.Time
}

func NewAuthService(store db.Store, hasher *identity.PasswordHasher, tokens *identity.Tokens, logger *logging.Logger) *AuthService {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &AuthService{
		store:  store,
		hasher: hasher,
		tokens: tokens,
		logger: logger.Named("auth"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// registers a new user
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	hash, err := s.hasher.Hash(password)
	if errors.Is(err, identity.ErrPasswordTooLong) {
		return nil, apperr.Validation(map[string]string{
			"password": fmt.Sprintf("must be at most %d bytes", identity.MaxPasswordBytes),
		})
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to register user")
	}

	user := &models.User{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, apperr.Conflict("user already exists")
		}
		return nil, apperr.Wrap(fmt.Errorf("failed to create user: %w", err), "failed to register user")
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

// Login checks the credentials and issues a bearer token. Unknown users
// and wrong passwords are reported the same way.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", apperr.Unauthorized("invalid credentials")
		}
		return "", apperr.Wrap(fmt.Errorf("failed to get user: %w", err), "failed to log in")
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		if errors.Is(err, identity.ErrPasswordMismatch) {
			return "", apperr.Unauthorized("invalid credentials")
		}
		return "", apperr.Wrap(err, "failed to log in")
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return "", apperr.Wrap(err, "failed to log in")
	}
	return token, nil
}

// Authenticate resolves a bearer token to the id of an existing user.
func (s *AuthService) Authenticate(ctx context.Context, token string) (string, error) {
	userID, err := s.tokens.Resolve(token)
	if err != nil {
		return "", apperr.Unauthorized("invalid token")
	}

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", apperr.Unauthorized("invalid token")
		}
		return "", apperr.Wrap(fmt.Errorf("failed to get user: %w", err), "failed to authenticate")
	}
	return userID, nil
}
