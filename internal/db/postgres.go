package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
	pqCheckViolation       = "23514"
)

// Postgres.go handles PostgreSQL database operations
type Postgres struct {
	db *sql.DB
}

// creates a new Postgres instance
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// initialize the database schema
func (p *Postgres) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			username VARCHAR(50) NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(36) PRIMARY KEY,
			owner_id VARCHAR(36) NOT NULL REFERENCES users(id),
			balance BIGINT NOT NULL CHECK (balance >= 0),
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_owner_id ON accounts(owner_id)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id VARCHAR(36) PRIMARY KEY,
			from_account_id VARCHAR(36) NOT NULL REFERENCES accounts(id),
			to_account_id VARCHAR(36) NOT NULL REFERENCES accounts(id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			created_at TIMESTAMPTZ NOT NULL,
			CHECK (from_account_id <> to_account_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_account_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_account_id, created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// Truncate removes every row. Only meant for test environments.
func (p *Postgres) Truncate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `TRUNCATE transactions, accounts, users`)
	if err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	return nil
}

func (p *Postgres) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to create user: %w", err))
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	return p.getUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = $1`, id)
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return p.getUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username)
}

func (p *Postgres) getUser(ctx context.Context, query string, arg string) (*models.User, error) {
	var user models.User
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// creates a new account
func (p *Postgres) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	query := `
	INSERT INTO accounts (id, owner_id, balance, closed, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.ExecContext(ctx, query,
		account.ID, account.OwnerID, account.Balance, account.Closed, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to create account: %w", err))
	}
	return nil
}

// retrieves an account by ID
func (p *Postgres) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `
	SELECT id, owner_id, balance, closed, created_at, updated_at
	FROM accounts
	WHERE id = $1`

	account, err := scanAccount(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (p *Postgres) ListAccountsByOwner(ctx context.Context, ownerID string) ([]*models.Account, error) {
	query := `
	SELECT id, owner_id, balance, closed, created_at, updated_at
	FROM accounts
	WHERE owner_id = $1
	ORDER BY created_at, id`

	rows, err := p.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (p *Postgres) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error) {
	query := `
	SELECT id, from_account_id, to_account_id, amount, created_at
	FROM transactions
	WHERE from_account_id = $1 OR to_account_id = $1
	ORDER BY created_at DESC, id
	LIMIT $2 OFFSET $3`

	rows, err := p.db.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return txs, nil
}

// RunInTx runs fn inside a READ COMMITTED transaction. Correctness of the
// read-validate-write sequence comes from the row locks taken by
// LockAccounts.
func (p *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error) {
	query := `
	SELECT id, owner_id, balance, closed, created_at, updated_at
	FROM accounts
	WHERE id = $1
	FOR UPDATE`

	accounts := make(map[string]*models.Account, len(ids))
	for _, id := range lockOrder(ids) {
		account, err := scanAccount(t.tx.QueryRowContext(ctx, query, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, classify(fmt.Errorf("failed to lock account %s: %w", id, err))
		}
		accounts[id] = account
	}
	return accounts, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, id string, balance int64) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3",
		balance, time.Now().UTC(), id,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update balance: %w", err))
	}
	return nil
}

func (t *pgTx) CloseAccount(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE accounts SET closed = TRUE, updated_at = $1 WHERE id = $2",
		time.Now().UTC(), id,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to close account: %w", err))
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	query := `
	INSERT INTO transactions (id, from_account_id, to_account_id, amount, created_at)
	VALUES ($1, $2, $3, $4, $5)`

	_, err := t.tx.ExecContext(ctx, query, tx.ID, tx.FromAccountID, tx.ToAccountID, tx.Amount, tx.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to insert transaction: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID, &account.OwnerID, &account.Balance, &account.Closed,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// classify tags PostgreSQL errors with the store sentinels while keeping
// the original error in the chain.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case pqSerializationFailure, pqDeadlockDetected:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case pqUniqueViolation:
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	case pqCheckViolation:
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	default:
		return err
	}
}
