package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/google/uuid"
)

// mirrors the balance >= 0 check constraint of the accounts table
var errNegativeBalance = fmt.Errorf("%w: balance cannot be negative", ErrConstraint)

// Memory is an in-process Store. Transactions are serialized by a single
// mutex and staged until the callback succeeds.
type Memory struct {
	mu           sync.Mutex
	users        map[string]*models.User
	usernames    map[string]string
	accounts     map[string]*models.Account
	transactions []*models.Transaction
	now          func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*models.User),
		usernames: make(map[string]string),
		accounts:  make(map[string]*models.Account),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usernames[user.Username]; ok {
		return ErrDuplicate
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = m.now()
	}

	stored := *user
	m.users[user.ID] = &stored
	m.usernames[user.Username] = user.ID
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *user
	return &out, nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.users[id]
	return &out, nil
}

func (m *Memory) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.Balance < 0 {
		return errNegativeBalance
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if _, ok := m.accounts[account.ID]; ok {
		return ErrDuplicate
	}
	now := m.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	stored := *account
	m.accounts[account.ID] = &stored
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *account
	return &out, nil
}

func (m *Memory) ListAccountsByOwner(ctx context.Context, ownerID string) ([]*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var accounts []*models.Account
	for _, account := range m.accounts {
		if account.OwnerID == ownerID {
			out := *account
			accounts = append(accounts, &out)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].ID < accounts[j].ID
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (m *Memory) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Transaction
	// newest first: transactions are appended in commit order
	for i := len(m.transactions) - 1; i >= 0; i-- {
		t := m.transactions[i]
		if t.FromAccountID == accountID || t.ToAccountID == accountID {
			out := *t
			matched = append(matched, &out)
		}
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, staged: make(map[string]*models.Account)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, account := range tx.staged {
		m.accounts[id] = account
	}
	m.transactions = append(m.transactions, tx.inserted...)
	return nil
}

// memTx stages copies of locked accounts. The store mutex is held by
// RunInTx for the whole callback.
type memTx struct {
	store    *Memory
	staged   map[string]*models.Account
	inserted []*models.Transaction
}

func (t *memTx) account(id string) (*models.Account, bool) {
	if account, ok := t.staged[id]; ok {
		return account, true
	}
	account, ok := t.store.accounts[id]
	if !ok {
		return nil, false
	}
	staged := *account
	t.staged[id] = &staged
	return &staged, true
}

func (t *memTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]*models.Account, len(ids))
	for _, id := range lockOrder(ids) {
		account, ok := t.account(id)
		if !ok {
			continue
		}
		view := *account
		out[id] = &view
	}
	return out, nil
}

func (t *memTx) UpdateBalance(ctx context.Context, id string, balance int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if balance < 0 {
		return errNegativeBalance
	}
	account, ok := t.account(id)
	if !ok {
		return ErrNotFound
	}
	account.Balance = balance
	account.UpdatedAt = t.store.now()
	return nil
}

func (t *memTx) CloseAccount(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	account, ok := t.account(id)
	if !ok {
		return ErrNotFound
	}
	account.Closed = true
	account.UpdatedAt = t.store.now()
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	stored := *tx
	t.inserted = append(t.inserted, &stored)
	return nil
}

// Reset drops all data. Only meant for test environments.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = make(map[string]*models.User)
	m.usernames = make(map[string]string)
	m.accounts = make(map[string]*models.Account)
	m.transactions = nil
}
