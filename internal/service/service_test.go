package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/abkawan/p2p-ledger/internal/apperr"
	"github.com/abkawan/p2p-ledger/internal/db"
	"github.com/abkawan/p2p-ledger/internal/models"
)

// helpers shared by the service tests

func newAccount(t *testing.T, svc *AccountService, ownerID string, balance int64) *models.Account {
	t.Helper()
	account, err := svc.CreateAccount(context.Background(), ownerID, balance)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	return account
}

func balanceOf(t *testing.T, store db.Store, id string) int64 {
	t.Helper()
	account, err := store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%s) error = %v", id, err)
	}
	return account.Balance
}

func amount(v int64) *int64 {
	return &v
}

func assertKind(t *testing.T, err error, kind apperr.Kind, detail string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var e *apperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *apperr.Error, got %T: %v", err, err)
	}
	if e.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, e.Kind, err)
	}
	if detail != "" && e.Detail != detail {
		t.Fatalf("expected detail %q, got %q", detail, e.Detail)
	}
}

// faultyStore fails the configured Tx step. It is used to check that a
// transfer failing midway leaves no trace.
type faultyStore struct {
	db.Store
	failInsert bool
	failCredit bool
}

func (s *faultyStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx db.Tx) error) error {
	return s.Store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, store: s})
	})
}

type faultyTx struct {
	db.Tx
	store   *faultyStore
	updates int
}

var errInjected = errors.New("injected failure")

func (t *faultyTx) UpdateBalance(ctx context.Context, id string, balance int64) error {
	t.updates++
	if t.store.failCredit && t.updates == 2 {
		return errInjected
	}
	return t.Tx.UpdateBalance(ctx, id, balance)
}

func (t *faultyTx) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	if t.store.failInsert {
		return errInjected
	}
	return t.Tx.InsertTransaction(ctx, tx)
}

// conflictStore fails the first n transactions with db.ErrConflict after
// running the callback, like a serialization failure at commit.
type conflictStore struct {
	db.Store
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (s *conflictStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx db.Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.conflicts > 0
	if fail {
		s.conflicts--
	}
	s.mu.Unlock()

	if fail {
		return errors.Join(db.ErrConflict, errors.New("could not serialize access"))
	}
	return s.Store.RunInTx(ctx, fn)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	retries  int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: make(map[string]int)}
}

func (r *fakeRecorder) RecordTransfer(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *fakeRecorder) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.TransferEvent
	err    error
}

func (p *fakePublisher) PublishTransfer(ctx context.Context, event *models.TransferEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}
