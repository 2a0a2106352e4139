package db

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/google/uuid"
)

func setupTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	uri := os.Getenv("TEST_POSTGRES_URI")
	if uri == "" {
		t.Skip("TEST_POSTGRES_URI not set")
	}

	p, err := NewPostgres(uri)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	ctx := context.Background()
	if err := p.InitSchema(ctx); err != nil {
		p.Close()
		t.Fatalf("InitSchema() error = %v", err)
	}
	if err := p.Truncate(ctx); err != nil {
		p.Close()
		t.Fatalf("Truncate() error = %v", err)
	}
	return p
}

func TestPostgres_Contract(t *testing.T) {
	p := setupTestPostgres(t)
	defer p.Close()

	runStoreContract(t, p)
}

func TestPostgres_ConcurrentLockedUpdates(t *testing.T) {
	p := setupTestPostgres(t)
	defer p.Close()
	ctx := context.Background()

	user := &models.User{Username: "locker-" + uuid.NewString()[:8], PasswordHash: "hash"}
	if err := p.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	a := &models.Account{OwnerID: user.ID, Balance: 1000}
	b := &models.Account{OwnerID: user.ID, Balance: 1000}
	for _, acc := range []*models.Account{a, b} {
		if err := p.CreateAccount(ctx, acc); err != nil {
			t.Fatalf("CreateAccount() error = %v", err)
		}
	}

	// opposite directions would deadlock without ordered locking
	move := func(from, to string) error {
		return p.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			locked, err := tx.LockAccounts(ctx, from, to)
			if err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, from, locked[from].Balance-1); err != nil {
				return err
			}
			return tx.UpdateBalance(ctx, to, locked[to].Balance+1)
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := move(a.ID, b.ID); err != nil {
				t.Errorf("move a->b: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := move(b.ID, a.ID); err != nil {
				t.Errorf("move b->a: %v", err)
			}
		}()
	}
	wg.Wait()

	gotA, _ := p.GetAccount(ctx, a.ID)
	gotB, _ := p.GetAccount(ctx, b.ID)
	if gotA.Balance+gotB.Balance != 2000 {
		t.Errorf("expected total 2000, got %d", gotA.Balance+gotB.Balance)
	}
}
