package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/abkawan/p2p-ledger/internal/queue"
)

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type chanSource struct {
	ch chan queue.Delivery
}

func (s *chanSource) ConsumeTransfers(ctx context.Context, prefetch int) (<-chan queue.Delivery, error) {
	return s.ch, nil
}

type memJournal struct {
	mu      sync.Mutex
	events  map[string]models.TransferEvent
	failIDs map[string]bool
}

func (j *memJournal) Record(ctx context.Context, event *models.TransferEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failIDs[event.TransactionID] {
		return errors.New("journal unavailable")
	}
	j.events[event.TransactionID] = *event
	return nil
}

func TestJournalProcessor_Run(t *testing.T) {
	ack := &fakeAcknowledger{}
	source := &chanSource{ch: make(chan queue.Delivery, 3)}
	journal := &memJournal{
		events:  make(map[string]models.TransferEvent),
		failIDs: map[string]bool{"tx-bad": true},
	}

	now := time.Now().UTC()
	source.ch <- queue.Delivery{Tag: 1, Acknowledger: ack, Event: models.TransferEvent{TransactionID: "tx-1", Amount: 10, CreatedAt: now}}
	source.ch <- queue.Delivery{Tag: 2, Acknowledger: ack, Event: models.TransferEvent{TransactionID: "tx-bad", Amount: 20, CreatedAt: now}}
	source.ch <- queue.Delivery{Tag: 3, Acknowledger: ack, Event: models.TransferEvent{TransactionID: "tx-1", Amount: 10, CreatedAt: now}}
	close(source.ch)

	p := NewJournalProcessor(source, journal, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(journal.events) != 1 {
		t.Errorf("expected 1 journal entry, got %d", len(journal.events))
	}
	if len(ack.acks) != 2 || ack.acks[0] != 1 || ack.acks[1] != 3 {
		t.Errorf("unexpected acks %v", ack.acks)
	}
	if len(ack.nacks) != 1 || ack.nacks[0] != 2 {
		t.Errorf("unexpected nacks %v", ack.nacks)
	}
}

func TestJournalProcessor_StopsOnCancel(t *testing.T) {
	source := &chanSource{ch: make(chan queue.Delivery)}
	journal := &memJournal{events: make(map[string]models.TransferEvent)}
	p := NewJournalProcessor(source, journal, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop after cancel")
	}
}
