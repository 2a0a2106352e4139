package models

import (
	"time"
)

// Transaction is an immutable ledger entry written when a transfer executes.
type Transaction struct {
	ID            string    `json:"id" db:"id"`
	FromAccountID string    `json:"from_account_id" db:"from_account_id"`
	ToAccountID   string    `json:"to_account_id" db:"to_account_id"`
	Amount        int64     `json:"amount" db:"amount"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// represents a transfer request. Amount is a pointer so a missing amount
// can be told apart from zero.
type TransferRequest struct {
	FromAccountID string `json:"from_account_id" validate:"required"`
	ToAccountID   string `json:"to_account_id" validate:"required"`
	Amount        *int64 `json:"amount" validate:"required,min=0"`
	Confirm       bool   `json:"confirm"`
}

// TransferEvent is published after a transfer commits and is the document
// shape of the transfer journal.
type TransferEvent struct {
	TransactionID string    `json:"transaction_id" bson:"_id"`
	FromAccountID string    `json:"from_account_id" bson:"from_account_id"`
	ToAccountID   string    `json:"to_account_id" bson:"to_account_id"`
	Amount        int64     `json:"amount" bson:"amount"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	RecordedAt    time.Time `json:"recorded_at,omitempty" bson:"recorded_at,omitempty"`
}

// NewTransferEvent builds the event for a committed transaction
func NewTransferEvent(tx *Transaction) *TransferEvent {
	return &TransferEvent{
		TransactionID: tx.ID,
		FromAccountID: tx.FromAccountID,
		ToAccountID:   tx.ToAccountID,
		Amount:        tx.Amount,
		CreatedAt:     tx.CreatedAt,
	}
}
