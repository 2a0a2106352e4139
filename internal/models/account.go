package models

import (
	"time"
)

// Account is a monetary account. Balance is kept in minor currency units.
type Account struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Closed    bool      `json:"closed" db:"closed"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// View projects the account to what callers are allowed to see.
func (a *Account) View() AccountView {
	return AccountView{ID: a.ID, Balance: a.Balance}
}

// AccountView is the read-only projection returned by the API
type AccountView struct {
	ID      string `json:"account_id"`
	Balance int64  `json:"balance"`
}

type CreateAccountRequest struct {
	InitialBalance *int64 `json:"initial_balance" validate:"required,min=0"`
}
