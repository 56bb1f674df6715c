package models

import (
	"time"

	"github.com/cyberbank/corebank/internal/otp"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

type Account struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Email         string      `json:"email"`
	Phone         string      `json:"phone"`
	AccountNumber string      `json:"account_number"`
	AccountTitle  string      `json:"account_title"`
	Verified      bool        `json:"verified"`
	Role          string      `json:"role"`
	OTP           otp.Subject `json:"-"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Balance is the balance of record of one account, in minor units.
type Balance struct {
	AccountID     string    `json:"account_id"`
	AccountNumber string    `json:"account_number"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Frozen        bool      `json:"frozen"`
	UpdatedAt     time.Time `json:"updated_at"`
}
