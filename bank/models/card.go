package models

import (
	"time"

	"github.com/cyberbank/corebank/internal/otp"
)

type CardStatus string

const (
	CardStatusActive  CardStatus = "active"
	CardStatusBlocked CardStatus = "blocked"
	CardStatusLocked  CardStatus = "locked"
)

func (s CardStatus) Valid() bool {
	switch s {
	case CardStatusActive, CardStatusBlocked, CardStatusLocked:
		return true
	}
	return false
}

// CanTransitionTo allows active -> blocked/locked and back to active.
func (s CardStatus) CanTransitionTo(next CardStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	return s == CardStatusActive || next == CardStatusActive
}

type Card struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	// Number is the full PAN in memory and on issuance; cards read back from
	// Postgres carry only the masked PAN.
	Number         string      `json:"number"`
	ExpirationDate string      `json:"expiration_date"` // YYMM
	CVV            string      `json:"cvv,omitempty"`   // only set on the issuance response
	PINHash        string      `json:"-"`
	Status         CardStatus  `json:"status"`
	Contactless    bool        `json:"contactless"`
	DailyLimit     int64       `json:"daily_limit"`
	OTP            otp.Subject `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (c *Card) HasPIN() bool {
	return c.PINHash != ""
}
