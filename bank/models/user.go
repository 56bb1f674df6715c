package models

import (
	"time"

	"github.com/cyberbank/corebank/internal/otp"
)

// User holds the login credential of an account holder. It is the only credential store.
type User struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	Email        string      `json:"email"`
	PasswordHash string      `json:"-"`
	Verified     bool        `json:"verified"`
	AccountID    string      `json:"account_id"`
	Role         string      `json:"role"`
	LastLogin    *time.Time  `json:"last_login,omitempty"`
	OTP          otp.Subject `json:"-"`
	ResetToken   otp.Subject `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
}
