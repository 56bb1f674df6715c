package models

import (
	"errors"

	"github.com/cyberbank/corebank/internal/otp"
)

// Kind classifies failures so callers can render a stable cause.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindAuthz
	KindInsufficientFunds
	KindFrozen
	KindIntegrity
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthz:
		return "authz"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindFrozen:
		return "frozen"
	case KindIntegrity:
		return "integrity"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is a domain failure. Values are package-level sentinels compared with errors.Is.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrInvalidAmount           = newError(KindValidation, "invalid_amount", "amount must be a positive number")
	ErrInvalidPINFormat        = newError(KindValidation, "invalid_pin_format", "pin must be exactly 4 digits")
	ErrInvalidInput            = newError(KindValidation, "invalid_input", "invalid input")
	ErrSameAccount             = newError(KindValidation, "same_account", "sender and receiver are the same account")
	ErrInvalidStatusTransition = newError(KindValidation, "invalid_status_transition", "card status transition not allowed")
	ErrAccountMismatch         = newError(KindValidation, "account_mismatch", "account number does not match")

	ErrAccountNotFound  = newError(KindNotFound, "account_not_found", "account not found")
	ErrBalanceNotFound  = newError(KindNotFound, "balance_not_found", "balance record not found")
	ErrReceiverNotFound = newError(KindNotFound, "receiver_not_found", "receiver account not found")
	ErrCardNotFound     = newError(KindNotFound, "card_not_found", "card not found")
	ErrUserNotFound     = newError(KindNotFound, "user_not_found", "user not found")

	ErrEmailTaken         = newError(KindConflict, "email_taken", "email already registered")
	ErrPhoneTaken         = newError(KindConflict, "phone_taken", "phone already registered")
	ErrAccountNumberTaken = newError(KindConflict, "account_number_taken", "account number already issued")
	ErrCardNumberTaken    = newError(KindConflict, "card_number_taken", "card number already issued")
	ErrUserExists         = newError(KindConflict, "user_exists", "user already exists")
	ErrAlreadyVerified    = newError(KindConflict, "already_verified", "already verified")
	ErrBalanceExists      = newError(KindConflict, "balance_exists", "balance record already exists")

	ErrIncorrectPIN        = newError(KindAuthz, "incorrect_pin", "incorrect pin")
	ErrCardInactive        = newError(KindAuthz, "card_inactive", "card is not active")
	ErrContactlessDisabled = newError(KindAuthz, "contactless_disabled", "contactless is disabled for this card")
	ErrCardExpired         = newError(KindAuthz, "card_expired", "card has expired")
	ErrInvalidCredentials  = newError(KindAuthz, "invalid_credentials", "invalid email or password")
	ErrUserNotVerified     = newError(KindAuthz, "user_not_verified", "user email is not verified")
	ErrAccountNotVerified  = newError(KindAuthz, "account_not_verified", "account email is not verified")
	ErrForbidden           = newError(KindAuthz, "forbidden", "operation not permitted")
	ErrUnauthenticated     = newError(KindAuthz, "unauthenticated", "missing or invalid bearer token")

	ErrInsufficientFunds  = newError(KindInsufficientFunds, "insufficient_funds", "insufficient funds")
	ErrDailyLimitExceeded = newError(KindInsufficientFunds, "daily_limit_exceeded", "daily limit exceeded")

	ErrFrozenAccount = newError(KindFrozen, "frozen_account", "account is frozen")

	ErrReceiverBalanceMissing = newError(KindIntegrity, "receiver_balance_missing", "receiver balance record missing")

	ErrTooManyRequests = newError(KindRateLimited, "too_many_requests", "too many requests, try again later")
)

// KindOf returns the kind of err, treating otp verification failures as authz failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, otp.ErrNotFound) || errors.Is(err, otp.ErrExpired) || errors.Is(err, otp.ErrMismatch) {
		return KindAuthz
	}
	return KindInternal
}

// CodeOf returns a stable machine-readable code for err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, otp.ErrNotFound):
		return "otp_not_found"
	case errors.Is(err, otp.ErrExpired):
		return "otp_expired"
	case errors.Is(err, otp.ErrMismatch):
		return "invalid_otp"
	}
	return "internal"
}
