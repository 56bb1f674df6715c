// Package otp implements one-time codes embedded in the entities they guard.
//
// A Subject holds at most one pending code. Issue replaces it, Verify consumes it
// on success or on expiry, and a mismatch leaves it untouched. Callers serialize
// Issue/Verify per subject and persist the subject in the same unit of work as the
// state the code unlocks.
package otp

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/cyberbank/corebank/internal/cardgen"
)

const (
	DefaultTTL    = 10 * time.Minute
	DefaultLength = 6
)

type Purpose string

const (
	PurposeAccountVerification Purpose = "account_verification"
	PurposeEmailVerification   Purpose = "email_verification"
	PurposePasswordReset       Purpose = "password_reset"
	PurposeResetToken          Purpose = "reset_token"
	PurposeCardAction          Purpose = "card_action"
)

var (
	ErrNotFound = errors.New("no otp pending")
	ErrExpired  = errors.New("otp expired")
	ErrMismatch = errors.New("invalid otp")
)

// Subject is the pending code of one guarded entity. The zero value has nothing pending.
type Subject struct {
	Purpose   Purpose   `json:"-"`
	Code      string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

func (s *Subject) Pending() bool {
	return s.Code != ""
}

func (s *Subject) Clear() {
	*s = Subject{}
}

// ExpiredAt reports whether a pending code is past its validity window at now.
func (s *Subject) ExpiredAt(now time.Time) bool {
	return s.Pending() && now.After(s.ExpiresAt)
}

// Generator produces a fresh code.
type Generator func() (string, error)

// Digits returns a Generator of n random decimal digits.
func Digits(n int) Generator {
	return func() (string, error) {
		return cardgen.RandomDigits(n)
	}
}

type Issuer struct {
	ttl      time.Duration
	generate Generator
	now      func() time.Time
}

type Option func(*Issuer)

func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

func WithGenerator(g Generator) Option {
	return func(i *Issuer) {
		if g != nil {
			i.generate = g
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

func NewIssuer(opts ...Option) *Issuer {
	i := &Issuer{
		ttl:      DefaultTTL,
		generate: Digits(DefaultLength),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue stores a new code for purpose on s, replacing any pending one, and returns it for delivery.
func (i *Issuer) Issue(s *Subject, purpose Purpose) (string, error) {
	return i.IssueWith(s, purpose, i.generate)
}

// IssueWith is Issue with a caller supplied generator, used for long opaque tokens.
func (i *Issuer) IssueWith(s *Subject, purpose Purpose, g Generator) (string, error) {
	code, err := g()
	if err != nil {
		return "", err
	}
	*s = Subject{
		Purpose:   purpose,
		Code:      code,
		ExpiresAt: i.now().Add(i.ttl),
	}
	return code, nil
}

// Verify checks code against s. A code pending for another purpose is treated as absent.
// ErrExpired clears s; success clears s; ErrMismatch and ErrNotFound leave it as is.
func (i *Issuer) Verify(s *Subject, purpose Purpose, code string) error {
	if !s.Pending() || s.Purpose != purpose {
		return ErrNotFound
	}
	if s.ExpiredAt(i.now()) {
		s.Clear()
		return ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(s.Code), []byte(code)) != 1 {
		return ErrMismatch
	}
	s.Clear()
	return nil
}
