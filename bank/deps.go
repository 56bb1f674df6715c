package bank

import (
	"context"
	"errors"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/keylock"
	"github.com/cyberbank/corebank/internal/otp"
	"golang.org/x/exp/slog"
)

// RateLimiter counts OTP requests per subject.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfter time.Duration, err error)
}

// Deps are the collaborators shared by the OTP-guarded services.
type Deps struct {
	Logger   *slog.Logger
	Store    Store
	Locks    *keylock.Locker
	OTP      *otp.Issuer
	Notifier Notifier
	Limiter  RateLimiter
	Config   *Config
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.OTP == nil {
		d.OTP = otp.NewIssuer()
	}
	if d.Notifier == nil {
		d.Notifier = discardNotifier{}
	}
	if d.Config == nil {
		d.Config = DefaultConfig()
	}
	return d
}

// throttle rejects an OTP request when the limiter says so. Limiter failures let
// the request through.
func (d Deps) throttle(ctx context.Context, scope, subject string) error {
	if d.Limiter == nil {
		return nil
	}
	allowed, retryAfter, err := d.Limiter.Allow(ctx, scope, subject)
	if err != nil {
		d.Logger.Warn("rate limiter unavailable", slog.String("scope", scope), slog.Any("err", err))
		return nil
	}
	if !allowed {
		d.Logger.Info("otp request throttled", slog.String("scope", scope), slog.Duration("retry_after", retryAfter))
		return models.ErrTooManyRequests
	}
	return nil
}

// verifyOTP verifies code against s and reports whether s must be persisted:
// after success, and after an expired code was cleared.
func verifyOTP(issuer *otp.Issuer, s *otp.Subject, purpose otp.Purpose, code string) (persist bool, err error) {
	err = issuer.Verify(s, purpose, code)
	return err == nil || errors.Is(err, otp.ErrExpired), err
}
