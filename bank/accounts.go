package bank

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/otp"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

const (
	accountNumberLength = 13
	openAttempts        = 5
)

func accountKey(accountID string) string {
	return "account:" + accountID
}

// Accounts onboards account holders: open, verify by OTP, resend.
type Accounts struct {
	Deps
	ledger *Ledger
	logger *slog.Logger
	now    func() time.Time
}

func NewAccounts(d Deps, ledger *Ledger) *Accounts {
	d = d.withDefaults()
	return &Accounts{
		Deps:   d,
		ledger: ledger,
		logger: d.Logger.With(slog.String("component", "accounts")),
		now:    time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Open creates an unverified customer account with a zero balance and sends the
// account_verification code to email.
func (a *Accounts) Open(ctx context.Context, name, email, phone string) (*models.Account, error) {
	name, email, phone = strings.TrimSpace(name), normalizeEmail(email), strings.TrimSpace(phone)
	if name == "" || email == "" || phone == "" {
		return nil, models.ErrInvalidInput
	}
	if err := a.throttle(ctx, "account_otp", email); err != nil {
		return nil, err
	}

	titles := a.Config.AccountTitles
	if len(titles) == 0 {
		titles = defaultAccountTitles
	}

	for attempt := 0; attempt < openAttempts; attempt++ {
		number, err := cardgen.RandomDigits(accountNumberLength)
		if err != nil {
			return nil, fmt.Errorf("generating account number: %w", err)
		}
		account := &models.Account{
			ID:            uuid.New().String(),
			Name:          name,
			Email:         email,
			Phone:         phone,
			AccountNumber: number,
			AccountTitle:  titles[rand.Intn(len(titles))],
			Role:          a.roleFor(email),
			CreatedAt:     a.now(),
		}
		code, err := a.OTP.Issue(&account.OTP, otp.PurposeAccountVerification)
		if err != nil {
			return nil, fmt.Errorf("issuing otp: %w", err)
		}

		err = a.Store.InTx(ctx, func(tx Tx) error {
			if err := tx.Accounts().Create(ctx, account); err != nil {
				return err
			}
			return a.ledger.Open(ctx, tx, account)
		})
		if errors.Is(err, models.ErrAccountNumberTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}

		a.logger.Info("account opened", slog.String("account_id", account.ID))
		a.Notifier.Notify(ctx, otpMessage(account.Email, "Account Verification OTP", code, a.OTP.TTL()))
		return account, nil
	}
	return nil, fmt.Errorf("could not allocate account number after %d attempts", openAttempts)
}

// Verify marks the account verified when code matches its pending
// account_verification code.
func (a *Accounts) Verify(ctx context.Context, email, code string) (*models.Account, error) {
	var verifyErr error
	account, err := a.updateAccount(ctx, email, func(account *models.Account) (bool, error) {
		persist, err := verifyOTP(a.OTP, &account.OTP, otp.PurposeAccountVerification, code)
		if !persist {
			return false, err
		}
		if verifyErr = err; err == nil {
			account.Verified = true
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if verifyErr != nil {
		return nil, verifyErr
	}

	a.logger.Info("account verified", slog.String("account_id", account.ID))
	a.Notifier.Notify(ctx, accountActivatedMessage(account))
	return account, nil
}

// Resend re-issues the verification code of an unverified account.
func (a *Accounts) Resend(ctx context.Context, email string) error {
	if err := a.throttle(ctx, "account_otp", normalizeEmail(email)); err != nil {
		return err
	}
	var code string
	account, err := a.updateAccount(ctx, email, func(account *models.Account) (bool, error) {
		if account.Verified {
			return false, models.ErrAlreadyVerified
		}
		var err error
		code, err = a.OTP.Issue(&account.OTP, otp.PurposeAccountVerification)
		return err == nil, err
	})
	if err != nil {
		return err
	}
	a.Notifier.Notify(ctx, otpMessage(account.Email, "Account Verification OTP", code, a.OTP.TTL()))
	return nil
}

func (a *Accounts) roleFor(email string) string {
	for _, admin := range a.Config.AdminEmails {
		if normalizeEmail(admin) == email {
			return models.RoleAdmin
		}
	}
	return models.RoleCustomer
}

func (a *Accounts) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account *models.Account
	err := a.Store.View(ctx, func(tx Tx) error {
		var err error
		account, err = tx.Accounts().GetByEmail(ctx, normalizeEmail(email))
		return err
	})
	return account, err
}

func (a *Accounts) updateAccount(ctx context.Context, email string, fn func(account *models.Account) (bool, error)) (*models.Account, error) {
	current, err := a.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	unlock := a.Locks.Lock(accountKey(current.ID))
	defer unlock()

	var account *models.Account
	err = a.Store.InTx(ctx, func(tx Tx) error {
		var err error
		if account, err = tx.Accounts().Get(ctx, current.ID); err != nil {
			return err
		}
		changed, err := fn(account)
		if err != nil || !changed {
			return err
		}
		return tx.Accounts().Update(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}
