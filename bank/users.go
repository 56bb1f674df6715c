package bank

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/auth"
	"github.com/cyberbank/corebank/internal/otp"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const (
	minUsernameLength = 3
	minPasswordLength = 6
)

func userKey(userID string) string {
	return "user:" + userID
}

// Users manages login credentials. A user is registered against a verified
// account with the same email.
type Users struct {
	Deps
	tokens *auth.Tokens
	logger *slog.Logger
	now    func() time.Time
}

func NewUsers(d Deps, tokens *auth.Tokens) *Users {
	d = d.withDefaults()
	return &Users{
		Deps:   d,
		tokens: tokens,
		logger: d.Logger.With(slog.String("component", "users")),
		now:    time.Now,
	}
}

func (u *Users) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	username, email = strings.TrimSpace(username), normalizeEmail(email)
	if len(username) < minUsernameLength || email == "" || len(password) < minPasswordLength {
		return nil, models.ErrInvalidInput
	}
	if err := u.throttle(ctx, "user_otp", email); err != nil {
		return nil, err
	}

	hash, err := u.hashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    u.now(),
	}
	code, err := u.OTP.Issue(&user.OTP, otp.PurposeEmailVerification)
	if err != nil {
		return nil, fmt.Errorf("issuing otp: %w", err)
	}

	err = u.Store.InTx(ctx, func(tx Tx) error {
		account, err := tx.Accounts().GetByEmail(ctx, email)
		if err != nil {
			return err
		}
		if !account.Verified {
			return models.ErrAccountNotVerified
		}
		user.AccountID = account.ID
		user.Role = account.Role
		return tx.Users().Create(ctx, user)
	})
	if err != nil {
		return nil, err
	}

	u.logger.Info("user registered", slog.String("user_id", user.ID), slog.String("account_id", user.AccountID))
	u.Notifier.Notify(ctx, otpMessage(user.Email, "Email Verification OTP", code, u.OTP.TTL()))
	return user, nil
}

func (u *Users) VerifyEmail(ctx context.Context, email, code string) (*models.User, error) {
	var verifyErr error
	user, err := u.updateUser(ctx, email, func(tx Tx, user *models.User) (bool, error) {
		persist, err := verifyOTP(u.OTP, &user.OTP, otp.PurposeEmailVerification, code)
		if !persist {
			return false, err
		}
		if verifyErr = err; err == nil {
			user.Verified = true
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if verifyErr != nil {
		return nil, verifyErr
	}
	u.Notifier.Notify(ctx, emailVerifiedMessage(user))
	return user, nil
}

// Login checks the password and returns a signed bearer token.
func (u *Users) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	var account *models.Account
	user, err := u.updateUser(ctx, email, func(tx Tx, user *models.User) (bool, error) {
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
			return false, models.ErrInvalidCredentials
		}
		if !user.Verified {
			return false, models.ErrUserNotVerified
		}
		var err error
		if account, err = tx.Accounts().Get(ctx, user.AccountID); err != nil {
			return false, err
		}
		now := u.now()
		user.LastLogin = &now
		return true, nil
	})
	if models.KindOf(err) == models.KindNotFound {
		return "", nil, models.ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}

	token, err := u.tokens.Issue(models.ActorIdentity{
		UserID:        user.ID,
		Username:      user.Username,
		AccountID:     account.ID,
		AccountNumber: account.AccountNumber,
		AccountTitle:  account.AccountTitle,
		Role:          user.Role,
	})
	if err != nil {
		return "", nil, err
	}
	u.logger.Info("user logged in", slog.String("user_id", user.ID))
	return token, user, nil
}

// ForgotPassword sends a password_reset code to the user's email.
func (u *Users) ForgotPassword(ctx context.Context, email string) error {
	if err := u.throttle(ctx, "user_otp", normalizeEmail(email)); err != nil {
		return err
	}
	var code string
	user, err := u.updateUser(ctx, email, func(tx Tx, user *models.User) (bool, error) {
		var err error
		code, err = u.OTP.Issue(&user.OTP, otp.PurposePasswordReset)
		return err == nil, err
	})
	if err != nil {
		return err
	}
	u.Notifier.Notify(ctx, otpMessage(user.Email, "Password Reset OTP", code, u.OTP.TTL()))
	return nil
}

// VerifyResetOTP consumes the password_reset code and returns a single-use
// reset token for ResetPassword.
func (u *Users) VerifyResetOTP(ctx context.Context, email, code string) (string, error) {
	var token string
	var verifyErr error
	_, err := u.updateUser(ctx, email, func(tx Tx, user *models.User) (bool, error) {
		persist, err := verifyOTP(u.OTP, &user.OTP, otp.PurposePasswordReset, code)
		if !persist {
			return false, err
		}
		if verifyErr = err; err != nil {
			return true, nil
		}
		token, err = u.OTP.IssueWith(&user.ResetToken, otp.PurposeResetToken, func() (string, error) {
			return uuid.New().String(), nil
		})
		return err == nil, err
	})
	if err != nil {
		return "", err
	}
	if verifyErr != nil {
		return "", verifyErr
	}
	return token, nil
}

// ResetPassword consumes the reset token and sets a new password. The linked
// account number must end with accountNumberSuffix.
func (u *Users) ResetPassword(ctx context.Context, email, resetToken, newPassword, accountNumberSuffix string) error {
	accountNumberSuffix = strings.TrimSpace(accountNumberSuffix)
	if len(newPassword) < minPasswordLength || accountNumberSuffix == "" || resetToken == "" {
		return models.ErrInvalidInput
	}
	hash, err := u.hashPassword(newPassword)
	if err != nil {
		return err
	}

	var verifyErr error
	user, err := u.updateUser(ctx, email, func(tx Tx, user *models.User) (bool, error) {
		account, err := tx.Accounts().Get(ctx, user.AccountID)
		if err != nil {
			return false, err
		}
		if !strings.HasSuffix(account.AccountNumber, accountNumberSuffix) {
			return false, models.ErrAccountMismatch
		}
		persist, err := verifyOTP(u.OTP, &user.ResetToken, otp.PurposeResetToken, resetToken)
		if !persist {
			return false, err
		}
		if verifyErr = err; err == nil {
			user.PasswordHash = hash
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if verifyErr != nil {
		return verifyErr
	}

	u.logger.Info("password reset", slog.String("user_id", user.ID))
	u.Notifier.Notify(ctx, passwordChangedMessage(user))
	return nil
}

func (u *Users) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.Config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func (u *Users) updateUser(ctx context.Context, email string, fn func(tx Tx, user *models.User) (bool, error)) (*models.User, error) {
	email = normalizeEmail(email)
	var current *models.User
	err := u.Store.View(ctx, func(tx Tx) error {
		var err error
		current, err = tx.Users().GetByEmail(ctx, email)
		return err
	})
	if err != nil {
		return nil, err
	}
	unlock := u.Locks.Lock(userKey(current.ID))
	defer unlock()

	var user *models.User
	err = u.Store.InTx(ctx, func(tx Tx) error {
		var err error
		if user, err = tx.Users().Get(ctx, current.ID); err != nil {
			return err
		}
		changed, err := fn(tx, user)
		if err != nil || !changed {
			return err
		}
		return tx.Users().Update(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
