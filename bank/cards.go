package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/expiry"
	"github.com/cyberbank/corebank/internal/otp"
	"github.com/cyberbank/corebank/internal/security"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const (
	defaultBIN       = "421234"
	issueAttempts    = 5
	panExistsRetries = 10
)

func cardKey(cardID string) string {
	return "card:" + cardID
}

// CardAuthority issues cards and guards PIN and status changes.
type CardAuthority struct {
	Deps
	cvv    security.CVVProvider
	logger *slog.Logger
	now    func() time.Time
}

func NewCardAuthority(d Deps, cvv security.CVVProvider) *CardAuthority {
	d = d.withDefaults()
	return &CardAuthority{
		Deps:   d,
		cvv:    cvv,
		logger: d.Logger.With(slog.String("component", "cards")),
		now:    time.Now,
	}
}

// Issue creates a card for accountID. The returned card carries the CVV; it is
// not stored and cannot be read again.
func (c *CardAuthority) Issue(ctx context.Context, accountID string) (*models.Card, error) {
	var account *models.Account
	err := c.Store.View(ctx, func(tx Tx) error {
		var err error
		account, err = tx.Accounts().Get(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := c.now()
	expYYMM := expiry.YYMM(now, expiry.YearsForProduct(c.Config.CardProduct, 0))

	bin := c.Config.BINPrefix
	if err := cardgen.ValidateBIN(bin); err != nil {
		bin = defaultBIN
	}
	exists := func(pan string) (bool, error) {
		var used bool
		err := c.Store.View(ctx, func(tx Tx) error {
			var err error
			used, err = tx.Cards().ExistsNumber(ctx, pan)
			return err
		})
		return used, err
	}

	// the exists check can race with another issuer, so the insert is retried on conflict
	for attempt := 0; attempt < issueAttempts; attempt++ {
		pan, err := cardgen.GenerateUniquePAN(bin, cardgen.PANLength, "", panExistsRetries, exists)
		if err != nil {
			return nil, fmt.Errorf("generate unique pan: %w", err)
		}
		cvv, err := security.CVVForCard(c.cvv, pan, expYYMM)
		if err != nil {
			return nil, fmt.Errorf("computing cvv: %w", err)
		}
		card := &models.Card{
			ID:             uuid.New().String(),
			AccountID:      account.ID,
			Number:         pan,
			ExpirationDate: expYYMM,
			Status:         models.CardStatusActive,
			Contactless:    true,
			DailyLimit:     c.Config.DefaultDailyLimit,
			CreatedAt:      now,
		}
		err = c.Store.InTx(ctx, func(tx Tx) error {
			return tx.Cards().Create(ctx, card)
		})
		if errors.Is(err, models.ErrCardNumberTaken) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("creating card: %w", err)
		}

		c.logger.Info("card issued", slog.String("card_id", card.ID), slog.String("account_id", account.ID))
		c.Notifier.Notify(ctx, cardIssuedMessage(account, card))
		card.CVV = cvv
		return card, nil
	}
	return nil, fmt.Errorf("could not create unique card after %d attempts", issueAttempts)
}

// SetPIN stores the bcrypt hash of a 4-digit pin.
func (c *CardAuthority) SetPIN(ctx context.Context, cardNumber, pin string) error {
	hash, err := c.hashPIN(pin)
	if err != nil {
		return err
	}
	card, account, err := c.updateCard(ctx, cardNumber, func(tx Tx, card *models.Card) (bool, error) {
		card.PINHash = hash
		return true, nil
	})
	if err != nil {
		return err
	}
	c.Notifier.Notify(ctx, cardPINSetMessage(account, card))
	return nil
}

// RequestOTP issues a card_action code and sends it to the account email.
func (c *CardAuthority) RequestOTP(ctx context.Context, cardNumber string) error {
	if err := c.throttle(ctx, "card_otp", cardgen.NormalizePAN(cardNumber)); err != nil {
		return err
	}
	var code string
	_, account, err := c.updateCard(ctx, cardNumber, func(tx Tx, card *models.Card) (bool, error) {
		var err error
		code, err = c.OTP.Issue(&card.OTP, otp.PurposeCardAction)
		return err == nil, err
	})
	if err != nil {
		return err
	}
	c.Notifier.Notify(ctx, otpMessage(account.Email, "Card Verification OTP", code, c.OTP.TTL()))
	return nil
}

// ApplyOTPGatedUpdate validates the requested change, verifies code, then
// applies the PIN and status change together. At least one of newPIN and
// newStatus must be set.
func (c *CardAuthority) ApplyOTPGatedUpdate(ctx context.Context, cardNumber, code string, newPIN *string, newStatus *models.CardStatus) (*models.Card, error) {
	if newPIN == nil && newStatus == nil {
		return nil, models.ErrInvalidInput
	}
	var hash string
	if newPIN != nil {
		var err error
		if hash, err = c.hashPIN(*newPIN); err != nil {
			return nil, err
		}
	}
	if newStatus != nil && !newStatus.Valid() {
		return nil, models.ErrInvalidInput
	}

	var verifyErr error
	card, account, err := c.updateCard(ctx, cardNumber, func(tx Tx, card *models.Card) (bool, error) {
		if newStatus != nil && !card.Status.CanTransitionTo(*newStatus) {
			return false, models.ErrInvalidStatusTransition
		}
		persist, err := verifyOTP(c.OTP, &card.OTP, otp.PurposeCardAction, code)
		if !persist {
			return false, err
		}
		if verifyErr = err; verifyErr != nil {
			return true, nil
		}
		if newPIN != nil {
			card.PINHash = hash
		}
		if newStatus != nil {
			card.Status = *newStatus
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if verifyErr != nil {
		return nil, verifyErr
	}

	c.logger.Info("card updated", slog.String("card_id", card.ID), slog.String("status", string(card.Status)))
	c.Notifier.Notify(ctx, cardUpdatedMessage(account, card, newPIN != nil))
	return card, nil
}

func (c *CardAuthority) Get(ctx context.Context, cardNumber string) (*models.Card, error) {
	var card *models.Card
	err := c.Store.View(ctx, func(tx Tx) error {
		var err error
		card, err = tx.Cards().GetByNumber(ctx, cardNumber)
		return err
	})
	return card, err
}

func (c *CardAuthority) List(ctx context.Context, accountID string) ([]*models.Card, error) {
	var cards []*models.Card
	err := c.Store.View(ctx, func(tx Tx) error {
		var err error
		cards, err = tx.Cards().ListByAccount(ctx, accountID)
		return err
	})
	return cards, err
}

func (c *CardAuthority) hashPIN(pin string) (string, error) {
	if len(pin) != 4 || !cardgen.IsDigits(pin) {
		return "", models.ErrInvalidPINFormat
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), c.Config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing pin: %w", err)
	}
	return string(hash), nil
}

// updateCard serialises on the card, re-reads it in a writable unit of work and
// saves it when fn reports a change.
func (c *CardAuthority) updateCard(ctx context.Context, cardNumber string, fn func(tx Tx, card *models.Card) (bool, error)) (*models.Card, *models.Account, error) {
	current, err := c.Get(ctx, cardNumber)
	if err != nil {
		return nil, nil, err
	}
	unlock := c.Locks.Lock(cardKey(current.ID))
	defer unlock()

	var card *models.Card
	var account *models.Account
	err = c.Store.InTx(ctx, func(tx Tx) error {
		var err error
		if card, err = tx.Cards().GetByNumber(ctx, cardNumber); err != nil {
			return err
		}
		if account, err = tx.Accounts().Get(ctx, card.AccountID); err != nil {
			return err
		}
		changed, err := fn(tx, card)
		if err != nil || !changed {
			return err
		}
		return tx.Cards().Update(ctx, card)
	})
	if err != nil {
		return nil, nil, err
	}
	return card, account, nil
}
