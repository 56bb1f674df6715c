package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/expiry"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

// Engine moves money between accounts and out through cards. It owns the
// transaction records; every balance change goes through the Ledger.
type Engine struct {
	store    Store
	ledger   *Ledger
	notifier Notifier
	logger   *slog.Logger
	currency string
	now      func() time.Time
}

func NewEngine(logger *slog.Logger, store Store, ledger *Ledger, notifier Notifier, currency string) *Engine {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	return &Engine{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "transfer")),
		currency: currency,
		now:      time.Now,
	}
}

type TransferRequest struct {
	ReceiverAccountNumber string
	ReceiverAccountTitle  string
	Amount                int64
	Description           string
}

// Transfer moves req.Amount from the actor's account to the receiver.
//
// Checks run in order: amount, receiver, sender funds, receiver balance record.
// The debit, the credit and the completed record commit together or not at all.
// Every rejection is followed by a failure notification to the sender.
func (e *Engine) Transfer(ctx context.Context, actor models.ActorIdentity, req TransferRequest) (*models.Transaction, error) {
	var sender, receiver *models.Account
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		sender, err = tx.Accounts().Get(ctx, actor.AccountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*models.Transaction, error) {
		e.notifier.Notify(ctx, transferFailedMessage(sender, req.ReceiverAccountNumber, req.Amount, e.currency, err, e.now()))
		return nil, err
	}

	if req.Amount <= 0 {
		return fail(models.ErrInvalidAmount)
	}

	err = e.store.View(ctx, func(tx Tx) error {
		var err error
		receiver, err = tx.Accounts().GetByNumber(ctx, req.ReceiverAccountNumber)
		return err
	})
	if errors.Is(err, models.ErrAccountNotFound) || (err == nil && receiver.AccountTitle != req.ReceiverAccountTitle) {
		return fail(models.ErrReceiverNotFound)
	}
	if err != nil {
		return fail(err)
	}
	if receiver.ID == sender.ID {
		return fail(models.ErrSameAccount)
	}

	var record *models.Transaction
	err = e.ledger.Atomically(ctx, []string{sender.ID, receiver.ID}, func(tx Tx) error {
		from, err := tx.Balances().Get(ctx, sender.ID)
		if err != nil {
			return err
		}
		if from.Amount < req.Amount {
			return models.ErrInsufficientFunds
		}
		if from.Frozen {
			return models.ErrFrozenAccount
		}
		to, err := tx.Balances().Get(ctx, receiver.ID)
		if errors.Is(err, models.ErrBalanceNotFound) {
			e.logger.Error("receiver has no balance record",
				slog.String("account_id", receiver.ID),
				slog.String("account_number", receiver.AccountNumber),
			)
			return models.ErrReceiverBalanceMissing
		}
		if err != nil {
			return err
		}
		if to.Frozen {
			return models.ErrFrozenAccount
		}

		if err := e.ledger.post(ctx, tx, from, -req.Amount, false); err != nil {
			return err
		}
		if err := e.ledger.post(ctx, tx, to, req.Amount, false); err != nil {
			return err
		}

		description := req.Description
		if description == "" {
			description = "Money transferred to " + receiver.AccountNumber
		}
		record, err = e.newRecord(models.TransactionTypeTransfer, sender, receiver, actor.UserID, req.Amount, description)
		if err != nil {
			return err
		}
		return tx.Transactions().Create(ctx, record)
	})
	if err != nil {
		return fail(err)
	}

	e.logger.Info("transfer completed",
		slog.String("tx_id", record.ID),
		slog.String("sender_id", sender.ID),
		slog.String("receiver_id", receiver.ID),
		slog.Int64("amount", record.Amount),
	)
	e.notifier.Notify(ctx, transferSentMessage(sender, receiver, record))
	e.notifier.Notify(ctx, transferReceivedMessage(sender, receiver, record))
	return record, nil
}

type WithdrawalRequest struct {
	InitiatorID string
	CardNumber  string
	PIN         string
	Amount      int64
	// ExpiryYYMM, when set, must equal the card's expiry.
	ExpiryYYMM string
	// Channel names where the cash went out, e.g. "ATM" or the terminal id.
	Channel string
}

// Withdraw debits the card's account and records a self-referencing withdrawal.
//
// Checks run in order: amount, card, PIN, status, daily limit, contactless,
// expiry, funds, frozen. The limit is the sum of today's completed withdrawals
// on the card plus this one.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawalRequest) (*models.Transaction, error) {
	if req.Amount <= 0 {
		return nil, models.ErrInvalidAmount
	}

	var card *models.Card
	var account *models.Account
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		if card, err = tx.Cards().GetByNumber(ctx, req.CardNumber); err != nil {
			return err
		}
		account, err = tx.Accounts().Get(ctx, card.AccountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if req.ExpiryYYMM != "" && req.ExpiryYYMM != card.ExpirationDate {
		return nil, models.ErrCardNotFound
	}
	if !card.HasPIN() || bcrypt.CompareHashAndPassword([]byte(card.PINHash), []byte(req.PIN)) != nil {
		return nil, models.ErrIncorrectPIN
	}

	fail := func(err error) (*models.Transaction, error) {
		e.notifier.Notify(ctx, withdrawFailedMessage(account, req.Amount, e.currency, err, e.now()))
		return nil, err
	}

	var record *models.Transaction
	var remaining int64
	err = e.ledger.Atomically(ctx, []string{card.AccountID}, func(tx Tx) error {
		current, err := tx.Cards().GetByNumber(ctx, req.CardNumber)
		if err != nil {
			return err
		}
		if current.Status != models.CardStatusActive {
			return models.ErrCardInactive
		}

		now := e.now()
		spent, err := tx.Transactions().SumWithdrawals(ctx, current.ID, expiry.StartOfDay(now))
		if err != nil {
			return err
		}
		if req.Amount > current.DailyLimit-spent {
			return models.ErrDailyLimitExceeded
		}
		if !current.Contactless {
			return models.ErrContactlessDisabled
		}
		if expired, err := expiry.IsExpired(current.ExpirationDate, now, nil); err != nil || expired {
			return models.ErrCardExpired
		}

		b, err := tx.Balances().Get(ctx, current.AccountID)
		if err != nil {
			return err
		}
		if err := e.ledger.post(ctx, tx, b, -req.Amount, false); err != nil {
			return err
		}
		remaining = b.Amount

		channel := req.Channel
		if channel == "" {
			channel = "ATM"
		}
		description := fmt.Sprintf("%s withdrawal via card %s", channel, cardgen.MaskPAN(req.CardNumber))
		record, err = e.newRecord(models.TransactionTypeWithdrawal, account, account, req.InitiatorID, req.Amount, description)
		if err != nil {
			return err
		}
		record.CardID = current.ID
		return tx.Transactions().Create(ctx, record)
	})
	if err != nil {
		return fail(err)
	}

	e.logger.Info("withdrawal completed",
		slog.String("tx_id", record.ID),
		slog.String("card_id", record.CardID),
		slog.Int64("amount", record.Amount),
	)
	e.notifier.Notify(ctx, withdrawSucceededMessage(account, record, remaining))
	return record, nil
}

// Deposit credits an account by number. Only administrators may deposit.
func (e *Engine) Deposit(ctx context.Context, actor models.ActorIdentity, accountNumber string, amount int64) (*models.Transaction, int64, error) {
	if !actor.IsAdmin() {
		return nil, 0, models.ErrForbidden
	}
	if amount <= 0 {
		return nil, 0, models.ErrInvalidAmount
	}

	var account *models.Account
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		account, err = tx.Accounts().GetByNumber(ctx, strings.TrimSpace(accountNumber))
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	var record *models.Transaction
	var balance int64
	err = e.ledger.Atomically(ctx, []string{account.ID}, func(tx Tx) error {
		b, err := tx.Balances().Get(ctx, account.ID)
		if err != nil {
			return err
		}
		if err := e.ledger.post(ctx, tx, b, amount, true); err != nil {
			return err
		}
		balance = b.Amount
		record, err = e.newRecord(models.TransactionTypeDeposit, account, account, actor.UserID, amount, "Deposit by administrator")
		if err != nil {
			return err
		}
		return tx.Transactions().Create(ctx, record)
	})
	if err != nil {
		return nil, 0, err
	}

	e.logger.Info("deposit completed", slog.String("tx_id", record.ID), slog.String("account_id", account.ID))
	e.notifier.Notify(ctx, depositMessage(account, record, balance))
	return record, balance, nil
}

// History streams the records the actor initiated or in which the actor's
// account is a party, in insertion order. A non-empty counterpartyID keeps only
// records whose other party is that account.
func (e *Engine) History(ctx context.Context, actor models.ActorIdentity, counterpartyID string) (TransactionIterator, error) {
	return e.store.History(ctx, HistoryFilter{
		InitiatorID:    actor.UserID,
		AccountID:      actor.AccountID,
		CounterpartyID: counterpartyID,
	})
}

func (e *Engine) newRecord(typ models.TransactionType, sender, receiver *models.Account, initiatorID string, amount int64, description string) (*models.Transaction, error) {
	now := e.now()
	id, err := newTransactionID(now)
	if err != nil {
		return nil, err
	}
	return &models.Transaction{
		ID:                    id,
		Type:                  typ,
		Status:                models.TransactionStatusCompleted,
		SenderID:              sender.ID,
		ReceiverID:            receiver.ID,
		SenderAccountNumber:   sender.AccountNumber,
		ReceiverAccountNumber: receiver.AccountNumber,
		InitiatorID:           initiatorID,
		Amount:                amount,
		Currency:              e.currency,
		Description:           description,
		CreatedAt:             now,
	}, nil
}

// newTransactionID returns "TXN-<unix ms>-<8 random digits>".
func newTransactionID(now time.Time) (string, error) {
	suffix, err := cardgen.RandomDigits(8)
	if err != nil {
		return "", fmt.Errorf("generating transaction id: %w", err)
	}
	return fmt.Sprintf("TXN-%d-%s", now.UnixMilli(), suffix), nil
}
