package bank

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/money"
	"github.com/cyberbank/corebank/internal/notify"
)

// Notifier accepts messages for best-effort delivery. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, notify.Message) {}

const timeLayout = "2006-01-02 15:04:05 MST"

func amountText(currency string, minor int64) string {
	return currency + " " + money.Format(minor)
}

func otpMessage(to, subject string, code string, ttl time.Duration) notify.Message {
	return notify.Message{
		Event:   notify.EventOTPIssued,
		To:      to,
		Subject: subject,
		Body:    fmt.Sprintf("Your verification code is %s. It will expire in %d minutes.", code, int(ttl.Minutes())),
	}
}

func transferFailedMessage(sender *models.Account, receiverNumber string, amount int64, currency string, reason error, at time.Time) notify.Message {
	return notify.Message{
		Event:   notify.EventTransferFailed,
		To:      sender.Email,
		Subject: "Transaction Failed",
		Body: fmt.Sprintf("Dear %s, your transaction to %s failed.\nReason: %s\nAmount: %s\nTime: %s",
			sender.Name, receiverNumber, reason, amountText(currency, amount), at.Format(timeLayout)),
	}
}

func transferSentMessage(sender, receiver *models.Account, t *models.Transaction) notify.Message {
	return notify.Message{
		Event:   notify.EventTransferSucceeded,
		To:      sender.Email,
		Subject: "Money Sent Successfully",
		Body:    transferBody(sender, receiver, t),
	}
}

func transferReceivedMessage(sender, receiver *models.Account, t *models.Transaction) notify.Message {
	return notify.Message{
		Event:   notify.EventTransferReceived,
		To:      receiver.Email,
		Subject: "Money Received",
		Body:    transferBody(sender, receiver, t),
	}
}

func transferBody(sender, receiver *models.Account, t *models.Transaction) string {
	return fmt.Sprintf("Transaction ID: %s\nFrom: %s (%s)\nTo: %s (%s)\nAmount: %s\nStatus: COMPLETED\nTime: %s",
		t.ID, sender.Name, sender.AccountNumber, receiver.Name, receiver.AccountNumber,
		amountText(t.Currency, t.Amount), t.CreatedAt.Format(timeLayout))
}

func withdrawFailedMessage(account *models.Account, amount int64, currency string, reason error, at time.Time) notify.Message {
	return notify.Message{
		Event:   notify.EventWithdrawFailed,
		To:      account.Email,
		Subject: "Withdrawal Failed",
		Body: fmt.Sprintf("Dear %s, your withdrawal of %s failed.\nReason: %s\nTime: %s",
			account.Name, amountText(currency, amount), reason, at.Format(timeLayout)),
	}
}

func withdrawSucceededMessage(account *models.Account, t *models.Transaction, remaining int64) notify.Message {
	return notify.Message{
		Event:   notify.EventWithdrawSucceeded,
		To:      account.Email,
		Subject: "Withdrawal Successful",
		Body: fmt.Sprintf("Transaction ID: %s\nAmount: %s\nRemaining Balance: %s\nTime: %s",
			t.ID, amountText(t.Currency, t.Amount), amountText(t.Currency, remaining), t.CreatedAt.Format(timeLayout)),
	}
}

func depositMessage(account *models.Account, t *models.Transaction, balance int64) notify.Message {
	return notify.Message{
		Event:   notify.EventDepositReceived,
		To:      account.Email,
		Subject: "Account Credited",
		Body: fmt.Sprintf("Dear %s, your account %s was credited with %s.\nNew Balance: %s\nTransaction ID: %s",
			account.Name, account.AccountNumber, amountText(t.Currency, t.Amount), amountText(t.Currency, balance), t.ID),
	}
}

func accountActivatedMessage(account *models.Account) notify.Message {
	return notify.Message{
		Event:   notify.EventAccountActivated,
		To:      account.Email,
		Subject: "Account Verified",
		Body: fmt.Sprintf("Dear %s, your account %s (%s) is now active.",
			account.Name, account.AccountNumber, account.AccountTitle),
	}
}

func cardIssuedMessage(account *models.Account, card *models.Card) notify.Message {
	return notify.Message{
		Event:   notify.EventCardIssued,
		To:      account.Email,
		Subject: "Card Created Successfully",
		Body:    fmt.Sprintf("Your card %s has been created successfully.", cardgen.MaskPAN(card.Number)),
	}
}

func cardPINSetMessage(account *models.Account, card *models.Card) notify.Message {
	return notify.Message{
		Event:   notify.EventCardPINSet,
		To:      account.Email,
		Subject: "PIN Set Successfully",
		Body:    fmt.Sprintf("The PIN of card %s has been set. You can now use this card for transactions.", cardgen.MaskPAN(card.Number)),
	}
}

func cardUpdatedMessage(account *models.Account, card *models.Card, pinChanged bool) notify.Message {
	body := fmt.Sprintf("Card %s is now %s.", cardgen.MaskPAN(card.Number), card.Status)
	if pinChanged {
		body += " Its PIN has been changed."
	}
	return notify.Message{
		Event:   notify.EventCardUpdated,
		To:      account.Email,
		Subject: "Card Updated",
		Body:    body,
	}
}

func emailVerifiedMessage(user *models.User) notify.Message {
	return notify.Message{
		Event:   notify.EventUserEmailConfirmed,
		To:      user.Email,
		Subject: "Email Verified",
		Body:    fmt.Sprintf("Hi %s, your email has been verified. You can now log in.", user.Username),
	}
}

func passwordChangedMessage(user *models.User) notify.Message {
	return notify.Message{
		Event:   notify.EventPasswordChanged,
		To:      user.Email,
		Subject: "Password Changed",
		Body:    fmt.Sprintf("Hi %s, your password has been reset.", user.Username),
	}
}
