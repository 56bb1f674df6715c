package models

import "time"

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusReversed  TransactionStatus = "reversed"
)

type TransactionType string

const (
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeDeposit    TransactionType = "deposit"
)

// Transaction is an immutable audit entry. Seq orders records by insertion.
type Transaction struct {
	ID                    string            `json:"id"`
	Seq                   int64             `json:"-"`
	Type                  TransactionType   `json:"type"`
	Status                TransactionStatus `json:"status"`
	SenderID              string            `json:"sender_id"`
	ReceiverID            string            `json:"receiver_id"`
	SenderAccountNumber   string            `json:"sender_account_number"`
	ReceiverAccountNumber string            `json:"receiver_account_number"`
	InitiatorID           string            `json:"initiator_id"`
	CardID                string            `json:"card_id,omitempty"`
	Amount                int64             `json:"amount"`
	Currency              string            `json:"currency"`
	Description           string            `json:"description"`
	CreatedAt             time.Time         `json:"created_at"`
}

// Involves reports whether accountID is the sender or the receiver.
func (t *Transaction) Involves(accountID string) bool {
	return t.SenderID == accountID || t.ReceiverID == accountID
}

// Counterparty returns the party other than accountID.
func (t *Transaction) Counterparty(accountID string) string {
	if t.SenderID == accountID {
		return t.ReceiverID
	}
	return t.SenderID
}
