package bank

import (
	"context"
	"time"

	"github.com/cyberbank/corebank/bank/models"
)

// Store opens units of work over the bank's repositories.
//
// InTx commits every write made through tx together, or none of them when fn
// returns an error. Single-row reads inside InTx lock the row until the unit of
// work ends (SELECT ... FOR UPDATE on Postgres). View never writes and never locks.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	// History streams matching transaction records in insertion order.
	History(ctx context.Context, filter HistoryFilter) (TransactionIterator, error)
	// PurgeExpiredOTPs clears codes that expired before now and returns how many were cleared.
	PurgeExpiredOTPs(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}

type Tx interface {
	Accounts() AccountRepository
	Balances() BalanceRepository
	Cards() CardRepository
	Transactions() TransactionRepository
	Users() UserRepository
}

type AccountRepository interface {
	// Create fails with ErrEmailTaken, ErrPhoneTaken or ErrAccountNumberTaken.
	Create(ctx context.Context, account *models.Account) error
	Get(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByPhone(ctx context.Context, phone string) (*models.Account, error)
	GetByNumber(ctx context.Context, number string) (*models.Account, error)
	Update(ctx context.Context, account *models.Account) error
}

type BalanceRepository interface {
	Create(ctx context.Context, balance *models.Balance) error
	Get(ctx context.Context, accountID string) (*models.Balance, error)
	// LockAll locks the balance rows of accountIDs in ascending id order.
	LockAll(ctx context.Context, accountIDs []string) error
	Update(ctx context.Context, balance *models.Balance) error
}

type CardRepository interface {
	// Create fails with ErrCardNumberTaken.
	Create(ctx context.Context, card *models.Card) error
	GetByNumber(ctx context.Context, pan string) (*models.Card, error)
	ExistsNumber(ctx context.Context, pan string) (bool, error)
	ListByAccount(ctx context.Context, accountID string) ([]*models.Card, error)
	// Update persists PIN hash, status, contactless flag, daily limit and OTP state.
	Update(ctx context.Context, card *models.Card) error
}

type TransactionRepository interface {
	Create(ctx context.Context, t *models.Transaction) error
	// SumWithdrawals totals completed withdrawals made with cardID since the given time.
	SumWithdrawals(ctx context.Context, cardID string, since time.Time) (int64, error)
}

type UserRepository interface {
	// Create fails with ErrUserExists.
	Create(ctx context.Context, user *models.User) error
	Get(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
}

// HistoryFilter selects records the actor initiated or in which AccountID is a
// party. A non-empty CounterpartyID keeps only records whose other party it is.
type HistoryFilter struct {
	InitiatorID    string
	AccountID      string
	CounterpartyID string
}

func (f HistoryFilter) Match(t *models.Transaction) bool {
	involved := f.AccountID != "" && t.Involves(f.AccountID)
	if !involved && (f.InitiatorID == "" || t.InitiatorID != f.InitiatorID) {
		return false
	}
	if f.CounterpartyID == "" {
		return true
	}
	return involved && t.Counterparty(f.AccountID) == f.CounterpartyID
}

// TransactionIterator is a forward-only cursor. Close must be called when done.
type TransactionIterator interface {
	Next() bool
	Transaction() *models.Transaction
	Err() error
	Close() error
}

// Collect drains it into a slice and closes it.
func Collect(it TransactionIterator) ([]*models.Transaction, error) {
	defer it.Close()
	out := make([]*models.Transaction, 0)
	for it.Next() {
		out = append(out, it.Transaction())
	}
	return out, it.Err()
}
