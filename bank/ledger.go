package bank

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/keylock"
	"golang.org/x/exp/slog"
)

func balanceKey(accountID string) string {
	return "balance:" + accountID
}

// Ledger is the only component that creates or changes balance records.
type Ledger struct {
	store    Store
	locks    *keylock.Locker
	logger   *slog.Logger
	currency string
	now      func() time.Time
}

func NewLedger(logger *slog.Logger, store Store, locks *keylock.Locker, currency string) *Ledger {
	return &Ledger{
		store:    store,
		locks:    locks,
		logger:   logger.With(slog.String("component", "ledger")),
		currency: currency,
		now:      time.Now,
	}
}

// Atomically runs fn in one unit of work that holds the balances of accountIDs.
// The in-process key locks and the row locks are both taken in ascending account
// id order, so overlapping callers cannot deadlock.
func (l *Ledger) Atomically(ctx context.Context, accountIDs []string, fn func(tx Tx) error) error {
	ids := sortedUnique(accountIDs)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = balanceKey(id)
	}
	unlock := l.locks.Lock(keys...)
	defer unlock()

	return l.store.InTx(ctx, func(tx Tx) error {
		if err := tx.Balances().LockAll(ctx, ids); err != nil {
			return err
		}
		return fn(tx)
	})
}

// Open creates the zero balance of a new account inside the caller's unit of work.
func (l *Ledger) Open(ctx context.Context, tx Tx, account *models.Account) error {
	return tx.Balances().Create(ctx, &models.Balance{
		AccountID:     account.ID,
		AccountNumber: account.AccountNumber,
		Currency:      l.currency,
		UpdatedAt:     l.now(),
	})
}

func (l *Ledger) GetBalance(ctx context.Context, accountID string) (*models.Balance, error) {
	var balance *models.Balance
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		balance, err = tx.Balances().Get(ctx, accountID)
		return err
	})
	return balance, err
}

// Adjust changes the balance by delta and returns the new amount.
func (l *Ledger) Adjust(ctx context.Context, accountID string, delta int64) (int64, error) {
	return l.adjust(ctx, accountID, delta, false)
}

// AdjustAdmin is Adjust for administrative corrections: it ignores the frozen flag.
func (l *Ledger) AdjustAdmin(ctx context.Context, accountID string, delta int64) (int64, error) {
	return l.adjust(ctx, accountID, delta, true)
}

func (l *Ledger) adjust(ctx context.Context, accountID string, delta int64, admin bool) (int64, error) {
	var amount int64
	err := l.Atomically(ctx, []string{accountID}, func(tx Tx) error {
		b, err := tx.Balances().Get(ctx, accountID)
		if err != nil {
			return err
		}
		if err := l.post(ctx, tx, b, delta, admin); err != nil {
			return err
		}
		amount = b.Amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

func (l *Ledger) SetFrozen(ctx context.Context, accountID string, frozen bool) (*models.Balance, error) {
	var balance *models.Balance
	err := l.Atomically(ctx, []string{accountID}, func(tx Tx) error {
		b, err := tx.Balances().Get(ctx, accountID)
		if err != nil {
			return err
		}
		b.Frozen = frozen
		b.UpdatedAt = l.now()
		if err := tx.Balances().Update(ctx, b); err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("balance freeze changed", slog.String("account_id", accountID), slog.Bool("frozen", frozen))
	return balance, nil
}

// post applies delta to b and writes it. It must run inside Atomically with b
// read in the same unit of work.
func (l *Ledger) post(ctx context.Context, tx Tx, b *models.Balance, delta int64, admin bool) error {
	if err := checkDelta(b, delta, admin); err != nil {
		return err
	}
	b.Amount += delta
	b.UpdatedAt = l.now()
	return tx.Balances().Update(ctx, b)
}

func checkDelta(b *models.Balance, delta int64, admin bool) error {
	switch {
	case delta < 0:
		if delta == math.MinInt64 || -delta > b.Amount {
			return models.ErrInsufficientFunds
		}
		if b.Frozen && !admin {
			return models.ErrFrozenAccount
		}
	case delta > math.MaxInt64-b.Amount:
		return models.ErrInvalidAmount
	}
	return nil
}

func sortedUnique(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
