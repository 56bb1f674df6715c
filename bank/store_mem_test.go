package bank

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/stretchr/testify/require"
)

func TestMemStore_RollbackOnError(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx Tx) error {
		if err := tx.Accounts().Create(ctx, &models.Account{ID: "a1", Email: "a@example.com", Phone: "1", AccountNumber: "11"}); err != nil {
			return err
		}
		// staged writes are visible inside the unit of work
		if _, err := tx.Accounts().Get(ctx, "a1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.View(ctx, func(tx Tx) error {
		_, err := tx.Accounts().Get(ctx, "a1")
		return err
	})
	require.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestMemStore_CanceledContextDoesNotCommit(t *testing.T) {
	store := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := store.InTx(ctx, func(tx Tx) error {
		cancel()
		return tx.Balances().Create(ctx, &models.Balance{AccountID: "a1"})
	})
	require.ErrorIs(t, err, context.Canceled)

	err = store.View(context.Background(), func(tx Tx) error {
		_, err := tx.Balances().Get(context.Background(), "a1")
		return err
	})
	require.ErrorIs(t, err, models.ErrBalanceNotFound)
}

func TestMemStore_Uniqueness(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	create := func(a *models.Account) error {
		return store.InTx(ctx, func(tx Tx) error {
			return tx.Accounts().Create(ctx, a)
		})
	}
	require.NoError(t, create(&models.Account{ID: "a1", Email: "a@example.com", Phone: "1", AccountNumber: "11"}))
	require.ErrorIs(t, create(&models.Account{ID: "a2", Email: "a@example.com", Phone: "2", AccountNumber: "22"}), models.ErrEmailTaken)
	require.ErrorIs(t, create(&models.Account{ID: "a2", Email: "b@example.com", Phone: "1", AccountNumber: "22"}), models.ErrPhoneTaken)
	require.ErrorIs(t, create(&models.Account{ID: "a2", Email: "b@example.com", Phone: "2", AccountNumber: "11"}), models.ErrAccountNumberTaken)

	t.Run("racing units of work conflict at commit", func(t *testing.T) {
		first := store.begin()
		second := store.begin()
		require.NoError(t, first.Accounts().Create(ctx, &models.Account{ID: "c1", Email: "c@example.com", Phone: "3", AccountNumber: "33"}))
		require.NoError(t, second.Accounts().Create(ctx, &models.Account{ID: "c2", Email: "c@example.com", Phone: "4", AccountNumber: "44"}))

		require.NoError(t, store.commit(first))
		require.ErrorIs(t, store.commit(second), models.ErrEmailTaken)
	})

	t.Run("cards", func(t *testing.T) {
		card := &models.Card{ID: "k1", AccountID: "a1", Number: "4000000000000002", CVV: "123"}
		require.NoError(t, store.InTx(ctx, func(tx Tx) error { return tx.Cards().Create(ctx, card) }))

		err := store.InTx(ctx, func(tx Tx) error {
			return tx.Cards().Create(ctx, &models.Card{ID: "k2", Number: "4000000000000002"})
		})
		require.ErrorIs(t, err, models.ErrCardNumberTaken)

		err = store.View(ctx, func(tx Tx) error {
			stored, err := tx.Cards().GetByNumber(ctx, "4000 0000 0000 0002")
			if err != nil {
				return err
			}
			require.Empty(t, stored.CVV)
			exists, err := tx.Cards().ExistsNumber(ctx, "4000000000000010")
			require.False(t, exists)
			return err
		})
		require.NoError(t, err)
	})
}

func TestMemStore_ReadsAreCopies(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		return tx.Balances().Create(ctx, &models.Balance{AccountID: "a1", Amount: 10})
	}))

	require.NoError(t, store.View(ctx, func(tx Tx) error {
		b, err := tx.Balances().Get(ctx, "a1")
		if err != nil {
			return err
		}
		b.Amount = 1_000_000
		return nil
	}))

	require.NoError(t, store.View(ctx, func(tx Tx) error {
		b, err := tx.Balances().Get(ctx, "a1")
		require.Equal(t, int64(10), b.Amount)
		return err
	}))
}

func TestMemStore_History(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	records := []*models.Transaction{
		{ID: "t1", SenderID: "a", ReceiverID: "b", InitiatorID: "ua", Amount: 1},
		{ID: "t2", SenderID: "b", ReceiverID: "c", InitiatorID: "ub", Amount: 2},
		{ID: "t3", SenderID: "c", ReceiverID: "a", InitiatorID: "uc", Amount: 3},
	}
	for _, r := range records {
		r := r
		require.NoError(t, store.InTx(ctx, func(tx Tx) error { return tx.Transactions().Create(ctx, r) }))
	}

	collect := func(f HistoryFilter) []string {
		it, err := store.History(ctx, f)
		require.NoError(t, err)
		list, err := Collect(it)
		require.NoError(t, err)
		ids := make([]string, 0, len(list))
		for _, r := range list {
			ids = append(ids, r.ID)
		}
		return ids
	}

	require.Equal(t, []string{"t1", "t3"}, collect(HistoryFilter{InitiatorID: "ua", AccountID: "a"}))
	require.Equal(t, []string{"t3"}, collect(HistoryFilter{InitiatorID: "ua", AccountID: "a", CounterpartyID: "c"}))
	require.Equal(t, []string{"t2"}, collect(HistoryFilter{InitiatorID: "ub"}))
	require.Empty(t, collect(HistoryFilter{AccountID: "z"}))

	// records committed after the iterator was opened are not seen
	it, err := store.History(ctx, HistoryFilter{AccountID: "a"})
	require.NoError(t, err)
	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		return tx.Transactions().Create(ctx, &models.Transaction{ID: "t4", SenderID: "a", ReceiverID: "b"})
	}))
	list, err := Collect(it)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestMemStore_SumWithdrawals(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	records := []*models.Transaction{
		{ID: "w1", CardID: "k1", Type: models.TransactionTypeWithdrawal, Status: models.TransactionStatusCompleted, Amount: 10, CreatedAt: now},
		{ID: "w2", CardID: "k1", Type: models.TransactionTypeWithdrawal, Status: models.TransactionStatusFailed, Amount: 20, CreatedAt: now},
		{ID: "w3", CardID: "k1", Type: models.TransactionTypeWithdrawal, Status: models.TransactionStatusCompleted, Amount: 40, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "w4", CardID: "k2", Type: models.TransactionTypeWithdrawal, Status: models.TransactionStatusCompleted, Amount: 80, CreatedAt: now},
	}
	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		for _, r := range records {
			if err := tx.Transactions().Create(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.Transactions().Create(ctx, &models.Transaction{
			ID: "w5", CardID: "k1", Type: models.TransactionTypeWithdrawal, Status: models.TransactionStatusCompleted, Amount: 5, CreatedAt: now,
		}))
		sum, err := tx.Transactions().SumWithdrawals(ctx, "k1", now.Add(-time.Hour))
		require.Equal(t, int64(15), sum)
		return err
	}))
}
