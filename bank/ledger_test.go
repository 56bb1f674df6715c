package bank

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/stretchr/testify/require"
)

func TestLedger_Adjust(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "1000000000001", "HBL", 500)

	amount, err := env.ledger.Adjust(ctx, account.ID, 250)
	require.NoError(t, err)
	require.Equal(t, int64(750), amount)

	amount, err = env.ledger.Adjust(ctx, account.ID, -750)
	require.NoError(t, err)
	require.Zero(t, amount)

	_, err = env.ledger.Adjust(ctx, account.ID, -1)
	require.ErrorIs(t, err, models.ErrInsufficientFunds)
	require.Zero(t, env.balance(t, account.ID))
}

func TestLedger_AdjustRejectsOverflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "1000000000002", "HBL", 10)

	_, err := env.ledger.Adjust(ctx, account.ID, math.MaxInt64)
	require.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = env.ledger.Adjust(ctx, account.ID, math.MinInt64)
	require.ErrorIs(t, err, models.ErrInsufficientFunds)
	require.Equal(t, int64(10), env.balance(t, account.ID))
}

func TestLedger_Frozen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "1000000000003", "HBL", 1000)

	b, err := env.ledger.SetFrozen(ctx, account.ID, true)
	require.NoError(t, err)
	require.True(t, b.Frozen)

	t.Run("debit is rejected", func(t *testing.T) {
		_, err := env.ledger.Adjust(ctx, account.ID, -100)
		require.ErrorIs(t, err, models.ErrFrozenAccount)
	})

	t.Run("overdraw reports insufficient funds first", func(t *testing.T) {
		_, err := env.ledger.Adjust(ctx, account.ID, -5000)
		require.ErrorIs(t, err, models.ErrInsufficientFunds)
	})

	t.Run("admin adjustment ignores the flag", func(t *testing.T) {
		amount, err := env.ledger.AdjustAdmin(ctx, account.ID, -100)
		require.NoError(t, err)
		require.Equal(t, int64(900), amount)
	})

	_, err = env.ledger.SetFrozen(ctx, account.ID, false)
	require.NoError(t, err)
	_, err = env.ledger.Adjust(ctx, account.ID, -100)
	require.NoError(t, err)
}

func TestLedger_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.GetBalance(ctx, "missing")
	require.ErrorIs(t, err, models.ErrBalanceNotFound)

	_, err = env.ledger.Adjust(ctx, "missing", 1)
	require.ErrorIs(t, err, models.ErrBalanceNotFound)

	_, err = env.ledger.SetFrozen(ctx, "missing", true)
	require.ErrorIs(t, err, models.ErrBalanceNotFound)
}

func TestLedger_OpenTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "1000000000004", "HBL", 0)

	err := env.store.InTx(ctx, func(tx Tx) error {
		return env.ledger.Open(ctx, tx, account)
	})
	require.ErrorIs(t, err, models.ErrBalanceExists)
}

func TestLedger_ConcurrentAdjustments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "1000000000005", "HBL", 100)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Adjust(ctx, account.ID, 3)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := env.ledger.Adjust(ctx, account.ID, -2)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(100+n), env.balance(t, account.ID))
}

func TestSortedUnique(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, sortedUnique([]string{"c", "a", "b", "a"}))
	require.Empty(t, sortedUnique(nil))
}
