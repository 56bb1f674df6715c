package bank

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/auth"
	"github.com/cyberbank/corebank/internal/keylock"
	"github.com/cyberbank/corebank/internal/notify"
	"github.com/cyberbank/corebank/internal/otp"
	"github.com/cyberbank/corebank/internal/security"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

// recordingNotifier keeps every message for assertions.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) events(to string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, m := range n.messages {
		if m.To == to {
			out = append(out, m.Event)
		}
	}
	return out
}

func (n *recordingNotifier) last(to string) notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.messages) - 1; i >= 0; i-- {
		if n.messages[i].To == to {
			return n.messages[i]
		}
	}
	return notify.Message{}
}

type fakeLimiter struct {
	allowed bool
	err     error
}

func (l fakeLimiter) Allow(ctx context.Context, scope, subject string) (bool, time.Duration, error) {
	return l.allowed, time.Minute, l.err
}

type testEnv struct {
	store    *MemStore
	locks    *keylock.Locker
	notes    *recordingNotifier
	config   *Config
	ledger   *Ledger
	engine   *Engine
	accounts *Accounts
	users    *Users
	cards    *CardAuthority
	tokens   *auth.Tokens
}

type envSettings struct {
	deps Deps
	otp  []otp.Option
}

type envOption func(s *envSettings)

func withOTPCode(code string) envOption {
	return func(s *envSettings) {
		s.otp = append(s.otp, otp.WithGenerator(func() (string, error) { return code, nil }))
	}
}

func withOTPClock(now func() time.Time) envOption {
	return func(s *envSettings) {
		s.otp = append(s.otp, otp.WithClock(now))
	}
}

func withLimiter(l RateLimiter) envOption {
	return func(s *envSettings) {
		s.deps.Limiter = l
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	config := DefaultConfig()
	config.BcryptCost = bcrypt.MinCost
	config.AccountTitles = []string{"HBL"}

	logger := slog.Default()
	env := &testEnv{
		store:  NewMemStore(),
		locks:  keylock.New(),
		notes:  &recordingNotifier{},
		config: config,
	}
	settings := &envSettings{deps: Deps{
		Logger:   logger,
		Store:    env.store,
		Locks:    env.locks,
		Notifier: env.notes,
		Config:   config,
	}}
	for _, opt := range opts {
		opt(settings)
	}
	deps := settings.deps
	deps.OTP = otp.NewIssuer(settings.otp...)

	cvv, err := security.NewHMACProvider([]byte("test-cvk"))
	require.NoError(t, err)
	env.tokens, err = auth.NewTokens([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	env.ledger = NewLedger(logger, env.store, env.locks, config.Currency)
	env.engine = NewEngine(logger, env.store, env.ledger, env.notes, config.Currency)
	env.accounts = NewAccounts(deps, env.ledger)
	env.users = NewUsers(deps, env.tokens)
	env.cards = NewCardAuthority(deps, cvv)
	return env
}

// createAccount stores a verified account with the given number and title and
// funds it with balance minor units.
func (env *testEnv) createAccount(t *testing.T, number, title string, balance int64) *models.Account {
	t.Helper()

	account := &models.Account{
		ID:            uuid.New().String(),
		Name:          "Holder " + number,
		Email:         "holder" + number + "@example.com",
		Phone:         "+92" + number,
		AccountNumber: number,
		AccountTitle:  title,
		Verified:      true,
		Role:          models.RoleCustomer,
		CreatedAt:     time.Now(),
	}
	ctx := context.Background()
	require.NoError(t, env.store.InTx(ctx, func(tx Tx) error {
		if err := tx.Accounts().Create(ctx, account); err != nil {
			return err
		}
		return env.ledger.Open(ctx, tx, account)
	}))
	if balance > 0 {
		_, err := env.ledger.AdjustAdmin(ctx, account.ID, balance)
		require.NoError(t, err)
	}
	return account
}

func (env *testEnv) balance(t *testing.T, accountID string) int64 {
	t.Helper()

	b, err := env.ledger.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b.Amount
}

// issueCardWithPIN issues a card on account and sets pin.
func (env *testEnv) issueCardWithPIN(t *testing.T, accountID, pin string) *models.Card {
	t.Helper()

	ctx := context.Background()
	card, err := env.cards.Issue(ctx, accountID)
	require.NoError(t, err)
	require.NoError(t, env.cards.SetPIN(ctx, card.Number, pin))
	return card
}

func actorOf(a *models.Account) models.ActorIdentity {
	return models.ActorIdentity{
		UserID:        "user-" + a.ID,
		AccountID:     a.ID,
		AccountNumber: a.AccountNumber,
		AccountTitle:  a.AccountTitle,
		Role:          a.Role,
	}
}

// createAdmin stores a verified admin account and returns its holder's identity.
func (env *testEnv) createAdmin(t *testing.T) models.ActorIdentity {
	t.Helper()

	account := env.createAccount(t, "9000000000001", "HBL", 0)
	account.Role = models.RoleAdmin
	ctx := context.Background()
	require.NoError(t, env.store.InTx(ctx, func(tx Tx) error {
		return tx.Accounts().Update(ctx, account)
	}))
	return actorOf(account)
}

// otpFrom extracts the code from an otp notification body.
func otpFrom(t *testing.T, msg notify.Message) string {
	t.Helper()

	require.Equal(t, notify.EventOTPIssued, msg.Event)
	const marker = "code is "
	i := strings.Index(msg.Body, marker)
	require.GreaterOrEqual(t, i, 0, msg.Body)
	return msg.Body[i+len(marker) : i+len(marker)+6]
}
