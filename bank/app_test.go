package bank_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyberbank/corebank/bank"
	"github.com/cyberbank/corebank/bank/atm"
	"github.com/cyberbank/corebank/internal/bankclient"
	"github.com/cyberbank/corebank/internal/expiry"
	"github.com/cyberbank/corebank/internal/notify"
	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/moov-io/iso8583/field"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// inbox captures delivered notifications.
type inbox struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (i *inbox) Send(ctx context.Context, msg notify.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
	return nil
}

// code waits for the latest otp sent to to and returns it.
func (i *inbox) code(t *testing.T, to, subject string) string {
	t.Helper()

	var code string
	require.Eventually(t, func() bool {
		i.mu.Lock()
		defer i.mu.Unlock()
		for j := len(i.messages) - 1; j >= 0; j-- {
			m := i.messages[j]
			if m.To == to && m.Event == notify.EventOTPIssued && m.Subject == subject {
				const marker = "code is "
				k := strings.Index(m.Body, marker)
				code = m.Body[k+len(marker) : k+len(marker)+6]
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return code
}

func startApp(t *testing.T, box *inbox) *bank.App {
	t.Helper()

	config := bank.DefaultConfig()
	config.RepoBackend = "mem"
	config.AllowMemBackend = true
	config.HTTPAddr = "127.0.0.1:0"
	config.ISO8583Addr = "127.0.0.1:0"
	config.JWTSecret = "e2e-secret"
	config.BcryptCost = 4
	config.OTPSweepSchedule = ""
	config.AdminEmails = []string{"ops@example.com"}

	app := bank.NewApp(slog.Default(), config, bank.WithSender(box))
	require.NoError(t, app.Start())
	t.Cleanup(app.Shutdown)
	return app
}

// onboard opens, verifies and registers an account holder and returns a
// logged in client.
func onboard(t *testing.T, client *bankclient.Client, box *inbox, name, email, phone string) (*bankclient.Client, *bankclient.Account) {
	t.Helper()
	ctx := context.Background()

	account, err := client.OpenAccount(ctx, name, email, phone)
	require.NoError(t, err)
	require.NoError(t, client.VerifyAccount(ctx, email, box.code(t, email, "Account Verification OTP")))

	require.NoError(t, client.Register(ctx, strings.ToLower(strings.Fields(name)[0]), email, "secret1"))
	require.NoError(t, client.VerifyEmail(ctx, email, box.code(t, email, "Email Verification OTP")))

	token, err := client.Login(ctx, email, "secret1")
	require.NoError(t, err)
	return client.WithToken(token), account
}

func TestEndToEnd(t *testing.T) {
	box := &inbox{}
	app := startApp(t, box)
	ctx := context.Background()

	resp, err := http.Get("http://" + app.Addr + "/-/ready")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	client := bankclient.New("http://"+app.Addr, nil)

	ops, _ := onboard(t, client, box, "Ops Desk", "ops@example.com", "+920000000001")
	alice, aliceAccount := onboard(t, client, box, "Alice Khan", "alice@example.com", "+920000000002")
	_, bobAccount := onboard(t, client, box, "Bob Ali", "bob@example.com", "+920000000003")

	t.Run("customers cannot deposit", func(t *testing.T) {
		err := alice.Deposit(ctx, aliceAccount.AccountNumber, "1000")
		var apiErr *bankclient.Error
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, http.StatusForbidden, apiErr.Status)
	})

	require.NoError(t, ops.Deposit(ctx, aliceAccount.AccountNumber, "1000"))

	balance, err := alice.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, "1000.00", balance.Balance)

	record, err := alice.Transfer(ctx, bobAccount.AccountNumber, bobAccount.AccountTitle, "300")
	require.NoError(t, err)
	require.Equal(t, "300.00", record.Amount)

	_, err = alice.Transfer(ctx, bobAccount.AccountNumber, bobAccount.AccountTitle+"x", "1")
	var apiErr *bankclient.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "receiver_not_found", apiErr.Code)

	history, err := alice.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 2) // deposit and transfer

	card, err := alice.IssueCard(ctx)
	require.NoError(t, err)
	require.Len(t, card.CVV, 3)
	require.NoError(t, alice.SetPIN(ctx, card.Number, "4321"))

	t.Run("atm withdrawal", func(t *testing.T) {
		c, err := connection.New(app.ISO8583ServerAddr, atm.Spec, atm.ReadMessageLength, atm.WriteMessageLength)
		require.NoError(t, err)
		require.NoError(t, c.Connect())
		defer c.Close()

		withdraw := func(stan, pin string, amount int64) string {
			msg := iso8583.NewMessage(atm.Spec)
			msg.MTI(atm.MTIWithdrawalRequest)
			require.NoError(t, msg.Marshal(&atm.WithdrawalRequest{
				PAN:              field.NewStringValue(card.Number),
				ProcessingCode:   field.NewStringValue("010000"),
				Amount:           field.NewNumericValue(amount),
				TransmissionTime: field.NewStringValue(time.Now().UTC().Format("0102150405")),
				STAN:             field.NewStringValue(stan),
				ExpirationDate:   field.NewStringValue(card.ExpirationDate),
				TerminalID:       field.NewStringValue("ATM00042"),
				Currency:         field.NewStringValue("586"),
				PIN:              field.NewStringValue(pin),
			}))
			reply, err := c.Send(msg)
			require.NoError(t, err)

			resp := &atm.WithdrawalResponse{}
			require.NoError(t, reply.Unmarshal(resp))
			require.Equal(t, stan, resp.STAN.Value())
			return resp.ResponseCode.Value()
		}

		require.Equal(t, atm.IncorrectPIN, withdraw("000001", "0000", 100_00))
		require.Equal(t, atm.InsufficientFunds, withdraw("000002", "4321", 800_00))
		require.Equal(t, atm.Approved, withdraw("000003", "4321", 200_00))

		balance, err := alice.Balance(ctx)
		require.NoError(t, err)
		require.Equal(t, "500.00", balance.Balance)
	})

	history, err = alice.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "withdrawal", history[2].Type)
	require.Equal(t, "200.00", history[2].Amount)
	require.Equal(t, expiry.CardFace(card.ExpirationDate), card.CardFace)
}

func TestApp_MemBackendMustBeAllowed(t *testing.T) {
	config := bank.DefaultConfig()
	config.RepoBackend = "mem"
	config.JWTSecret = "secret"

	app := bank.NewApp(slog.Default(), config)
	require.ErrorContains(t, app.Start(), "ALLOW_MEM_BACKEND")
}

func TestApp_RequiresJWTSecret(t *testing.T) {
	config := bank.DefaultConfig()
	config.HTTPAddr = "127.0.0.1:0"
	config.ISO8583Addr = "127.0.0.1:0"
	config.OTPSweepSchedule = ""

	app := bank.NewApp(slog.Default(), config, bank.WithStore(bank.NewMemStore()))
	require.Error(t, app.Start())
	app.Shutdown()
}

func TestApp_FailedStartReleasesStartedComponents(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	config := bank.DefaultConfig()
	config.RepoBackend = "mem"
	config.AllowMemBackend = true
	config.HTTPAddr = taken.Addr().String()
	config.ISO8583Addr = "127.0.0.1:0"
	config.JWTSecret = "secret"
	config.OTPSweepSchedule = "@every 1h"

	app := bank.NewApp(slog.Default(), config, bank.WithSender(&inbox{}))
	require.ErrorContains(t, app.Start(), "listening tcp port")

	// the iso8583 listener opened before the http one was closed again
	require.NotEmpty(t, app.ISO8583ServerAddr)
	l, err := net.Listen("tcp", app.ISO8583ServerAddr)
	require.NoError(t, err)
	l.Close()

	app.Shutdown()
}
