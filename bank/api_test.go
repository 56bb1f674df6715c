package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/expiry"
	"github.com/cyberbank/corebank/internal/notify"
	"github.com/cyberbank/corebank/internal/otp"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type apiHarness struct {
	*testEnv
	router chi.Router
}

func newAPIHarness(t *testing.T, opts ...envOption) *apiHarness {
	env := newTestEnv(t, opts...)
	router := chi.NewRouter()
	NewAPI(slog.Default(), env.accounts, env.users, env.ledger, env.engine, env.cards, env.tokens).AppendRoutes(router)
	return &apiHarness{testEnv: env, router: router}
}

func (h *apiHarness) call(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// tokenFor issues a bearer token for the holder of account.
func (h *apiHarness) tokenFor(t *testing.T, account *models.Account) string {
	t.Helper()

	token, err := h.tokens.Issue(actorOf(account))
	require.NoError(t, err)
	return token
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func TestAPI_Onboarding(t *testing.T) {
	h := newAPIHarness(t, withOTPCode("482193"))

	w := h.call(t, http.MethodPost, "/api/accounts", "", map[string]string{
		"name": "Ayesha Khan", "email": "ayesha@example.com", "phone": "+923001234567",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	opened := decodeBody[struct {
		Account models.Account `json:"account"`
	}](t, w)
	require.Len(t, opened.Account.AccountNumber, 13)
	require.False(t, opened.Account.Verified)

	w = h.call(t, http.MethodPost, "/api/accounts/verify-otp", "", otpBody{Email: "ayesha@example.com", OTP: "000000"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_otp", decodeBody[errorBody](t, w).Error)

	w = h.call(t, http.MethodPost, "/api/accounts/verify-otp", "", otpBody{Email: "ayesha@example.com", OTP: "482193"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.call(t, http.MethodPost, "/api/accounts/resend-otp", "", otpBody{Email: "ayesha@example.com"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = h.call(t, http.MethodPost, "/api/users/register", "", map[string]string{
		"username": "ayesha", "email": "ayesha@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotContains(t, w.Body.String(), "secret1")
	require.NotContains(t, w.Body.String(), "password")

	w = h.call(t, http.MethodPost, "/api/users/login", "", map[string]string{"email": "ayesha@example.com", "password": "secret1"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "user_not_verified", decodeBody[errorBody](t, w).Error)

	w = h.call(t, http.MethodPost, "/api/users/verify-email", "", otpBody{Email: "ayesha@example.com", OTP: "482193"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.call(t, http.MethodPost, "/api/users/login", "", map[string]string{"email": "ayesha@example.com", "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.call(t, http.MethodPost, "/api/users/login", "", map[string]string{"email": "ayesha@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	login := decodeBody[struct {
		Token string `json:"token"`
	}](t, w)
	require.NotEmpty(t, login.Token)

	w = h.call(t, http.MethodGet, "/api/balance", login.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	balance := decodeBody[balanceView](t, w)
	require.Equal(t, "0.00", balance.Balance)
	require.Equal(t, opened.Account.AccountNumber, balance.AccountNumber)
	require.Equal(t, "PKR", balance.Currency)
}

func TestAPI_PasswordReset(t *testing.T) {
	h := newAPIHarness(t, withOTPCode("111222"))
	account := h.createAccount(t, "1000000000777", "HBL", 0)
	h.registerVerified(t, account, "secret1")

	w := h.call(t, http.MethodPost, "/api/users/forgot-password", "", otpBody{Email: account.Email})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.call(t, http.MethodPost, "/api/users/verify-reset-otp", "", otpBody{Email: account.Email, OTP: "111222"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reset := decodeBody[struct {
		ResetToken string `json:"reset_token"`
	}](t, w)

	body := map[string]string{
		"email":          account.Email,
		"reset_token":    reset.ResetToken,
		"new_password":   "newsecret",
		"account_number": "000",
	}
	w = h.call(t, http.MethodPost, "/api/users/reset-password", "", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "account_mismatch", decodeBody[errorBody](t, w).Error)

	body["account_number"] = "777"
	w = h.call(t, http.MethodPost, "/api/users/reset-password", "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, _, err := h.users.Login(context.Background(), account.Email, "newsecret")
	require.NoError(t, err)
}

func TestAPI_Authentication(t *testing.T) {
	h := newAPIHarness(t)

	for _, header := range []string{"", "not-a-jwt"} {
		w := h.call(t, http.MethodGet, "/api/balance", header, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, "unauthenticated", decodeBody[errorBody](t, w).Error)
	}

	customer := h.createAccount(t, "1000000000001", "HBL", 0)
	w := h.call(t, http.MethodPost, "/api/admin/balance", h.tokenFor(t, customer), map[string]any{
		"account_number": customer.AccountNumber, "amount": 100,
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Zero(t, h.balance(t, customer.ID))
}

func TestAPI_TransferAndHistory(t *testing.T) {
	h := newAPIHarness(t)
	sender := h.createAccount(t, "1000000000001", "HBL", 1000_00)
	receiver := h.createAccount(t, "123", "HBL", 500_00)
	token := h.tokenFor(t, sender)

	w := h.call(t, http.MethodPost, "/api/transactions", token, `{"receiver_account_number":"123","receiver_account_title":"HBL","amount":"300"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	record := decodeBody[transactionView](t, w)
	require.Equal(t, "300.00", record.Amount)
	require.Equal(t, "transfer", record.Type)

	require.Equal(t, int64(700_00), h.balance(t, sender.ID))
	require.Equal(t, int64(800_00), h.balance(t, receiver.ID))

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"zero amount", `{"receiver_account_number":"123","receiver_account_title":"HBL","amount":0}`, http.StatusBadRequest, "invalid_amount"},
		{"too precise", `{"receiver_account_number":"123","receiver_account_title":"HBL","amount":"1.001"}`, http.StatusBadRequest, "invalid_amount"},
		{"wrong title", `{"receiver_account_number":"123","receiver_account_title":"MCB","amount":1}`, http.StatusNotFound, "receiver_not_found"},
		{"insufficient funds", `{"receiver_account_number":"123","receiver_account_title":"HBL","amount":10000}`, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"malformed body", `{"amount":`, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.call(t, http.MethodPost, "/api/transactions", token, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			require.Equal(t, tt.code, decodeBody[errorBody](t, w).Error)
		})
	}

	w = h.call(t, http.MethodGet, "/api/transactions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeBody[[]transactionView](t, w), 1)

	w = h.call(t, http.MethodGet, "/api/transactions?counterparty=someone-else", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decodeBody[[]transactionView](t, w))

	w = h.call(t, http.MethodGet, "/api/transactions?counterparty="+sender.ID, h.tokenFor(t, receiver), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeBody[[]transactionView](t, w), 1)
}

func TestAPI_RejectedAmountsNotifySender(t *testing.T) {
	h := newAPIHarness(t)
	sender := h.createAccount(t, "1000000000001", "HBL", 1000_00)
	h.createAccount(t, "123", "HBL", 0)
	token := h.tokenFor(t, sender)

	amounts := []string{`0`, `"-5"`, `"1.001"`, `"100000000000000000000"`}
	for i, amount := range amounts {
		w := h.call(t, http.MethodPost, "/api/transactions", token,
			`{"receiver_account_number":"123","receiver_account_title":"HBL","amount":`+amount+`}`)
		require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		require.Equal(t, "invalid_amount", decodeBody[errorBody](t, w).Error)

		events := h.notes.events(sender.Email)
		require.Len(t, events, i+1, amount)
		require.Equal(t, notify.EventTransferFailed, events[i])
	}
	require.Equal(t, int64(1000_00), h.balance(t, sender.ID))
}

func TestAPI_AdminDepositAndFreeze(t *testing.T) {
	h := newAPIHarness(t)
	customer := h.createAccount(t, "1000000000001", "HBL", 0)
	other := h.createAccount(t, "1000000000002", "HBL", 0)
	admin, err := h.tokens.Issue(h.createAdmin(t))
	require.NoError(t, err)

	w := h.call(t, http.MethodPost, "/api/admin/balance", admin, map[string]any{
		"account_number": customer.AccountNumber, "amount": "250.50",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, int64(250_50), h.balance(t, customer.ID))

	w = h.call(t, http.MethodPost, "/api/admin/accounts/"+customer.ID+"/freeze", admin, map[string]bool{"frozen": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.True(t, decodeBody[balanceView](t, w).Frozen)

	w = h.call(t, http.MethodPost, "/api/transactions", h.tokenFor(t, customer), map[string]any{
		"receiver_account_number": other.AccountNumber, "receiver_account_title": "HBL", "amount": 1,
	})
	require.Equal(t, http.StatusLocked, w.Code, w.Body.String())
	require.Equal(t, "frozen_account", decodeBody[errorBody](t, w).Error)

	w = h.call(t, http.MethodPost, "/api/admin/accounts/missing/freeze", admin, map[string]bool{"frozen": true})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Cards(t *testing.T) {
	h := newAPIHarness(t, withOTPCode("777888"))
	owner := h.createAccount(t, "1000000000001", "HBL", 1000_00)
	stranger := h.createAccount(t, "1000000000002", "HBL", 0)
	token := h.tokenFor(t, owner)

	w := h.call(t, http.MethodPost, "/api/cards", token, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decodeBody[cardView](t, w)
	require.Len(t, issued.Number, 16)
	require.Len(t, issued.CVV, 3)
	require.Equal(t, expiry.CardFace(issued.ExpirationDate), issued.CardFace)
	require.False(t, issued.HasPIN)

	w = h.call(t, http.MethodGet, "/api/cards", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeBody[[]cardView](t, w)
	require.Len(t, listed, 1)
	require.Contains(t, listed[0].Number, "*")
	require.Empty(t, listed[0].CVV)

	pinPath := "/api/cards/" + issued.Number + "/pin"

	w = h.call(t, http.MethodPost, pinPath, h.tokenFor(t, stranger), map[string]string{"pin": "1234"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = h.call(t, http.MethodPost, pinPath, token, map[string]string{"pin": "12"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_pin_format", decodeBody[errorBody](t, w).Error)

	w = h.call(t, http.MethodPost, pinPath, token, map[string]string{"pin": "1234"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	withdraw := func(pin, amount, face string) *httptest.ResponseRecorder {
		return h.call(t, http.MethodPost, "/api/cards/withdraw", token, map[string]string{
			"card_number": issued.Number, "pin": pin, "amount": amount, "expiry": face,
		})
	}

	w = withdraw("9999", "10", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "incorrect_pin", decodeBody[errorBody](t, w).Error)

	w = withdraw("1234", "10", "13/99")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = withdraw("1234", "100", issued.CardFace)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, "withdrawal", decodeBody[transactionView](t, w).Type)
	require.Equal(t, int64(900_00), h.balance(t, owner.ID))

	w = h.call(t, http.MethodPost, "/api/cards/"+issued.Number+"/otp", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.call(t, http.MethodPost, "/api/cards/"+issued.Number+"/update", token, map[string]string{"otp": "777888", "status": "blocked"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeBody[cardView](t, w)
	require.Equal(t, "blocked", updated.Status)
	require.True(t, updated.HasPIN)

	w = withdraw("1234", "1", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "card_inactive", decodeBody[errorBody](t, w).Error)

	w = h.call(t, http.MethodPost, "/api/cards/"+issued.Number+"/update", token, map[string]string{"otp": "777888", "status": "active"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "otp_not_found", decodeBody[errorBody](t, w).Error)
}

func TestAPI_RateLimited(t *testing.T) {
	h := newAPIHarness(t, withLimiter(fakeLimiter{allowed: false}))

	w := h.call(t, http.MethodPost, "/api/accounts", "", map[string]string{
		"name": "A", "email": "a@example.com", "phone": "+921",
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "too_many_requests", decodeBody[errorBody](t, w).Error)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.ErrInvalidAmount, http.StatusBadRequest},
		{models.ErrAccountNotFound, http.StatusNotFound},
		{models.ErrEmailTaken, http.StatusConflict},
		{models.ErrInvalidCredentials, http.StatusUnauthorized},
		{models.ErrForbidden, http.StatusForbidden},
		{models.ErrAccountNotVerified, http.StatusForbidden},
		{models.ErrCardExpired, http.StatusForbidden},
		{otp.ErrExpired, http.StatusUnauthorized},
		{models.ErrDailyLimitExceeded, http.StatusUnprocessableEntity},
		{models.ErrFrozenAccount, http.StatusLocked},
		{models.ErrTooManyRequests, http.StatusTooManyRequests},
		{models.ErrReceiverBalanceMissing, http.StatusInternalServerError},
		{errors.New("database is down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.status, statusOf(tt.err), tt.err.Error())
	}
}

func TestAPI_InternalErrorsAreHidden(t *testing.T) {
	h := newAPIHarness(t)
	w := httptest.NewRecorder()
	NewAPI(slog.Default(), h.accounts, h.users, h.ledger, h.engine, h.cards, h.tokens).writeError(w, errors.New("pq: connection refused"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.False(t, strings.Contains(w.Body.String(), "pq:"))
	require.Equal(t, "internal", decodeBody[errorBody](t, w).Error)
}
