package bank

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/expiry"
	"github.com/cyberbank/corebank/internal/middleware"
	"github.com/cyberbank/corebank/internal/money"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

// API is the HTTP API of the bank
type API struct {
	accounts *Accounts
	users    *Users
	ledger   *Ledger
	engine   *Engine
	cards    *CardAuthority
	verifier middleware.TokenVerifier
	logger   *slog.Logger
}

func NewAPI(logger *slog.Logger, accounts *Accounts, users *Users, ledger *Ledger, engine *Engine, cards *CardAuthority, verifier middleware.TokenVerifier) *API {
	return &API{
		accounts: accounts,
		users:    users,
		ledger:   ledger,
		engine:   engine,
		cards:    cards,
		verifier: verifier,
		logger:   logger.With(slog.String("component", "api")),
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", a.openAccount)
			r.Post("/verify-otp", a.verifyAccount)
			r.Post("/resend-otp", a.resendAccountOTP)
		})
		r.Route("/users", func(r chi.Router) {
			r.Post("/register", a.register)
			r.Post("/verify-email", a.verifyEmail)
			r.Post("/login", a.login)
			r.Post("/forgot-password", a.forgotPassword)
			r.Post("/verify-reset-otp", a.verifyResetOTP)
			r.Post("/reset-password", a.resetPassword)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(a.verifier))

			r.Get("/balance", a.getBalance)
			r.Post("/transactions", a.transfer)
			r.Get("/transactions", a.history)

			r.Route("/cards", func(r chi.Router) {
				r.Post("/", a.issueCard)
				r.Get("/", a.listCards)
				r.Post("/withdraw", a.withdraw)
				r.Post("/{number}/pin", a.setPIN)
				r.Post("/{number}/otp", a.requestCardOTP)
				r.Post("/{number}/update", a.updateCard)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Post("/balance", a.deposit)
				r.Post("/accounts/{accountID}/freeze", a.freeze)
			})
		})
	})
}

type balanceView struct {
	AccountNumber string `json:"account_number"`
	Balance       string `json:"balance"`
	Currency      string `json:"currency"`
	Frozen        bool   `json:"frozen"`
}

func newBalanceView(b *models.Balance) balanceView {
	return balanceView{
		AccountNumber: b.AccountNumber,
		Balance:       money.Format(b.Amount),
		Currency:      b.Currency,
		Frozen:        b.Frozen,
	}
}

type transactionView struct {
	ID                    string    `json:"id"`
	Type                  string    `json:"type"`
	Status                string    `json:"status"`
	SenderAccountNumber   string    `json:"sender_account_number"`
	ReceiverAccountNumber string    `json:"receiver_account_number"`
	Amount                string    `json:"amount"`
	Currency              string    `json:"currency"`
	Description           string    `json:"description"`
	CreatedAt             time.Time `json:"created_at"`
}

func newTransactionView(t *models.Transaction) transactionView {
	return transactionView{
		ID:                    t.ID,
		Type:                  string(t.Type),
		Status:                string(t.Status),
		SenderAccountNumber:   t.SenderAccountNumber,
		ReceiverAccountNumber: t.ReceiverAccountNumber,
		Amount:                money.Format(t.Amount),
		Currency:              t.Currency,
		Description:           t.Description,
		CreatedAt:             t.CreatedAt,
	}
}

// cardView masks the PAN unless the card was just issued.
type cardView struct {
	ID             string `json:"id"`
	Number         string `json:"number"`
	ExpirationDate string `json:"expiration_date"`
	CardFace       string `json:"card_face"`
	CVV            string `json:"cvv,omitempty"`
	Status         string `json:"status"`
	Contactless    bool   `json:"contactless"`
	DailyLimit     string `json:"daily_limit"`
	HasPIN         bool   `json:"has_pin"`
}

func newCardView(c *models.Card, reveal bool) cardView {
	v := cardView{
		ID:             c.ID,
		Number:         cardgen.MaskPAN(c.Number),
		ExpirationDate: c.ExpirationDate,
		CardFace:       expiry.CardFace(c.ExpirationDate),
		Status:         string(c.Status),
		Contactless:    c.Contactless,
		DailyLimit:     money.Format(c.DailyLimit),
		HasPIN:         c.HasPIN(),
	}
	if reveal {
		v.Number = c.Number
		v.CVV = c.CVV
	}
	return v
}

func (a *API) openAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	}
	if !a.decode(w, r, &body) {
		return
	}

	account, err := a.accounts.Open(r.Context(), body.Name, body.Email, body.Phone)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Account created. Please check your email for the verification code.",
		"account": account,
	})
}

type otpBody struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (a *API) verifyAccount(w http.ResponseWriter, r *http.Request) {
	var body otpBody
	if !a.decode(w, r, &body) {
		return
	}
	account, err := a.accounts.Verify(r.Context(), body.Email, body.OTP)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Account verified.",
		"account": account,
	})
}

func (a *API) resendAccountOTP(w http.ResponseWriter, r *http.Request) {
	var body otpBody
	if !a.decode(w, r, &body) {
		return
	}
	if err := a.accounts.Resend(r.Context(), body.Email); err != nil {
		a.writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "A new verification code has been sent.")
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	user, err := a.users.Register(r.Context(), body.Username, body.Email, body.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User registered. Please check your email for the verification code.",
		"user":    user,
	})
}

func (a *API) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var body otpBody
	if !a.decode(w, r, &body) {
		return
	}
	if _, err := a.users.VerifyEmail(r.Context(), body.Email, body.OTP); err != nil {
		a.writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Email verified.")
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	token, user, err := a.users.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"token":   token,
		"user":    user,
	})
}

func (a *API) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var body otpBody
	if !a.decode(w, r, &body) {
		return
	}
	if err := a.users.ForgotPassword(r.Context(), body.Email); err != nil {
		a.writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Password reset code has been sent to your email.")
}

func (a *API) verifyResetOTP(w http.ResponseWriter, r *http.Request) {
	var body otpBody
	if !a.decode(w, r, &body) {
		return
	}
	token, err := a.users.VerifyResetOTP(r.Context(), body.Email, body.OTP)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reset_token": token})
}

func (a *API) resetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email         string `json:"email"`
		ResetToken    string `json:"reset_token"`
		NewPassword   string `json:"new_password"`
		AccountNumber string `json:"account_number"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	err := a.users.ResetPassword(r.Context(), body.Email, body.ResetToken, body.NewPassword, body.AccountNumber)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Password reset successful.")
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())
	balance, err := a.ledger.GetBalance(r.Context(), actor.AccountID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceView(balance))
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountNumber string          `json:"account_number"`
		Amount        decimal.Decimal `json:"amount"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	amount := minorUnits(body.Amount)

	actor, _ := middleware.ActorFrom(r.Context())
	record, balance, err := a.engine.Deposit(r.Context(), actor, body.AccountNumber, amount)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": newTransactionView(record),
		"balance":     money.Format(balance),
	})
}

func (a *API) freeze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Frozen bool `json:"frozen"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	balance, err := a.ledger.SetFrozen(r.Context(), chi.URLParam(r, "accountID"), body.Frozen)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceView(balance))
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReceiverAccountNumber string          `json:"receiver_account_number"`
		ReceiverAccountTitle  string          `json:"receiver_account_title"`
		Amount                decimal.Decimal `json:"amount"`
		Description           string          `json:"description"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	amount := minorUnits(body.Amount)

	actor, _ := middleware.ActorFrom(r.Context())
	record, err := a.engine.Transfer(r.Context(), actor, TransferRequest{
		ReceiverAccountNumber: body.ReceiverAccountNumber,
		ReceiverAccountTitle:  body.ReceiverAccountTitle,
		Amount:                amount,
		Description:           body.Description,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(record))
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())
	it, err := a.engine.History(r.Context(), actor, r.URL.Query().Get("counterparty"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	records, err := Collect(it)
	if err != nil {
		a.writeError(w, err)
		return
	}

	views := make([]transactionView, 0, len(records))
	for _, t := range records {
		views = append(views, newTransactionView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) issueCard(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())
	card, err := a.cards.Issue(r.Context(), actor.AccountID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCardView(card, true))
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())
	cards, err := a.cards.List(r.Context(), actor.AccountID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	views := make([]cardView, 0, len(cards))
	for _, c := range cards {
		views = append(views, newCardView(c, false))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) setPIN(w http.ResponseWriter, r *http.Request) {
	number, ok := a.ownedCard(w, r)
	if !ok {
		return
	}
	var body struct {
		PIN string `json:"pin"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	if err := a.cards.SetPIN(r.Context(), number, body.PIN); err != nil {
		a.writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "PIN set.")
}

func (a *API) requestCardOTP(w http.ResponseWriter, r *http.Request) {
	number, ok := a.ownedCard(w, r)
	if !ok {
		return
	}
	if err := a.cards.RequestOTP(r.Context(), number); err != nil {
		a.writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Verification code sent to the account email.")
}

func (a *API) updateCard(w http.ResponseWriter, r *http.Request) {
	number, ok := a.ownedCard(w, r)
	if !ok {
		return
	}
	var body struct {
		OTP    string             `json:"otp"`
		PIN    *string            `json:"new_pin"`
		Status *models.CardStatus `json:"status"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	card, err := a.cards.ApplyOTPGatedUpdate(r.Context(), number, body.OTP, body.PIN, body.Status)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardView(card, false))
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CardNumber string          `json:"card_number"`
		PIN        string          `json:"pin"`
		Amount     decimal.Decimal `json:"amount"`
		// Expiry is the card face, MM/YY or MMYY.
		Expiry string `json:"expiry"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	amount := minorUnits(body.Amount)
	var yymm string
	if body.Expiry != "" {
		var err error
		if yymm, err = expiry.ParseCardFace(body.Expiry); err != nil {
			a.writeError(w, models.ErrInvalidInput)
			return
		}
	}

	actor, _ := middleware.ActorFrom(r.Context())
	record, err := a.engine.Withdraw(r.Context(), WithdrawalRequest{
		InitiatorID: actor.UserID,
		CardNumber:  body.CardNumber,
		PIN:         body.PIN,
		Amount:      amount,
		ExpiryYYMM:  yymm,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(record))
}

// ownedCard resolves {number} and answers 404 unless it belongs to the actor.
func (a *API) ownedCard(w http.ResponseWriter, r *http.Request) (string, bool) {
	number := cardgen.NormalizePAN(chi.URLParam(r, "number"))
	actor, _ := middleware.ActorFrom(r.Context())
	card, err := a.cards.Get(r.Context(), number)
	if err == nil && card.AccountID != actor.AccountID {
		err = models.ErrCardNotFound
	}
	if err != nil {
		a.writeError(w, err)
		return "", false
	}
	return number, true
}

// minorUnits converts a major-unit amount. Amounts that cannot be represented
// (non-positive, more than two decimals, out of range) become 0 so the core
// operation rejects them with ErrInvalidAmount and runs its failure path.
func minorUnits(d decimal.Decimal) int64 {
	minor, err := money.ToMinor(d)
	if err != nil {
		return 0
	}
	return minor
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   models.ErrInvalidInput.Code,
			"message": err.Error(),
		})
		return false
	}
	return true
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", slog.Any("err", err))
	}
	message := err.Error()
	if models.KindOf(err) == models.KindInternal {
		message = "internal server error"
	}
	writeJSON(w, status, map[string]string{
		"error":   models.CodeOf(err),
		"message": message,
	})
}

func statusOf(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindAuthz:
		if errors.Is(err, models.ErrForbidden) || errors.Is(err, models.ErrAccountNotVerified) ||
			errors.Is(err, models.ErrUserNotVerified) {
			return http.StatusForbidden
		}
		if errors.Is(err, models.ErrIncorrectPIN) || errors.Is(err, models.ErrCardInactive) ||
			errors.Is(err, models.ErrContactlessDisabled) || errors.Is(err, models.ErrCardExpired) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case models.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case models.KindFrozen:
		return http.StatusLocked
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
