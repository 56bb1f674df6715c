// Package bankclient is a small HTTP client for the bank API, used by the
// end-to-end tests and local tooling.
package bankclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	Base  string
	HTTP  *http.Client
	Token string
}

func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.Token = token
	return &cp
}

// Error is a non-2xx answer of the API.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("status=%d error=%s message=%s", e.Status, e.Code, e.Message)
}

type Account struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	AccountNumber string `json:"account_number"`
	AccountTitle  string `json:"account_title"`
	Verified      bool   `json:"verified"`
	Role          string `json:"role"`
}

type Balance struct {
	AccountNumber string `json:"account_number"`
	Balance       string `json:"balance"`
	Currency      string `json:"currency"`
	Frozen        bool   `json:"frozen"`
}

type Transaction struct {
	ID                    string `json:"id"`
	Type                  string `json:"type"`
	Status                string `json:"status"`
	SenderAccountNumber   string `json:"sender_account_number"`
	ReceiverAccountNumber string `json:"receiver_account_number"`
	Amount                string `json:"amount"`
	Description           string `json:"description"`
}

type Card struct {
	ID             string `json:"id"`
	Number         string `json:"number"`
	ExpirationDate string `json:"expiration_date"`
	CardFace       string `json:"card_face"`
	CVV            string `json:"cvv"`
	Status         string `json:"status"`
	DailyLimit     string `json:"daily_limit"`
}

func (c *Client) OpenAccount(ctx context.Context, name, email, phone string) (*Account, error) {
	var resp struct {
		Account *Account `json:"account"`
	}
	err := c.do(ctx, http.MethodPost, "/api/accounts", map[string]string{"name": name, "email": email, "phone": phone}, &resp)
	return resp.Account, err
}

func (c *Client) VerifyAccount(ctx context.Context, email, code string) error {
	return c.do(ctx, http.MethodPost, "/api/accounts/verify-otp", map[string]string{"email": email, "otp": code}, nil)
}

func (c *Client) Register(ctx context.Context, username, email, password string) error {
	body := map[string]string{"username": username, "email": email, "password": password}
	return c.do(ctx, http.MethodPost, "/api/users/register", body, nil)
}

func (c *Client) VerifyEmail(ctx context.Context, email, code string) error {
	return c.do(ctx, http.MethodPost, "/api/users/verify-email", map[string]string{"email": email, "otp": code}, nil)
}

// Login returns the bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/users/login", map[string]string{"email": email, "password": password}, &resp)
	return resp.Token, err
}

func (c *Client) Balance(ctx context.Context) (*Balance, error) {
	var resp Balance
	if err := c.do(ctx, http.MethodGet, "/api/balance", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deposit requires an admin token. amount is in major units, e.g. "1000".
func (c *Client) Deposit(ctx context.Context, accountNumber, amount string) error {
	body := map[string]string{"account_number": accountNumber, "amount": amount}
	return c.do(ctx, http.MethodPost, "/api/admin/balance", body, nil)
}

func (c *Client) Transfer(ctx context.Context, receiverNumber, receiverTitle, amount string) (*Transaction, error) {
	body := map[string]string{
		"receiver_account_number": receiverNumber,
		"receiver_account_title":  receiverTitle,
		"amount":                  amount,
	}
	var resp Transaction
	if err := c.do(ctx, http.MethodPost, "/api/transactions", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) History(ctx context.Context, counterpartyID string) ([]Transaction, error) {
	target := "/api/transactions"
	if counterpartyID != "" {
		target += "?counterparty=" + url.QueryEscape(counterpartyID)
	}
	var resp []Transaction
	err := c.do(ctx, http.MethodGet, target, nil, &resp)
	return resp, err
}

func (c *Client) IssueCard(ctx context.Context) (*Card, error) {
	var resp Card
	if err := c.do(ctx, http.MethodPost, "/api/cards", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SetPIN(ctx context.Context, cardNumber, pin string) error {
	return c.do(ctx, http.MethodPost, "/api/cards/"+url.PathEscape(cardNumber)+"/pin", map[string]string{"pin": pin}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, reader)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &Error{Status: resp.StatusCode}
		b, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(b, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
