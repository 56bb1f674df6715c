// Package auth issues and verifies HS256 bearer tokens carrying the actor identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultTTL = time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingKey   = errors.New("jwt secret is empty")
)

type Claims struct {
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	AccountID     string `json:"accountId"`
	AccountNumber string `json:"accountNumber"`
	AccountTitle  string `json:"accountTitle"`
	Role          string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() models.ActorIdentity {
	return models.ActorIdentity{
		UserID:        c.UserID,
		Username:      c.Username,
		AccountID:     c.AccountID,
		AccountNumber: c.AccountNumber,
		AccountTitle:  c.AccountTitle,
		Role:          c.Role,
	}
}

type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret []byte, ttl time.Duration) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, ErrMissingKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for id that expires after the configured TTL.
func (t *Tokens) Issue(id models.ActorIdentity) (string, error) {
	now := t.now()
	claims := &Claims{
		UserID:        id.UserID,
		Username:      id.Username,
		AccountID:     id.AccountID,
		AccountNumber: id.AccountNumber,
		AccountTitle:  id.AccountTitle,
		Role:          id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and returns the identity it carries.
func (t *Tokens) Verify(raw string) (models.ActorIdentity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return models.ActorIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" || claims.AccountID == "" {
		return models.ActorIdentity{}, ErrInvalidToken
	}
	return claims.Identity(), nil
}
