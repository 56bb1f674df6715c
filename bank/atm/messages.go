package atm

import (
	"errors"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/moov-io/iso8583/field"
)

const (
	MTIWithdrawalRequest  = "0200"
	MTIWithdrawalResponse = "0210"
)

// cash withdrawal processing codes start with 01
const processingCashWithdrawal = "01"

// Response codes of field 39.
const (
	Approved           = "00"
	InvalidTransaction = "12"
	InvalidAmount      = "13"
	InvalidCard        = "14"
	InsufficientFunds  = "51"
	ExpiredCard        = "54"
	IncorrectPIN       = "55"
	NotPermitted       = "57"
	ExceedsLimit       = "61"
	RestrictedCard     = "62"
	SystemMalfunction  = "96"
)

type WithdrawalRequest struct {
	PAN              *field.String  `iso8583:"2"`
	ProcessingCode   *field.String  `iso8583:"3"`
	Amount           *field.Numeric `iso8583:"4"`
	TransmissionTime *field.String  `iso8583:"7"`
	STAN             *field.String  `iso8583:"11"`
	ExpirationDate   *field.String  `iso8583:"14"`
	TerminalID       *field.String  `iso8583:"41"`
	Currency         *field.String  `iso8583:"49"`
	PIN              *field.String  `iso8583:"52"`
}

type WithdrawalResponse struct {
	PAN               *field.String  `iso8583:"2"`
	ProcessingCode    *field.String  `iso8583:"3"`
	Amount            *field.Numeric `iso8583:"4"`
	STAN              *field.String  `iso8583:"11"`
	AuthorizationCode *field.String  `iso8583:"38"`
	ResponseCode      *field.String  `iso8583:"39"`
	TerminalID        *field.String  `iso8583:"41"`
}

func stringValue(f *field.String) string {
	if f == nil {
		return ""
	}
	return f.Value()
}

// responseCode maps a withdrawal error to field 39.
func responseCode(err error) string {
	switch {
	case err == nil:
		return Approved
	case errors.Is(err, models.ErrInvalidAmount):
		return InvalidAmount
	case errors.Is(err, models.ErrCardNotFound):
		return InvalidCard
	case errors.Is(err, models.ErrInsufficientFunds):
		return InsufficientFunds
	case errors.Is(err, models.ErrCardExpired):
		return ExpiredCard
	case errors.Is(err, models.ErrIncorrectPIN):
		return IncorrectPIN
	case errors.Is(err, models.ErrContactlessDisabled):
		return NotPermitted
	case errors.Is(err, models.ErrDailyLimitExceeded):
		return ExceedsLimit
	case errors.Is(err, models.ErrCardInactive), errors.Is(err, models.ErrFrozenAccount):
		return RestrictedCard
	}
	return SystemMalfunction
}
