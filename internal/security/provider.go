package security

import (
	"fmt"

	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/expiry"
)

// ServiceCode is the magnetic-stripe service code used for CVV2 (international, normal authorization).
const ServiceCode = "101"

// CVVProvider computes card verification values from the PAN without its check digit,
// the YYMM expiry and a 3-digit service code. width is 3 or 4; other values mean 3.
type CVVProvider interface {
	ComputeCVV2(panNoCD, expiryYYMM, serviceCode string, width int) (string, error)
}

// CVVForCard is the CVV2 of a full PAN with the default service code.
func CVVForCard(p CVVProvider, pan, expiryYYMM string) (string, error) {
	panNoCD, err := ValidateInputs(pan, expiryYYMM, ServiceCode)
	if err != nil {
		return "", err
	}
	return p.ComputeCVV2(panNoCD, expiryYYMM, ServiceCode, 3)
}

// ValidateInputs checks a PAN, expiry and service code and returns the PAN without its check digit.
func ValidateInputs(pan, yymm, sc string) (string, error) {
	if err := expiry.ValidateYYMM(yymm); err != nil {
		return "", err
	}
	if err := validateServiceCode(sc); err != nil {
		return "", err
	}
	pan = cardgen.NormalizePAN(pan)
	if err := cardgen.ValidatePAN(pan); err != nil {
		return "", err
	}
	return pan[:len(pan)-1], nil
}

func validateServiceCode(sc string) error {
	if len(sc) != 3 || !cardgen.IsDigits(sc) {
		return fmt.Errorf("service code must be 3 digits")
	}
	return nil
}

func validatePanNoCD(noCD string) error {
	if noCD == "" || !cardgen.IsDigits(noCD) {
		return fmt.Errorf("panNoCD must be digits only")
	}
	if l := len(noCD); l < 12 || l > 18 {
		return fmt.Errorf("panNoCD length must be 12..18 (got %d)", l)
	}
	return nil
}

func normalizeWidth(width int) int {
	if width == 4 {
		return 4
	}
	return 3
}
