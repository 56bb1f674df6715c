package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cyberbank/corebank/internal/expiry"
)

const domainStatic = "cvv2-v1"

var ErrKeyMissing = errors.New("cvv key is required")

// HMACProvider derives CVVs with HMAC-SHA256 dynamic truncation. It needs no HSM,
// so the CVV never has to be stored: it can be recomputed from the PAN and expiry.
type HMACProvider struct {
	key []byte
}

func NewHMACProvider(key []byte) (*HMACProvider, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &HMACProvider{key: cp}, nil
}

func (p *HMACProvider) ComputeCVV2(panNoCD, yymm, sc string, width int) (string, error) {
	if err := expiry.ValidateYYMM(yymm); err != nil {
		return "", err
	}
	if err := validateServiceCode(sc); err != nil {
		return "", err
	}
	if err := validatePanNoCD(panNoCD); err != nil {
		return "", err
	}
	msg := []byte(panNoCD + "|" + yymm + "|" + sc + "|" + domainStatic)
	return hmacTruncatedDecimal(p.key, msg, normalizeWidth(width)), nil
}

// Wipe zeroes the key. Go gives no guarantee that copies made by the runtime are cleared.
func (p *HMACProvider) Wipe() {
	for i := range p.key {
		p.key[i] = 0
	}
}

func hmacTruncatedDecimal(key, msg []byte, width int) string {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	sum := h.Sum(nil)
	off := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[off])&0x7f)<<24 |
		uint32(sum[off+1])<<16 |
		uint32(sum[off+2])<<8 |
		uint32(sum[off+3])
	if width == 4 {
		return fmt.Sprintf("%04d", code%10000)
	}
	return fmt.Sprintf("%03d", code%1000)
}

var _ CVVProvider = (*HMACProvider)(nil)
