package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HashPANHMAC computes HMAC-SHA256 over a normalized PAN using a secret pepper.
// Card rows are keyed by this value so the PAN itself is never stored.
func HashPANHMAC(pan string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(NormalizePAN(pan)))
	return h.Sum(nil)
}

// PANHashHex is HashPANHMAC hex encoded, usable as a map key or text column.
func PANHashHex(pan string, key []byte) string {
	return hex.EncodeToString(HashPANHMAC(pan, key))
}
