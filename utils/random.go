package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// TicketNumberPrefix starts every human readable ticket number.
const TicketNumberPrefix = "TKT-"

func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// GenerateTicketNumber returns "TKT-" followed by 10 upper-case hex digits.
// Uniqueness is enforced by the ledger, which retries on collision.
func GenerateTicketNumber() (string, error) {
	code, err := GenerateCode(5)
	if err != nil {
		return "", err
	}
	return TicketNumberPrefix + code, nil
}

// GenerateDigits returns length random decimal digits. Used for gateway
// request ids.
func GenerateDigits(length int) (string, error) {
	const charset = "0123456789"

	code := make([]byte, length)
	if _, err := rand.Read(code); err != nil {
		return "", err
	}
	for i := 0; i < length; i++ {
		code[i] = charset[int(code[i])%len(charset)]
	}
	return string(code), nil
}
