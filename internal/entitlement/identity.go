package entitlement

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/antonminaichev/payflow/internal/util/luna"
)

const (
	documentPrefix = "DI-"
	documentDigits = 9
)

// NewDocumentNumber returns DI- followed by random digits and a Luhn check digit.
func NewDocumentNumber() (string, error) {
	max := big.NewInt(10)
	payload := make([]byte, documentDigits)
	for i := range payload {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("document number: %w", err)
		}
		payload[i] = byte('0' + n.Int64())
	}
	check, ok := luna.CheckDigit(string(payload))
	if !ok {
		return "", fmt.Errorf("document number: bad payload %q", payload)
	}
	return documentPrefix + string(payload) + string(check), nil
}

// ValidDocumentNumber checks prefix, length and check digit.
func ValidDocumentNumber(s string) bool {
	if len(s) != len(documentPrefix)+documentDigits+1 || s[:len(documentPrefix)] != documentPrefix {
		return false
	}
	return luna.Validate(s[len(documentPrefix):])
}
