package ledger

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// GenerateTransactionCode produces the human-facing code shared by the
// entries of one logical ledger operation (for example a redemption's
// debit/credit pair).
func GenerateTransactionCode() (string, error) {
	datePart := time.Now().Format("20060102")

	r := make([]byte, 3)
	_, err := rand.Read(r)
	if err != nil {
		return "", err
	}
	randomPart := strings.ToUpper(fmt.Sprintf("%x", r))

	return fmt.Sprintf("%s-%s", datePart, randomPart), nil
}
