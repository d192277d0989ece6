package relay

import (
	"crypto/rand"
	"math/big"
)

const numberDigits = 10

// generateNumber returns a random phone number: "8" followed by ten digits,
// the first of which is 9.
func generateNumber() string {
	digits := make([]byte, numberDigits)
	digits[0] = '9'
	for i := 1; i < len(digits); i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return "8" + string(digits)
}
