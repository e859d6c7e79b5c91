package rand

import (
	"crypto/rand"
	"math/big"

	"github.com/sirupsen/logrus"
)

const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// StringWithAll returns a random alphanumeric string of length n, suitable
// for verification tokens. Uses crypto/rand.
func StringWithAll(n int) string {
	result := make([]byte, n)
	max := big.NewInt(int64(len(letters)))
	for i := range result {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			logrus.Fatal("Unable to generate random bytes")
		}
		result[i] = letters[idx.Int64()]
	}
	return string(result)
}
