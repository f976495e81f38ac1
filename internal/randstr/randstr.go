// Package randstr generates random lowercase alphanumeric strings for
// authorization codes and refresh tokens.
package randstr

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// New returns a string of n characters drawn uniformly from [0-9a-z]. It
// panics if the system random source fails.
func New(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("failed to generate random string: %v", err))
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}
