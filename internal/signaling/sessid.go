package signaling

import (
	"crypto/rand"
	"math/big"
)

const (
	sessIDLen      = 4
	sessIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewSessionID returns a fresh 4 character alphanumeric session id.
func NewSessionID() string {
	b := make([]byte, sessIDLen)
	max := big.NewInt(int64(len(sessIDAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(err)
		}
		b[i] = sessIDAlphabet[n.Int64()]
	}
	return string(b)
}
