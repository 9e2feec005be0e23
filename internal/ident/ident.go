// Package ident generates short random alphanumeric identifiers for shares
// and streams. Generators make no uniqueness promise; callers that need
// uniqueness insert-if-absent and regenerate on collision.
package ident

import (
	crand "crypto/rand"
	"math/big"
	"math/rand/v2"
	"sync"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultLength is the identifier length used when none is configured.
const DefaultLength = 6

// Generator returns a fresh identifier on every call.
type Generator func() string

// Secure returns an n-character identifier drawn from crypto/rand. Use it for
// anything that must not be guessable, such as public share ids.
func Secure(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		idx, err := crand.Int(crand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}

// Fast returns an n-character identifier from the non-cryptographic
// math/rand/v2 source. Suitable for ephemeral stream ids.
func Fast(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

// SecureGenerator returns a Generator producing Secure ids of length n.
func SecureGenerator(n int) Generator {
	if n <= 0 {
		n = DefaultLength
	}
	return func() string { return Secure(n) }
}

// FastGenerator returns a Generator producing Fast ids of length n.
func FastGenerator(n int) Generator {
	if n <= 0 {
		n = DefaultLength
	}
	return func() string { return Fast(n) }
}

// Sequence returns a Generator that yields ids in order and then repeats the
// last one forever. Tests use it to force collisions. Safe for concurrent use.
func Sequence(ids ...string) Generator {
	var (
		mu sync.Mutex
		i  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id
	}
}
