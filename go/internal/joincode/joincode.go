// Package joincode generates and normalizes the human-entered codes used to
// join a waiting session.
package joincode

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Length is the fixed code length.
const Length = 6

// Alphabet excludes visually ambiguous characters (0/O, 1/I/L, 5/S, 8/B) so
// codes survive being read aloud or retyped from a screen.
const Alphabet = "ACDEFGHJKMNPQRTUVWXYZ234679"

// Generate returns a fresh random code. Collisions across concurrently
// waiting sessions are accepted as negligible (27^6 space); the store's
// waiting-phase lookup keeps stale codes from matching old sessions.
func Generate() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	code := make([]byte, Length)
	for i, b := range buf {
		code[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(code), nil
}

// Normalize maps user input onto the canonical code form: trimmed and upper
// case. Codes are entered case-insensitively.
func Normalize(input string) string {
	return strings.ToUpper(strings.TrimSpace(input))
}

// Valid reports whether code (already normalized) has the right length and
// draws only from the alphabet.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(Alphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
