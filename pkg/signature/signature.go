package signature

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Compute implements the platform scheme: sort all parts lexicographically,
// concatenate and SHA1 the result.
func Compute(token, timestamp, nonce string, extra ...string) string {
	parts := append([]string{token, timestamp, nonce}, extra...)
	sort.Strings(parts)
	digest := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(digest[:])
}

func Verify(token, timestamp, nonce, signature string) bool {
	expected := Compute(token, timestamp, nonce)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

func VerifyMessage(token, timestamp, nonce, ciphertext, signature string) bool {
	expected := Compute(token, timestamp, nonce, ciphertext)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
