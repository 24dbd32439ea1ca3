package bus

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken returns the hex-encoded sha256 digest of an agent secret. The bus
// only ever stores digests; raw tokens never reach the state file.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// tokenMatches reports whether token digests to wantHash, in constant time.
func tokenMatches(wantHash, token string) bool {
	got := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(wantHash), []byte(got)) == 1
}
