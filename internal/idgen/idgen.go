// Package idgen generates record identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// WithPrefix returns prefix followed by a dashless UUID, e.g. "tx_3f1c...".
// Prefixed ids let handlers recognise their own references in foreign input.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was minted by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	return ok && len(rest) == 32
}

// Hex returns numBytes of crypto/rand output, hex encoded. Used where an
// opaque token is wanted rather than a typed record id.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
