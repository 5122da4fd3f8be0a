package capture

import (
	"crypto/sha256"
	"encoding/hex"
)

// TruncateBody caps a payload at maxBytes. When truncation happens the
// returned hash identifies the full body so the cut can be audited later.
// A maxBytes of zero or less disables the cap.
func TruncateBody(in []byte, maxBytes int) (out []byte, truncated bool, originalLen int, hash string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}
