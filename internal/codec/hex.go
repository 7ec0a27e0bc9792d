package codec

import (
	"encoding/hex"
	"strings"
)

// Hex renders bytes as uppercase hex without separators.
func Hex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
