package transmit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"folkbears/go-beacon-monitor/internal/codec"

	"github.com/google/uuid"
)

// ErrInvalidTempID is returned for temp ids that are not 16 bytes of hex.
var ErrInvalidTempID = errors.New("temp id must be 32 hex digits")

// RandomTempID returns 16 random bytes taken from a version 4 UUID.
func RandomTempID() [codec.TempIDLen]byte {
	return [codec.TempIDLen]byte(uuid.New())
}

// RandomMajorMinor picks a major and minor for a fresh iBeacon identity.
func RandomMajorMinor() (major, minor uint16) {
	return uint16(rand.IntN(0x10000)), uint16(rand.IntN(0x10000))
}

// ParseHexInput uppercases s, keeps only hex digits and truncates to limit
// characters. A non-positive limit keeps everything.
func ParseHexInput(s string, limit int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if limit > 0 && b.Len() >= limit {
			break
		}
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseTempID accepts 32 hex digits, with or without UUID dashes.
func ParseTempID(s string) ([codec.TempIDLen]byte, error) {
	var id [codec.TempIDLen]byte
	clean := strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(clean) != 2*codec.TempIDLen {
		return id, fmt.Errorf("%w: got %d characters", ErrInvalidTempID, len(clean))
	}
	if _, err := hex.Decode(id[:], []byte(clean)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidTempID, err)
	}
	return id, nil
}

// ParseUint16Hex parses up to four hex digits, as used for major, minor and
// manufacturer id inputs.
func ParseUint16Hex(s string) (uint16, error) {
	clean := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "0X")
	if clean == "" || len(clean) > 4 {
		return 0, fmt.Errorf("invalid 16 bit hex value %q", s)
	}
	v, err := strconv.ParseUint(clean, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid 16 bit hex value %q: %w", s, err)
	}
	return uint16(v), nil
}
