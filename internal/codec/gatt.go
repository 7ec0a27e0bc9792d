package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrMalformedGattPayload is returned when a characteristic value is not
// a JSON object with a non-empty string "i" field.
var ErrMalformedGattPayload = errors.New("malformed gatt payload")

// GattPayload is the JSON document served by the FolkBears characteristic.
type GattPayload struct {
	TempID string `json:"i"`
}

// DecodeGattJSON parses a characteristic value such as {"i":"<tempId>"}.
func DecodeGattJSON(b []byte) (GattPayload, error) {
	var doc struct {
		I *string `json:"i"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return GattPayload{}, fmt.Errorf("%w: %v", ErrMalformedGattPayload, err)
	}
	if doc.I == nil {
		return GattPayload{}, fmt.Errorf("%w: missing field \"i\"", ErrMalformedGattPayload)
	}
	if strings.TrimSpace(*doc.I) == "" {
		return GattPayload{}, fmt.Errorf("%w: empty field \"i\"", ErrMalformedGattPayload)
	}
	return GattPayload{TempID: *doc.I}, nil
}

// EncodeGattJSON renders the read response for tempID in dashed uppercase UUID form.
func EncodeGattJSON(tempID [TempIDLen]byte) []byte {
	payload := GattPayload{TempID: strings.ToUpper(uuid.UUID(tempID).String())}
	b, err := json.Marshal(payload)
	if err != nil {
		// a struct with a single string field always marshals
		panic(err)
	}
	return b
}
