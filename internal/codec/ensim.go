package codec

import (
	"folkbears/go-beacon-monitor/internal/model"

	"github.com/google/uuid"
)

// DecodeEnSim extracts the temp id from EN simulator service data.
//
// The primary EN service is checked first and its data is keyed by the same
// UUID. The alternate service carries its data under ENAltServiceDataUUID.
// When a packet advertises both, only the primary is used.
func DecodeEnSim(serviceUUIDs []uuid.UUID, serviceData map[uuid.UUID][]byte, rssi int, txPower *int, address string, now int64) (model.EnSimSighting, bool) {
	candidates := []struct {
		service uuid.UUID
		data    uuid.UUID
	}{
		{service: ENServiceUUID, data: ENServiceUUID},
		{service: ENAltServiceUUID, data: ENAltServiceDataUUID},
	}

	for _, p := range candidates {
		if !containsUUID(serviceUUIDs, p.service) {
			continue
		}
		data := serviceData[p.data]
		if len(data) == 0 {
			continue
		}

		var tx *int
		if txPower != nil {
			v := *txPower
			tx = &v
		}
		return model.EnSimSighting{
			TempID:      Hex(data),
			RSSI:        rssi,
			TxPower:     tx,
			Address:     address,
			TimestampMs: now,
		}, true
	}

	return model.EnSimSighting{}, false
}

// EncodeEnSimServiceData returns the service data bytes for an EN simulator
// advertisement. The caller advertises them under the primary or alternate
// service UUID.
func EncodeEnSimServiceData(tempID []byte) []byte {
	out := make([]byte, len(tempID))
	copy(out, tempID)
	return out
}

func containsUUID(ids []uuid.UUID, want uuid.UUID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
