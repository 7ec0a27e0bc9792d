package codec

import "folkbears/go-beacon-monitor/internal/model"

// DecodeManufacturer decodes a [0x02, 0x10, tempId(16)] payload found under manufacturerID.
func DecodeManufacturer(blocks map[uint16][]byte, manufacturerID uint16, rssi, txPower int, deviceAddress string, now int64) (model.ManufacturerSighting, bool) {
	payload, ok := blocks[manufacturerID]
	if !ok || len(payload) < ManufacturerPayloadLen {
		return model.ManufacturerSighting{}, false
	}
	if payload[0] != manufacturerType || payload[1] != manufacturerLength {
		return model.ManufacturerSighting{}, false
	}

	return model.ManufacturerSighting{
		ManufacturerID: manufacturerID,
		TempID:         Hex(payload[2:ManufacturerPayloadLen]),
		RSSI:           rssi,
		TxPower:        txPower,
		DeviceAddress:  deviceAddress,
		TimestampMs:    now,
	}, true
}

// EncodeManufacturer builds the manufacturer data payload for a temp id.
// The caller attaches it under the chosen manufacturer id.
func EncodeManufacturer(tempID [TempIDLen]byte) []byte {
	payload := make([]byte, 0, ManufacturerPayloadLen)
	payload = append(payload, manufacturerType, manufacturerLength)
	return append(payload, tempID[:]...)
}

// ManufacturerFilter restricts manufacturer payloads to those matching Data
// under Mask, the way platform scan filters do. A zero filter matches
// everything; data bytes beyond the mask are compared exactly.
type ManufacturerFilter struct {
	Data []byte `json:"data,omitempty"`
	Mask []byte `json:"mask,omitempty"`
}

// Match reports whether payload satisfies the filter.
func (f ManufacturerFilter) Match(payload []byte) bool {
	if len(f.Data) == 0 {
		return true
	}
	if len(payload) < len(f.Data) {
		return false
	}
	for i, want := range f.Data {
		mask := byte(0xFF)
		if i < len(f.Mask) {
			mask = f.Mask[i]
		}
		if payload[i]&mask != want&mask {
			return false
		}
	}
	return true
}
