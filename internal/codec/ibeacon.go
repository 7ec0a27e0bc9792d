package codec

import (
	"encoding/binary"

	"folkbears/go-beacon-monitor/internal/model"

	"github.com/google/uuid"
)

// DecodeIBeacon looks for an iBeacon payload under the Apple company id.
// The service UUID is rendered from the raw bytes as received, without dashes.
func DecodeIBeacon(blocks map[uint16][]byte, rssi int, now int64) (model.IBeaconSighting, bool) {
	payload, ok := blocks[AppleCompanyID]
	if !ok || len(payload) < IBeaconPayloadLen {
		return model.IBeaconSighting{}, false
	}
	if payload[0] != iBeaconType || payload[1] != iBeaconLength {
		return model.IBeaconSighting{}, false
	}

	return model.IBeaconSighting{
		ServiceUUID: Hex(payload[2:18]),
		Major:       binary.BigEndian.Uint16(payload[18:20]),
		Minor:       binary.BigEndian.Uint16(payload[20:22]),
		TxPower:     int8(payload[22]),
		RSSI:        rssi,
		TimestampMs: now,
	}, true
}

// EncodeIBeacon builds the 23 byte iBeacon payload. The caller attaches it
// under AppleCompanyID in the outbound manufacturer data.
func EncodeIBeacon(serviceUUID uuid.UUID, major, minor uint16, txPower int8) []byte {
	payload := make([]byte, 0, IBeaconPayloadLen)
	payload = append(payload, iBeaconType, iBeaconLength)
	payload = append(payload, serviceUUID[:]...)
	payload = binary.BigEndian.AppendUint16(payload, major)
	payload = binary.BigEndian.AppendUint16(payload, minor)
	payload = append(payload, byte(txPower))
	return payload
}
