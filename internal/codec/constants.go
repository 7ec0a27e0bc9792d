// Package codec converts between raw BLE advertisement bytes and typed sightings.
//
// Every decoder is pure. A payload that does not match a format decodes to
// "no result" (false) rather than an error, because each received
// advertisement is tried against several formats and the caller keeps the
// first match.
package codec

import "github.com/google/uuid"

const (
	// AppleCompanyID is the manufacturer data key iBeacon payloads live under.
	AppleCompanyID uint16 = 0x004C
	// ExperimentalCompanyID is the default id used by manufacturer-data beacons.
	ExperimentalCompanyID uint16 = 0xFFFF

	iBeaconType   = 0x02
	iBeaconLength = 0x15

	manufacturerType   = 0x02
	manufacturerLength = 0x10

	// IBeaconPayloadLen is type(1) + length(1) + uuid(16) + major(2) + minor(2) + tx(1).
	IBeaconPayloadLen = 23
	// ManufacturerPayloadLen is type(1) + length(1) + temp id(16).
	ManufacturerPayloadLen = 18
	// TempIDLen is the size of a rotating temp id in bytes.
	TempIDLen = 16

	// DefaultIBeaconTxPower is the calibrated power at 1m the transmitters advertise.
	DefaultIBeaconTxPower int8 = -59
	// TxPowerNotPresent mirrors the platform value reported when a packet has no tx power.
	TxPowerNotPresent = 127
)

var (
	// BaseUUID is the Bluetooth base UUID short identifiers expand into.
	BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

	// ENServiceUUID is the Exposure Notification service.
	ENServiceUUID = uuid.MustParse("0000FD6F-0000-1000-8000-00805F9B34FB")
	// ENAltServiceUUID is the alternate service used by the EN simulator.
	ENAltServiceUUID = uuid.MustParse("0000FF00-0000-1000-8000-00805F9B34FB")
	// ENAltServiceDataUUID keys the service data that accompanies ENAltServiceUUID.
	ENAltServiceDataUUID = uuid.MustParse("00000001-0000-1000-8000-00805F9B34FB")

	// FolkBearsServiceUUID is advertised by FolkBears GATT transmitters.
	FolkBearsServiceUUID = uuid.MustParse("90FA7ABE-FAB6-485E-B700-1A17804CAA13")
	// FolkBearsCharacteristicUUID holds the JSON temp id payload.
	FolkBearsCharacteristicUUID = uuid.MustParse("90FA7ABE-FAB6-485E-B700-1A17804CAA14")
)

// ShortUUID expands a 16 or 32 bit Bluetooth SIG identifier into a full UUID.
func ShortUUID(v uint32) uuid.UUID {
	id := BaseUUID
	id[0] = byte(v >> 24)
	id[1] = byte(v >> 16)
	id[2] = byte(v >> 8)
	id[3] = byte(v)
	return id
}

// Short16 returns the 16 bit form of id when it is derived from the base UUID.
func Short16(id uuid.UUID) (uint16, bool) {
	if id[0] != 0 || id[1] != 0 {
		return 0, false
	}
	for i := 4; i < 16; i++ {
		if id[i] != BaseUUID[i] {
			return 0, false
		}
	}
	return uint16(id[2])<<8 | uint16(id[3]), true
}
