package codec

import "folkbears/go-beacon-monitor/internal/model"

// unnamedDevice is reported when a FolkBears transmitter omits its local name.
const unnamedDevice = "(no name)"

var folkBearsIBeaconUUID = Hex(FolkBearsServiceUUID[:])

// DecodeFolkGatt recognises the advertisement arm of a FolkBears GATT
// transmitter. A packet qualifies when it lists the FolkBears service or when
// it is an iBeacon whose proximity UUID is the FolkBears service UUID.
// The temp id is not in the advertisement; it is read over GATT later.
func DecodeFolkGatt(raw model.RawAdvertisement, now int64) (model.FolkGattSighting, bool) {
	if raw.Address == "" {
		return model.FolkGattSighting{}, false
	}

	matched := raw.HasService(FolkBearsServiceUUID)
	if !matched {
		if ib, ok := DecodeIBeacon(raw.ManufacturerData, raw.RSSI, now); ok && ib.ServiceUUID == folkBearsIBeaconUUID {
			matched = true
		}
	}
	if !matched {
		return model.FolkGattSighting{}, false
	}

	name := raw.LocalName
	if name == "" {
		name = unnamedDevice
	}
	return model.FolkGattSighting{
		MAC:         raw.Address,
		DeviceName:  name,
		RSSI:        raw.RSSI,
		TimestampMs: now,
	}, true
}
