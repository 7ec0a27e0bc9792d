// Package transmit builds outbound advertisements and runs one advertising
// cycle at a time through an Advertiser.
package transmit

import (
	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/model"

	"github.com/google/uuid"
)

// IBeaconPacket is a non-connectable iBeacon advertisement.
func IBeaconPacket(proximity uuid.UUID, major, minor uint16, txPower int8) model.AdvertisePacket {
	return model.AdvertisePacket{
		ManufacturerData: map[uint16][]byte{
			codec.AppleCompanyID: codec.EncodeIBeacon(proximity, major, minor, txPower),
		},
	}
}

// ManufacturerPacket carries tempID under manufacturerID.
func ManufacturerPacket(manufacturerID uint16, tempID [codec.TempIDLen]byte) model.AdvertisePacket {
	return model.AdvertisePacket{
		ManufacturerData: map[uint16][]byte{
			manufacturerID: codec.EncodeManufacturer(tempID),
		},
		IncludeTxPower: true,
	}
}

// EnSimPacket advertises tempID as EN service data. With alt set it uses
// the alternate service whose data is keyed by a separate UUID.
func EnSimPacket(tempID []byte, alt bool) model.AdvertisePacket {
	service, dataKey := codec.ENServiceUUID, codec.ENServiceUUID
	if alt {
		service, dataKey = codec.ENAltServiceUUID, codec.ENAltServiceDataUUID
	}
	return model.AdvertisePacket{
		ServiceUUIDs: []uuid.UUID{service},
		ServiceData: map[uuid.UUID][]byte{
			dataKey: codec.EncodeEnSimServiceData(tempID),
		},
		IncludeTxPower: true,
	}
}

// GattServicePacket is the connectable advertisement of a FolkBears GATT server.
func GattServicePacket(localName string) model.AdvertisePacket {
	return model.AdvertisePacket{
		ServiceUUIDs: []uuid.UUID{codec.FolkBearsServiceUUID},
		LocalName:    localName,
		Connectable:  true,
	}
}
