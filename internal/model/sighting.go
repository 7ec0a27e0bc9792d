package model

import "fmt"

// Sighting is a decoded advertisement of one of the supported formats.
type Sighting interface {
	Format() Format
	// Key is derived from identity-bearing fields only, never rssi or time.
	Key() string
	SeenAt() int64
	Signal() (rssi int, txPower *int)
}

// IBeaconSighting is an Apple iBeacon advertisement.
type IBeaconSighting struct {
	ServiceUUID string `json:"service_uuid"`
	Major       uint16 `json:"major"`
	Minor       uint16 `json:"minor"`
	RSSI        int    `json:"rssi"`
	TxPower     int8   `json:"tx_power"`
	Address     string `json:"address,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func (s IBeaconSighting) Format() Format { return FormatIBeacon }

func (s IBeaconSighting) Key() string {
	return fmt.Sprintf("%s/%04X/%04X", s.ServiceUUID, s.Major, s.Minor)
}

func (s IBeaconSighting) SeenAt() int64 { return s.TimestampMs }

func (s IBeaconSighting) Signal() (int, *int) {
	tx := int(s.TxPower)
	return s.RSSI, &tx
}

// EnSimSighting is an Exposure Notification style service-data advertisement.
type EnSimSighting struct {
	TempID      string `json:"temp_id"`
	RSSI        int    `json:"rssi"`
	TxPower     *int   `json:"tx_power,omitempty"`
	Address     string `json:"address,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func (s EnSimSighting) Format() Format { return FormatEnSim }
func (s EnSimSighting) Key() string    { return s.TempID }
func (s EnSimSighting) SeenAt() int64  { return s.TimestampMs }

func (s EnSimSighting) Signal() (int, *int) {
	return s.RSSI, copyInt(s.TxPower)
}

// FolkGattSighting is a FolkBears service sighting. The advertisement arm
// carries DeviceName; the characteristic read arm carries TempID.
type FolkGattSighting struct {
	MAC         string `json:"mac"`
	DeviceName  string `json:"device_name,omitempty"`
	TempID      string `json:"temp_id,omitempty"`
	RSSI        int    `json:"rssi"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func (s FolkGattSighting) Format() Format      { return FormatFolkGatt }
func (s FolkGattSighting) Key() string         { return s.MAC }
func (s FolkGattSighting) SeenAt() int64       { return s.TimestampMs }
func (s FolkGattSighting) Signal() (int, *int) { return s.RSSI, nil }

// ManufacturerSighting is a manufacturer-data beacon carrying a 16 byte temp id.
type ManufacturerSighting struct {
	ManufacturerID uint16 `json:"manufacturer_id"`
	TempID         string `json:"temp_id"`
	RSSI           int    `json:"rssi"`
	TxPower        int    `json:"tx_power"`
	DeviceAddress  string `json:"device_address"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

func (s ManufacturerSighting) Format() Format { return FormatManufacturer }
func (s ManufacturerSighting) Key() string    { return s.TempID }
func (s ManufacturerSighting) SeenAt() int64  { return s.TimestampMs }

func (s ManufacturerSighting) Signal() (int, *int) {
	tx := s.TxPower
	return s.RSSI, &tx
}

// AggregateRow summarises every live sighting sharing one aggregation key.
type AggregateRow struct {
	Format         Format   `json:"format"`
	Key            string   `json:"key"`
	Representative Sighting `json:"representative"`
	Count          int      `json:"count"`
	LastSeenMs     int64    `json:"last_seen_ms"`
	LastRSSI       int      `json:"last_rssi"`
	LastTxPower    *int     `json:"last_tx_power,omitempty"`
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
