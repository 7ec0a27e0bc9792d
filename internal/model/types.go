package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format identifies one of the beacon layouts the monitor understands.
type Format int

const (
	FormatIBeacon Format = iota + 1
	FormatFolkGatt
	FormatEnSim
	FormatManufacturer
)

// AllFormats lists every supported format in decode order.
var AllFormats = []Format{FormatIBeacon, FormatFolkGatt, FormatEnSim, FormatManufacturer}

func (f Format) String() string {
	switch f {
	case FormatIBeacon:
		return "ibeacon"
	case FormatFolkGatt:
		return "folkgatt"
	case FormatEnSim:
		return "ensim"
	case FormatManufacturer:
		return "manufacturer"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a format name back to its Format value.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ibeacon":
		return FormatIBeacon, nil
	case "folkgatt", "folkbears", "gatt":
		return FormatFolkGatt, nil
	case "ensim", "en":
		return FormatEnSim, nil
	case "manufacturer", "mfg":
		return FormatManufacturer, nil
	default:
		return 0, fmt.Errorf("unknown advertisement format %q", s)
	}
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(b []byte) error {
	parsed, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// RawAdvertisement is one received advertisement event as delivered by a scanner.
// It is decoded once and never retained.
type RawAdvertisement struct {
	ScannerID        string               `json:"scanner_id,omitempty"`
	Address          string               `json:"address"`
	RSSI             int                  `json:"rssi"`
	TxPowerHint      *int                 `json:"tx_power,omitempty"`
	LocalName        string               `json:"local_name,omitempty"`
	ManufacturerData map[uint16][]byte    `json:"manufacturer_data,omitempty"`
	ServiceUUIDs     []uuid.UUID          `json:"service_uuids,omitempty"`
	ServiceData      map[uuid.UUID][]byte `json:"service_data,omitempty"`
	TimestampMs      int64                `json:"timestamp_ms"`
}

// HasService reports whether the advertisement lists the given service UUID.
func (r RawAdvertisement) HasService(id uuid.UUID) bool {
	for _, s := range r.ServiceUUIDs {
		if s == id {
			return true
		}
	}
	return false
}

// AdvertisePacket is the outbound payload handed to an advertiser.
type AdvertisePacket struct {
	ManufacturerData map[uint16][]byte    `json:"manufacturer_data,omitempty"`
	ServiceUUIDs     []uuid.UUID          `json:"service_uuids,omitempty"`
	ServiceData      map[uuid.UUID][]byte `json:"service_data,omitempty"`
	LocalName        string               `json:"local_name,omitempty"`
	Connectable      bool                 `json:"connectable"`
	IncludeTxPower   bool                 `json:"include_tx_power"`
	TxPower          int8                 `json:"tx_power,omitempty"`
	// GattValue is served from the FolkBears characteristic while connectable.
	// It is not part of the advertising data.
	GattValue        []byte               `json:"gatt_value,omitempty"`
}

// ScannerInfo describes a gateway that has published advertisements to the broker.
type ScannerInfo struct {
	ScannerID   string    `json:"scanner_id"`
	ClientID    string    `json:"client_id,omitempty"`
	Adverts     int64     `json:"adverts"`
	LastAddress string    `json:"last_address,omitempty"`
	LastRSSI    int       `json:"last_rssi"`
	LastSeen    time.Time `json:"last_seen"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	Source    string    `json:"source"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// AppConfigEntry represents a persisted configuration key/value pair.
type AppConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SessionRecord is the persisted summary of a scan session. Sightings are not stored.
type SessionRecord struct {
	ID        string     `json:"id"`
	Config    string     `json:"config"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Recorded  int64      `json:"recorded"`
}
