package transmit

import (
	"fmt"
	"strings"

	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/model"

	"github.com/google/uuid"
)

// DefaultLocalName is advertised by GATT cycles that do not name themselves.
const DefaultLocalName = "FolkBears"

// Request holds the user-facing transmit parameters. Hex fields accept the
// same loose input as the transmitter apps; empty identities are randomised.
type Request struct {
	UUID           string `json:"uuid,omitempty"`
	Major          string `json:"major,omitempty"`
	Minor          string `json:"minor,omitempty"`
	TxPower        *int   `json:"tx_power,omitempty"`
	ManufacturerID string `json:"manufacturer_id,omitempty"`
	TempID         string `json:"temp_id,omitempty"`
	Alt            bool   `json:"alt,omitempty"`
	LocalName      string `json:"local_name,omitempty"`
}

// Cycle builds the advertisement for format f.
func (r Request) Cycle(f model.Format) (Cycle, error) {
	switch f {
	case model.FormatIBeacon:
		return r.iBeacon()
	case model.FormatManufacturer:
		id := codec.ExperimentalCompanyID
		if r.ManufacturerID != "" {
			v, err := ParseUint16Hex(ParseHexInput(r.ManufacturerID, 4))
			if err != nil {
				return Cycle{}, err
			}
			id = v
		}
		tempID, err := r.tempID()
		if err != nil {
			return Cycle{}, err
		}
		return Cycle{Format: f, Packet: ManufacturerPacket(id, tempID), TempID: codec.Hex(tempID[:])}, nil
	case model.FormatEnSim:
		tempID, err := r.tempID()
		if err != nil {
			return Cycle{}, err
		}
		return Cycle{Format: f, Packet: EnSimPacket(tempID[:], r.Alt), TempID: codec.Hex(tempID[:])}, nil
	case model.FormatFolkGatt:
		tempID, err := r.tempID()
		if err != nil {
			return Cycle{}, err
		}
		name := r.LocalName
		if name == "" {
			name = DefaultLocalName
		}
		packet := GattServicePacket(name)
		packet.GattValue = codec.EncodeGattJSON(tempID)
		return Cycle{
			Format: f,
			Packet: packet,
			TempID: strings.ToUpper(uuid.UUID(tempID).String()),
		}, nil
	default:
		return Cycle{}, fmt.Errorf("cannot transmit %s", f)
	}
}

func (r Request) iBeacon() (Cycle, error) {
	proximity := codec.FolkBearsServiceUUID
	if r.UUID != "" {
		id, err := uuid.Parse(r.UUID)
		if err != nil {
			return Cycle{}, fmt.Errorf("invalid proximity uuid: %w", err)
		}
		proximity = id
	}

	major, minor := RandomMajorMinor()
	if r.Major != "" {
		v, err := ParseUint16Hex(r.Major)
		if err != nil {
			return Cycle{}, fmt.Errorf("major: %w", err)
		}
		major = v
	}
	if r.Minor != "" {
		v, err := ParseUint16Hex(r.Minor)
		if err != nil {
			return Cycle{}, fmt.Errorf("minor: %w", err)
		}
		minor = v
	}

	tx := codec.DefaultIBeaconTxPower
	if r.TxPower != nil {
		if *r.TxPower < -128 || *r.TxPower > 127 {
			return Cycle{}, fmt.Errorf("tx power %d out of range", *r.TxPower)
		}
		tx = int8(*r.TxPower)
	}

	return Cycle{Format: model.FormatIBeacon, Packet: IBeaconPacket(proximity, major, minor, tx)}, nil
}

func (r Request) tempID() ([codec.TempIDLen]byte, error) {
	if r.TempID == "" {
		return RandomTempID(), nil
	}
	return ParseTempID(r.TempID)
}
