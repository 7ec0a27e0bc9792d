package codec

import (
	"fmt"

	"folkbears/go-beacon-monitor/internal/model"
)

// DecodeFunc tries one raw advertisement for a single format.
type DecodeFunc func(raw model.RawAdvertisement, now int64) (model.Sighting, bool)

// Options parameterise the decoders returned by NewDecoder.
type Options struct {
	// ManufacturerID selects the manufacturer data block for FormatManufacturer.
	ManufacturerID uint16
	// ManufacturerFilter is applied to that block before decoding.
	ManufacturerFilter ManufacturerFilter
}

// NewDecoder returns the decoder for format f.
func NewDecoder(f model.Format, opts Options) (DecodeFunc, error) {
	switch f {
	case model.FormatIBeacon:
		return func(raw model.RawAdvertisement, now int64) (model.Sighting, bool) {
			s, ok := DecodeIBeacon(raw.ManufacturerData, raw.RSSI, now)
			if !ok {
				return nil, false
			}
			s.Address = raw.Address
			return s, true
		}, nil
	case model.FormatFolkGatt:
		return func(raw model.RawAdvertisement, now int64) (model.Sighting, bool) {
			s, ok := DecodeFolkGatt(raw, now)
			if !ok {
				return nil, false
			}
			return s, true
		}, nil
	case model.FormatEnSim:
		return func(raw model.RawAdvertisement, now int64) (model.Sighting, bool) {
			s, ok := DecodeEnSim(raw.ServiceUUIDs, raw.ServiceData, raw.RSSI, raw.TxPowerHint, raw.Address, now)
			if !ok {
				return nil, false
			}
			return s, true
		}, nil
	case model.FormatManufacturer:
		id := opts.ManufacturerID
		filter := opts.ManufacturerFilter
		return func(raw model.RawAdvertisement, now int64) (model.Sighting, bool) {
			if !filter.Match(raw.ManufacturerData[id]) {
				return nil, false
			}
			tx := TxPowerNotPresent
			if raw.TxPowerHint != nil {
				tx = *raw.TxPowerHint
			}
			s, ok := DecodeManufacturer(raw.ManufacturerData, id, raw.RSSI, tx, raw.Address, now)
			if !ok {
				return nil, false
			}
			return s, true
		}, nil
	default:
		return nil, fmt.Errorf("no decoder for %s", f)
	}
}
