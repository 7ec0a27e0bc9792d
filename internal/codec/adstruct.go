package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"folkbears/go-beacon-monitor/internal/model"

	"github.com/google/uuid"
)

// AD structure types understood by ParseAdvertisingData.
const (
	adFlags              byte = 0x01
	adIncomplete16       byte = 0x02
	adComplete16         byte = 0x03
	adIncomplete32       byte = 0x04
	adComplete32         byte = 0x05
	adIncomplete128      byte = 0x06
	adComplete128        byte = 0x07
	adShortName          byte = 0x08
	adCompleteName       byte = 0x09
	adTxPower            byte = 0x0A
	adServiceData16      byte = 0x16
	adServiceData32      byte = 0x20
	adServiceData128     byte = 0x21
	adManufacturerData   byte = 0xFF
	flagsGeneralNoBREDR  byte = 0x06
	maxStructureDataSize      = 254
)

// ErrMalformedAD is returned for truncated or inconsistent AD structures.
var ErrMalformedAD = errors.New("malformed advertising data")

// ADFields holds the AD structures of one advertisement or scan response.
type ADFields struct {
	Flags            *byte
	LocalName        string
	TxPower          *int
	ManufacturerData map[uint16][]byte
	ServiceUUIDs     []uuid.UUID
	ServiceData      map[uuid.UUID][]byte
}

// ParseAdvertisingData walks the len|type|data structures of a raw advertising
// payload. Trailing zero padding is accepted; unknown types are skipped.
func ParseAdvertisingData(b []byte) (ADFields, error) {
	var fields ADFields
	rd := adReader(b)

	for rd.remaining() > 0 {
		length, _ := rd.readByte()
		if length == 0 {
			break
		}
		if rd.remaining() < int(length) {
			return ADFields{}, fmt.Errorf("%w: structure declares %d bytes, %d remain", ErrMalformedAD, length, rd.remaining())
		}

		body := adReader(rd.readBytes(int(length)))
		adType, _ := body.readByte()
		if err := fields.apply(adType, body); err != nil {
			return ADFields{}, fmt.Errorf("%w: type 0x%02X: %v", ErrMalformedAD, adType, err)
		}
	}

	return fields, nil
}

func (f *ADFields) apply(adType byte, data adReader) error {
	switch adType {
	case adFlags:
		if v, err := data.readByte(); err == nil {
			f.Flags = &v
		}
	case adIncomplete16, adComplete16:
		for data.remaining() > 0 {
			v, err := data.readUint16LE()
			if err != nil {
				return err
			}
			f.addService(ShortUUID(uint32(v)))
		}
	case adIncomplete32, adComplete32:
		for data.remaining() > 0 {
			v, err := data.readUint32LE()
			if err != nil {
				return err
			}
			f.addService(ShortUUID(v))
		}
	case adIncomplete128, adComplete128:
		for data.remaining() > 0 {
			id, err := data.readUUID128LE()
			if err != nil {
				return err
			}
			f.addService(id)
		}
	case adShortName:
		if f.LocalName == "" {
			f.LocalName = string(data)
		}
	case adCompleteName:
		f.LocalName = string(data)
	case adTxPower:
		v, err := data.readByte()
		if err != nil {
			return err
		}
		tx := int(int8(v))
		f.TxPower = &tx
	case adServiceData16:
		v, err := data.readUint16LE()
		if err != nil {
			return err
		}
		f.setServiceData(ShortUUID(uint32(v)), data)
	case adServiceData32:
		v, err := data.readUint32LE()
		if err != nil {
			return err
		}
		f.setServiceData(ShortUUID(v), data)
	case adServiceData128:
		id, err := data.readUUID128LE()
		if err != nil {
			return err
		}
		f.setServiceData(id, data)
	case adManufacturerData:
		company, err := data.readUint16LE()
		if err != nil {
			return err
		}
		if f.ManufacturerData == nil {
			f.ManufacturerData = make(map[uint16][]byte)
		}
		f.ManufacturerData[company] = data.readBytes(data.remaining())
	}
	return nil
}

func (f *ADFields) addService(id uuid.UUID) {
	if !containsUUID(f.ServiceUUIDs, id) {
		f.ServiceUUIDs = append(f.ServiceUUIDs, id)
	}
}

func (f *ADFields) setServiceData(id uuid.UUID, data adReader) {
	if f.ServiceData == nil {
		f.ServiceData = make(map[uuid.UUID][]byte)
	}
	f.ServiceData[id] = data.readBytes(data.remaining())
}

// Advertisement converts parsed fields into the event shape sessions consume.
// An advertised tx power level is used as the tx power hint.
func (f ADFields) Advertisement(scannerID, address string, rssi int, now int64) model.RawAdvertisement {
	return model.RawAdvertisement{
		ScannerID:        scannerID,
		Address:          address,
		RSSI:             rssi,
		TxPowerHint:      f.TxPower,
		LocalName:        f.LocalName,
		ManufacturerData: f.ManufacturerData,
		ServiceUUIDs:     f.ServiceUUIDs,
		ServiceData:      f.ServiceData,
		TimestampMs:      now,
	}
}

// BuildAdvertisingData serialises an outbound packet into AD structures.
// Output order is deterministic so identical packets yield identical bytes.
func BuildAdvertisingData(p model.AdvertisePacket) ([]byte, error) {
	var w adWriter
	w.add(adFlags, []byte{flagsGeneralNoBREDR})

	var short16, full []byte
	for _, id := range p.ServiceUUIDs {
		if v, ok := Short16(id); ok {
			short16 = append(short16, byte(v), byte(v>>8))
			continue
		}
		full = append(full, reverse(id[:])...)
	}
	if len(short16) > 0 {
		w.add(adComplete16, short16)
	}
	if len(full) > 0 {
		w.add(adComplete128, full)
	}

	serviceIDs := make([]uuid.UUID, 0, len(p.ServiceData))
	for id := range p.ServiceData {
		serviceIDs = append(serviceIDs, id)
	}
	slices.SortFunc(serviceIDs, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	for _, id := range serviceIDs {
		if v, ok := Short16(id); ok {
			w.add(adServiceData16, append([]byte{byte(v), byte(v >> 8)}, p.ServiceData[id]...))
			continue
		}
		w.add(adServiceData128, append(reverse(id[:]), p.ServiceData[id]...))
	}

	companies := make([]uint16, 0, len(p.ManufacturerData))
	for id := range p.ManufacturerData {
		companies = append(companies, id)
	}
	slices.Sort(companies)
	for _, id := range companies {
		w.add(adManufacturerData, append([]byte{byte(id), byte(id >> 8)}, p.ManufacturerData[id]...))
	}

	if p.IncludeTxPower {
		w.add(adTxPower, []byte{byte(p.TxPower)})
	}
	if p.LocalName != "" {
		w.add(adCompleteName, []byte(p.LocalName))
	}

	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

type adWriter struct {
	buf []byte
	err error
}

func (w *adWriter) add(adType byte, data []byte) {
	if w.err != nil {
		return
	}
	if len(data) > maxStructureDataSize {
		w.err = fmt.Errorf("%w: type 0x%02X carries %d bytes", ErrMalformedAD, adType, len(data))
		return
	}
	w.buf = append(w.buf, byte(len(data)+1), adType)
	w.buf = append(w.buf, data...)
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

type adReader []byte

func (b *adReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *adReader) readUint16LE() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*b)[0]) | uint16((*b)[1])<<8
	*b = (*b)[2:]
	return v, nil
}

func (b *adReader) readUint32LE() (uint32, error) {
	if len(*b) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint32((*b)[0]) | uint32((*b)[1])<<8 | uint32((*b)[2])<<16 | uint32((*b)[3])<<24
	*b = (*b)[4:]
	return v, nil
}

func (b *adReader) readUUID128LE() (uuid.UUID, error) {
	if len(*b) < 16 {
		return uuid.Nil, io.ErrUnexpectedEOF
	}
	var id uuid.UUID
	copy(id[:], reverse((*b)[:16]))
	*b = (*b)[16:]
	return id, nil
}

// readBytes copies n bytes so callers never alias the receive buffer.
func (b *adReader) readBytes(n int) []byte {
	if n > len(*b) {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b adReader) remaining() int {
	return len(b)
}
