package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Control packet types (MQTT 3.1.1 section 2.2.1).
const (
	packetConnect     byte = 1
	packetConnAck     byte = 2
	packetPublish     byte = 3
	packetPubAck      byte = 4
	packetSubscribe   byte = 8
	packetSubAck      byte = 9
	packetUnsubscribe byte = 10
	packetUnsubAck    byte = 11
	packetPingReq     byte = 12
	packetPingResp    byte = 13
	packetDisconnect  byte = 14
)

const (
	connectFlagCleanSession = 1 << 1
	connectFlagWill         = 1 << 2
	connectFlagWillRetain   = 1 << 5
	connectFlagPassword     = 1 << 6
	connectFlagUsername     = 1 << 7

	subAckFailure = 0x80

	maxPacketSize = 1 << 20
)

var errMalformedLength = errors.New("malformed remaining length")

type connectPacket struct {
	clientID     string
	username     string
	keepAlive    uint16
	cleanSession bool
}

type publishPacket struct {
	topic    string
	payload  []byte
	qos      byte
	packetID uint16
}

type subscribePacket struct {
	packetID uint16
	filters  []string
	qos      []byte
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return connectPacket{}, fmt.Errorf("reserved connect flag set")
	}
	if flags&connectFlagWillRetain != 0 {
		return connectPacket{}, fmt.Errorf("retained will not supported")
	}

	var p connectPacket
	p.cleanSession = flags&connectFlagCleanSession != 0

	if p.keepAlive, err = rd.readUint16(); err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}
	if p.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}

	// Wills are accepted and discarded.
	if flags&connectFlagWill != 0 {
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read will topic: %w", err)
		}
		if _, err := rd.readBinary(); err != nil {
			return connectPacket{}, fmt.Errorf("read will message: %w", err)
		}
	}
	if flags&connectFlagUsername != 0 {
		if p.username, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&connectFlagPassword != 0 {
		if _, err := rd.readBinary(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}

	return p, nil
}

func parsePublish(header byte, payload []byte) (publishPacket, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return publishPacket{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return publishPacket{}, fmt.Errorf("read topic: %w", err)
	}
	if err := validTopicName(topic); err != nil {
		return publishPacket{}, err
	}

	p := publishPacket{topic: topic, qos: qos}
	if qos == 1 {
		if p.packetID, err = rd.readUint16(); err != nil {
			return publishPacket{}, fmt.Errorf("read packet id: %w", err)
		}
	}
	if rd.remaining() > 0 {
		p.payload = rd.readBytes(rd.remaining())
	}
	return p, nil
}

func parseSubscribe(payload []byte) (subscribePacket, error) {
	rd := bytesReader(payload)

	var p subscribePacket
	var err error
	if p.packetID, err = rd.readUint16(); err != nil {
		return subscribePacket{}, fmt.Errorf("read packet id: %w", err)
	}

	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return subscribePacket{}, fmt.Errorf("read topic filter: %w", err)
		}
		qos, err := rd.readByte()
		if err != nil {
			return subscribePacket{}, fmt.Errorf("read qos: %w", err)
		}
		p.filters = append(p.filters, filter)
		p.qos = append(p.qos, qos)
	}
	if len(p.filters) == 0 {
		return subscribePacket{}, fmt.Errorf("subscribe without topic filters")
	}
	return p, nil
}

func parseUnsubscribe(payload []byte) (uint16, []string, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var filters []string
	for rd.remaining() > 0 {
		f, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		filters = append(filters, f)
	}
	return packetID, filters, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + len(topic) + len(payload)
	packet := make([]byte, 0, 5+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, encodeRemainingLength(remaining)...)
	packet = appendString(packet, topic)
	packet = append(packet, payload...)
	return packet, nil
}

func buildConnAck(returnCode byte) []byte {
	return []byte{packetConnAck << 4, 0x02, 0x00, returnCode}
}

func buildAck(kind byte, packetID uint16) []byte {
	return []byte{kind << 4, 0x02, byte(packetID >> 8), byte(packetID)}
}

func buildSubAck(packetID uint16, codes []byte) []byte {
	remaining := 2 + len(codes)
	packet := make([]byte, 0, 5+remaining)
	packet = append(packet, packetSubAck<<4)
	packet = append(packet, encodeRemainingLength(remaining)...)
	packet = append(packet, byte(packetID>>8), byte(packetID))
	return append(packet, codes...)
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, byte(len(s)>>8), byte(len(s)))
	return append(dst, s...)
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readBinary() ([]byte, error) {
	l, err := b.readUint16()
	if err != nil {
		return nil, err
	}
	if len(*b) < int(l) {
		return nil, io.ErrUnexpectedEOF
	}
	return b.readBytes(int(l)), nil
}

func (b *bytesReader) readString() (string, error) {
	v, err := b.readBinary()
	return string(v), err
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}
