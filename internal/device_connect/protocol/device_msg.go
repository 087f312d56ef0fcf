package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// Device message types (device -> client)
const (
	DeviceMsgTypeClipboard    = 0
	DeviceMsgTypeAckClipboard = 1
	DeviceMsgTypeUhidOutput   = 2
)

// DeviceMessage is one inbound message from the control socket.
type DeviceMessage struct {
	Type     uint8
	Text     string // DeviceMsgTypeClipboard
	Sequence uint64 // DeviceMsgTypeAckClipboard
	UhidID   uint16 // DeviceMsgTypeUhidOutput
	Data     []byte // DeviceMsgTypeUhidOutput
}

// ReadDeviceMessage reads one device message. A *ProtocolError means the
// message was dropped but the stream is still usable; any other error
// comes from the reader.
func ReadDeviceMessage(r io.Reader) (*DeviceMessage, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return nil, err
	}

	switch typ[0] {
	case DeviceMsgTypeClipboard:
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("read clipboard length: %w", err)
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxClipboardLength {
			if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
				return nil, fmt.Errorf("skip clipboard payload: %w", err)
			}
			return nil, &ProtocolError{Stream: StreamControl, Reason: fmt.Sprintf("clipboard too large: %d bytes", n)}
		}
		text := make([]byte, n)
		if _, err := io.ReadFull(r, text); err != nil {
			return nil, fmt.Errorf("read clipboard payload: %w", err)
		}
		if !utf8.Valid(text) {
			return nil, &ProtocolError{Stream: StreamControl, Reason: "clipboard is not valid utf-8"}
		}
		return &DeviceMessage{Type: DeviceMsgTypeClipboard, Text: string(text)}, nil

	case DeviceMsgTypeAckClipboard:
		var seq [8]byte
		if _, err := io.ReadFull(r, seq[:]); err != nil {
			return nil, fmt.Errorf("read clipboard ack: %w", err)
		}
		return &DeviceMessage{Type: DeviceMsgTypeAckClipboard, Sequence: binary.BigEndian.Uint64(seq[:])}, nil

	case DeviceMsgTypeUhidOutput:
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("read uhid output header: %w", err)
		}
		data := make([]byte, binary.BigEndian.Uint16(hdr[2:4]))
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read uhid output: %w", err)
		}
		return &DeviceMessage{Type: DeviceMsgTypeUhidOutput, UhidID: binary.BigEndian.Uint16(hdr[0:2]), Data: data}, nil
	}

	return nil, &ProtocolError{Stream: StreamControl, Reason: fmt.Sprintf("unknown device message type %d", typ[0])}
}

// EncodeClipboardMessage builds a device CLIPBOARD message. Used by fakes.
func EncodeClipboardMessage(text string) []byte {
	buf := make([]byte, 5+len(text))
	buf[0] = DeviceMsgTypeClipboard
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(text)))
	copy(buf[5:], text)
	return buf
}
