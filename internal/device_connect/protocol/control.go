package protocol

import (
	"encoding/binary"
	"fmt"
)

// Control message types (client -> device)
const (
	ControlMsgTypeInjectKeycode           = 0
	ControlMsgTypeInjectText              = 1
	ControlMsgTypeInjectTouchEvent        = 2
	ControlMsgTypeInjectScrollEvent       = 3
	ControlMsgTypeBackOrScreenOn          = 4
	ControlMsgTypeExpandNotificationPanel = 5
	ControlMsgTypeExpandSettingsPanel     = 6
	ControlMsgTypeCollapsePanels          = 7
	ControlMsgTypeGetClipboard            = 8
	ControlMsgTypeSetClipboard            = 9
	ControlMsgTypeSetDisplayPower         = 10
	ControlMsgTypeRotateDevice            = 11
	ControlMsgTypeUhidCreate              = 12
	ControlMsgTypeUhidInput               = 13
	ControlMsgTypeUhidDestroy             = 14
)

// Touch actions, as android MotionEvent
const (
	TouchActionDown = 0
	TouchActionUp   = 1
	TouchActionMove = 2

	TouchActionRelease = TouchActionUp
)

// Key actions, as android KeyEvent
const (
	KeyActionDown = 0
	KeyActionUp   = 1
)

// Screen power modes
const (
	ScreenPowerOff = 0
	ScreenPowerOn  = 1
)

// Clipboard copy keys for GET_CLIPBOARD
const (
	CopyKeyNone = 0
	CopyKeyCopy = 1
	CopyKeyCut  = 2
)

const (
	TouchMessageSize = 32
	// MaxInjectTextLength is the server side limit for INJECT_TEXT payloads.
	MaxInjectTextLength = 300
	// MaxClipboardLength is the server side limit for clipboard payloads.
	MaxClipboardLength = 1 << 18
)

// TouchPacket is the decoded form of an INJECT_TOUCH_EVENT message.
type TouchPacket struct {
	Action       uint8
	TouchID      uint64
	X            int32
	Y            int32
	Width        uint16
	Height       uint16
	Pressure     uint16
	ActionButton uint32
	Buttons      uint32
}

// NewTouchPacket fills in the fixed fields: full pressure except on release,
// primary action button and buttons.
func NewTouchPacket(action uint8, touchID uint64, x, y int32, width, height uint16) TouchPacket {
	pressure := uint16(0xFFFF)
	if action == TouchActionRelease {
		pressure = 0
	}
	return TouchPacket{
		Action:       action,
		TouchID:      touchID,
		X:            x,
		Y:            y,
		Width:        width,
		Height:       height,
		Pressure:     pressure,
		ActionButton: 1,
		Buttons:      1,
	}
}

// EncodeTouch encodes a touch packet, message type included.
func EncodeTouch(t TouchPacket) []byte {
	buf := make([]byte, TouchMessageSize)
	buf[0] = ControlMsgTypeInjectTouchEvent
	buf[1] = t.Action
	binary.BigEndian.PutUint64(buf[2:10], t.TouchID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(t.X))
	binary.BigEndian.PutUint32(buf[14:18], uint32(t.Y))
	binary.BigEndian.PutUint16(buf[18:20], t.Width)
	binary.BigEndian.PutUint16(buf[20:22], t.Height)
	binary.BigEndian.PutUint16(buf[22:24], t.Pressure)
	binary.BigEndian.PutUint32(buf[24:28], t.ActionButton)
	binary.BigEndian.PutUint32(buf[28:32], t.Buttons)
	return buf
}

// DecodeTouch parses a buffer produced by EncodeTouch.
func DecodeTouch(buf []byte) (TouchPacket, error) {
	if len(buf) != TouchMessageSize {
		return TouchPacket{}, fmt.Errorf("touch message must be %d bytes, got %d", TouchMessageSize, len(buf))
	}
	if buf[0] != ControlMsgTypeInjectTouchEvent {
		return TouchPacket{}, fmt.Errorf("not a touch message: type %d", buf[0])
	}
	return TouchPacket{
		Action:       buf[1],
		TouchID:      binary.BigEndian.Uint64(buf[2:10]),
		X:            int32(binary.BigEndian.Uint32(buf[10:14])),
		Y:            int32(binary.BigEndian.Uint32(buf[14:18])),
		Width:        binary.BigEndian.Uint16(buf[18:20]),
		Height:       binary.BigEndian.Uint16(buf[20:22]),
		Pressure:     binary.BigEndian.Uint16(buf[22:24]),
		ActionButton: binary.BigEndian.Uint32(buf[24:28]),
		Buttons:      binary.BigEndian.Uint32(buf[28:32]),
	}, nil
}

// KeyEvent represents a keyboard event
type KeyEvent struct {
	Action    uint8
	Keycode   uint32
	Repeat    uint32
	MetaState uint32
}

// EncodeKeyEvent encodes an INJECT_KEYCODE message.
func EncodeKeyEvent(event KeyEvent) []byte {
	buf := make([]byte, 14)
	buf[0] = ControlMsgTypeInjectKeycode
	buf[1] = event.Action
	binary.BigEndian.PutUint32(buf[2:6], event.Keycode)
	binary.BigEndian.PutUint32(buf[6:10], event.Repeat)
	binary.BigEndian.PutUint32(buf[10:14], event.MetaState)
	return buf
}

// EncodeText encodes an INJECT_TEXT message.
func EncodeText(text string) ([]byte, error) {
	if len(text) > MaxInjectTextLength {
		return nil, fmt.Errorf("text too long: %d bytes, max %d", len(text), MaxInjectTextLength)
	}
	buf := make([]byte, 5+len(text))
	buf[0] = ControlMsgTypeInjectText
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(text)))
	copy(buf[5:], text)
	return buf, nil
}

// ScrollEvent represents a scroll at a pixel position of a width x height frame.
type ScrollEvent struct {
	X       int32
	Y       int32
	Width   uint16
	Height  uint16
	HScroll float64
	VScroll float64
	Buttons uint32
}

// EncodeScrollEvent encodes an INJECT_SCROLL_EVENT message. Scroll amounts in
// [-16, 16] are normalized to [-1, 1] and sent as signed 16-bit fixed point.
func EncodeScrollEvent(event ScrollEvent) []byte {
	buf := make([]byte, 21)
	buf[0] = ControlMsgTypeInjectScrollEvent
	binary.BigEndian.PutUint32(buf[1:5], uint32(event.X))
	binary.BigEndian.PutUint32(buf[5:9], uint32(event.Y))
	binary.BigEndian.PutUint16(buf[9:11], event.Width)
	binary.BigEndian.PutUint16(buf[11:13], event.Height)
	binary.BigEndian.PutUint16(buf[13:15], uint16(floatToI16FP(event.HScroll/16)))
	binary.BigEndian.PutUint16(buf[15:17], uint16(floatToI16FP(event.VScroll/16)))
	binary.BigEndian.PutUint32(buf[17:21], event.Buttons)
	return buf
}

func floatToI16FP(f float64) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	i := int32(f * 32768)
	if i >= 0x7fff {
		i = 0x7fff
	}
	return int16(i)
}

// EncodeBackOrScreenOn encodes a BACK_OR_SCREEN_ON message.
func EncodeBackOrScreenOn(action uint8) []byte {
	return []byte{ControlMsgTypeBackOrScreenOn, action}
}

// EncodeSimple encodes the messages that carry no payload: expand/collapse
// panels and rotate.
func EncodeSimple(msgType byte) []byte {
	return []byte{msgType}
}

// EncodeGetClipboard encodes a GET_CLIPBOARD message.
func EncodeGetClipboard(copyKey uint8) []byte {
	return []byte{ControlMsgTypeGetClipboard, copyKey}
}

// EncodeSetClipboard encodes a SET_CLIPBOARD message with sequence 0.
func EncodeSetClipboard(text string, paste bool) ([]byte, error) {
	if len(text) > MaxClipboardLength {
		return nil, fmt.Errorf("clipboard text too long: %d bytes", len(text))
	}
	buf := make([]byte, 14+len(text))
	buf[0] = ControlMsgTypeSetClipboard
	binary.BigEndian.PutUint64(buf[1:9], 0)
	if paste {
		buf[9] = 1
	}
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(text)))
	copy(buf[14:], text)
	return buf, nil
}

// EncodeSetScreenPower encodes a SET_DISPLAY_POWER message.
func EncodeSetScreenPower(on bool) []byte {
	mode := byte(ScreenPowerOff)
	if on {
		mode = ScreenPowerOn
	}
	return []byte{ControlMsgTypeSetDisplayPower, mode}
}

// EncodeUhidCreate encodes a UHID_CREATE message.
func EncodeUhidCreate(id int16, reportDesc []byte) []byte {
	buf := make([]byte, 5+len(reportDesc))
	buf[0] = ControlMsgTypeUhidCreate
	binary.BigEndian.PutUint16(buf[1:3], uint16(id))
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(reportDesc)))
	copy(buf[5:], reportDesc)
	return buf
}

// EncodeUhidInput encodes a UHID_INPUT message.
func EncodeUhidInput(id int16, report []byte) []byte {
	buf := make([]byte, 5+len(report))
	buf[0] = ControlMsgTypeUhidInput
	binary.BigEndian.PutUint16(buf[1:3], uint16(id))
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(report)))
	copy(buf[5:], report)
	return buf
}

// EncodeUhidDestroy encodes a UHID_DESTROY message.
func EncodeUhidDestroy(id int16) []byte {
	buf := make([]byte, 3)
	buf[0] = ControlMsgTypeUhidDestroy
	binary.BigEndian.PutUint16(buf[1:3], uint16(id))
	return buf
}
