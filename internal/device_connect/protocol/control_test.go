package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		action  uint8
		touchID uint64
		x, y    int32
		w, h    uint16
	}{
		{"down", TouchActionDown, 1, 540, 1200, 1080, 2400},
		{"move", TouchActionMove, 0xFFFFFFFFFFFFFFFE, 0, 0, 1, 1},
		{"release", TouchActionRelease, 42, 1919, 1079, 1920, 1080},
		{"negative", TouchActionMove, 7, -3, -8, 720, 1280},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := EncodeTouch(NewTouchPacket(tt.action, tt.touchID, tt.x, tt.y, tt.w, tt.h))
			require.Len(t, buf, TouchMessageSize)

			got, err := DecodeTouch(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.touchID, got.TouchID)
			assert.Equal(t, tt.x, got.X)
			assert.Equal(t, tt.y, got.Y)
			assert.Equal(t, tt.w, got.Width)
			assert.Equal(t, tt.h, got.Height)
			assert.Equal(t, uint32(1), got.ActionButton)
			assert.Equal(t, uint32(1), got.Buttons)
		})
	}
}

func TestTouchPressure(t *testing.T) {
	assert.Equal(t, uint16(0xFFFF), NewTouchPacket(TouchActionDown, 1, 0, 0, 1, 1).Pressure)
	assert.Equal(t, uint16(0xFFFF), NewTouchPacket(TouchActionMove, 1, 0, 0, 1, 1).Pressure)
	assert.Equal(t, uint16(0), NewTouchPacket(TouchActionRelease, 1, 0, 0, 1, 1).Pressure)
}

func TestTouchLayout(t *testing.T) {
	buf := EncodeTouch(NewTouchPacket(TouchActionDown, 0x0102030405060708, 0x10, 0x20, 0x30, 0x40))
	want := []byte{
		2, 0,
		1, 2, 3, 4, 5, 6, 7, 8,
		0, 0, 0, 0x10,
		0, 0, 0, 0x20,
		0, 0x30,
		0, 0x40,
		0xFF, 0xFF,
		0, 0, 0, 1,
		0, 0, 0, 1,
	}
	assert.Equal(t, want, buf)
}

func TestDecodeTouchRejects(t *testing.T) {
	_, err := DecodeTouch(make([]byte, 10))
	assert.Error(t, err)

	buf := EncodeTouch(NewTouchPacket(TouchActionDown, 1, 1, 1, 1, 1))
	buf[0] = ControlMsgTypeInjectScrollEvent
	_, err = DecodeTouch(buf)
	assert.Error(t, err)
}

func TestSetClipboard(t *testing.T) {
	buf, err := EncodeSetClipboard("héllo", true)
	require.NoError(t, err)

	assert.Equal(t, byte(ControlMsgTypeSetClipboard), buf[0])
	assert.Equal(t, uint64(0), binary.BigEndian.Uint64(buf[1:9]))
	assert.Equal(t, byte(1), buf[9])
	assert.Equal(t, uint32(len("héllo")), binary.BigEndian.Uint32(buf[10:14]))
	assert.Equal(t, "héllo", string(buf[14:]))

	buf, err = EncodeSetClipboard("", false)
	require.NoError(t, err)
	assert.Len(t, buf, 14)
	assert.Equal(t, byte(0), buf[9])
}

func TestScreenPower(t *testing.T) {
	assert.Equal(t, []byte{10, 1}, EncodeSetScreenPower(true))
	assert.Equal(t, []byte{10, 0}, EncodeSetScreenPower(false))
}

func TestUhidMessages(t *testing.T) {
	create := EncodeUhidCreate(UhidIDKeyboard, KeyboardReportDesc)
	assert.Equal(t, byte(ControlMsgTypeUhidCreate), create[0])
	assert.Equal(t, uint16(UhidIDKeyboard), binary.BigEndian.Uint16(create[1:3]))
	assert.Equal(t, uint16(len(KeyboardReportDesc)), binary.BigEndian.Uint16(create[3:5]))
	assert.True(t, bytes.Equal(KeyboardReportDesc, create[5:]))

	report := []byte{0x02, 0, 4, 0, 0, 0, 0, 0}
	input := EncodeUhidInput(UhidIDKeyboard, report)
	assert.Equal(t, []byte{13, 0, 1, 0, 8}, input[:5])
	assert.Equal(t, report, input[5:])

	assert.Equal(t, []byte{14, 0, 3}, EncodeUhidDestroy(UhidIDGamepadFirst))
}

func TestInjectText(t *testing.T) {
	buf, err := EncodeText("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 3, 'a', 'b', 'c'}, buf)

	_, err = EncodeText(string(make([]byte, MaxInjectTextLength+1)))
	assert.Error(t, err)
}

func TestKeyEvent(t *testing.T) {
	buf := EncodeKeyEvent(KeyEvent{Action: KeyActionUp, Keycode: 66, Repeat: 2, MetaState: 0x41})
	assert.Equal(t, []byte{0, 1, 0, 0, 0, 66, 0, 0, 0, 2, 0, 0, 0, 0x41}, buf)
}

func TestScrollFixedPoint(t *testing.T) {
	tests := []struct {
		name   string
		scroll float64
		want   int16
	}{
		{"zero", 0, 0},
		{"full down", -16, -0x8000},
		{"full up clamps", 16, 0x7fff},
		{"beyond range", 100, 0x7fff},
		{"half", 8, 0x4000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := EncodeScrollEvent(ScrollEvent{X: 1, Y: 2, Width: 3, Height: 4, VScroll: tt.scroll})
			require.Len(t, buf, 21)
			assert.Equal(t, tt.want, int16(binary.BigEndian.Uint16(buf[15:17])))
		})
	}
}

func TestReportDescriptorSizes(t *testing.T) {
	// Sum of report size * count over every input item must match the report length.
	assert.Equal(t, KeyboardReportSize*8, inputBits(KeyboardReportDesc))
	assert.Equal(t, MouseReportSize*8, inputBits(MouseReportDesc))
	assert.Equal(t, GamepadReportSize*8, inputBits(GamepadReportDesc))
}

func inputBits(desc []byte) int {
	var size, count, total int
	for i := 0; i < len(desc); {
		prefix := desc[i]
		n := int(prefix & 0x03)
		if n == 3 {
			n = 4
		}
		var v int
		for j := 0; j < n; j++ {
			v |= int(desc[i+1+j]) << (8 * j)
		}
		switch prefix & 0xFC {
		case 0x74:
			size = v
		case 0x94:
			count = v
		case 0x80:
			total += size * count
		}
		i += 1 + n
	}
	return total
}
