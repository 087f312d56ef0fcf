package control

import (
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
)

// UHIDCreate registers a virtual HID device with the given report descriptor.
func (a *Adapter) UHIDCreate(id int16, reportDesc []byte) error {
	return a.Send(protocol.EncodeUhidCreate(id, reportDesc))
}

// UHIDInput sends one input report for a virtual device.
func (a *Adapter) UHIDInput(id int16, report []byte) error {
	return a.Send(protocol.EncodeUhidInput(id, report))
}

// UHIDDestroy removes a virtual device.
func (a *Adapter) UHIDDestroy(id int16) error {
	return a.Send(protocol.EncodeUhidDestroy(id))
}

// UHIDKeyboardInput sends a boot keyboard report: modifiers, a reserved byte
// and six scancodes.
func (a *Adapter) UHIDKeyboardInput(modifiers byte, scancodes [protocol.KeyboardMaxKeys]byte) error {
	report := make([]byte, protocol.KeyboardReportSize)
	report[0] = modifiers
	copy(report[2:], scancodes[:])
	return a.UHIDInput(protocol.UhidIDKeyboard, report)
}

// UHIDMouseInput sends a relative mouse report.
func (a *Adapter) UHIDMouseInput(buttons byte, dx, dy, wheel int8) error {
	report := []byte{buttons, byte(dx), byte(dy), byte(wheel)}
	return a.UHIDInput(protocol.UhidIDMouse, report)
}
