package control

import (
	"sync"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
)

// Mouse button bits of the relative mouse report.
const (
	MouseButtonLeft    byte = 0x01
	MouseButtonRight   byte = 0x02
	MouseButtonMiddle  byte = 0x04
	MouseButtonBack    byte = 0x08
	MouseButtonForward byte = 0x10
)

var mouseButtons = map[string]byte{
	"left":    MouseButtonLeft,
	"right":   MouseButtonRight,
	"middle":  MouseButtonMiddle,
	"back":    MouseButtonBack,
	"forward": MouseButtonForward,
}

// ParseMouseButton maps a button name to its report bit.
func ParseMouseButton(name string) (byte, error) {
	if b, ok := mouseButtons[name]; ok {
		return b, nil
	}
	return 0, ErrInvalidAction
}

// MouseInput is what a MouseWatcher drives; *Adapter implements it.
type MouseInput interface {
	UHIDCreate(id int16, reportDesc []byte) error
	UHIDDestroy(id int16) error
	UHIDMouseInput(buttons byte, dx, dy, wheel int8) error
}

// MouseWatcher tracks button state for the virtual relative mouse.
type MouseWatcher struct {
	mu      sync.Mutex
	out     MouseInput
	buttons byte
}

func NewMouseWatcher(out MouseInput) *MouseWatcher {
	return &MouseWatcher{out: out}
}

func (w *MouseWatcher) Create() error {
	return w.out.UHIDCreate(protocol.UhidIDMouse, protocol.MouseReportDesc)
}

func (w *MouseWatcher) Destroy() error {
	w.mu.Lock()
	w.buttons = 0
	w.mu.Unlock()
	return w.out.UHIDDestroy(protocol.UhidIDMouse)
}

// Move reports relative motion. Deltas outside the int8 range are clamped.
func (w *MouseWatcher) Move(dx, dy int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.UHIDMouseInput(w.buttons, clampInt8(dx), clampInt8(dy), 0)
}

// Wheel reports vertical wheel motion.
func (w *MouseWatcher) Wheel(amount int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.UHIDMouseInput(w.buttons, 0, 0, clampInt8(amount))
}

// Button presses or releases one or more button bits.
func (w *MouseWatcher) Button(button byte, pressed bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pressed {
		w.buttons |= button
	} else {
		w.buttons &^= button
	}
	return w.out.UHIDMouseInput(w.buttons, 0, 0, 0)
}

// the report descriptor declares a logical range of -127..127
func clampInt8(v int) int8 {
	return int8(max(-127, min(127, v)))
}
