package control

import (
	"fmt"
	"slices"
	"sync"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
)

// Key names a keyboard key, e.g. "a", "enter" or "left_shift".
type Key string

// Modifier bits of the boot keyboard report.
const (
	ModLeftCtrl   byte = 0x01
	ModLeftShift  byte = 0x02
	ModLeftAlt    byte = 0x04
	ModLeftWin    byte = 0x08
	ModRightCtrl  byte = 0x10
	ModRightShift byte = 0x20
	ModRightAlt   byte = 0x40
	ModRightWin   byte = 0x80
)

var modifierBits = map[Key]byte{
	"left_ctrl":   ModLeftCtrl,
	"left_shift":  ModLeftShift,
	"left_alt":    ModLeftAlt,
	"left_win":    ModLeftWin,
	"right_ctrl":  ModRightCtrl,
	"right_shift": ModRightShift,
	"right_alt":   ModRightAlt,
	"right_win":   ModRightWin,
}

// HID usage ids, keyboard page.
var scancodes = map[Key]byte{
	"enter":         0x28,
	"escape":        0x29,
	"backspace":     0x2A,
	"tab":           0x2B,
	"space":         0x2C,
	"minus":         0x2D,
	"equal":         0x2E,
	"left_bracket":  0x2F,
	"right_bracket": 0x30,
	"backslash":     0x31,
	"semicolon":     0x33,
	"apostrophe":    0x34,
	"grave":         0x35,
	"comma":         0x36,
	"period":        0x37,
	"slash":         0x38,
	"caps_lock":     0x39,
	"print_screen":  0x46,
	"scroll_lock":   0x47,
	"pause":         0x48,
	"insert":        0x49,
	"home":          0x4A,
	"page_up":       0x4B,
	"delete":        0x4C,
	"end":           0x4D,
	"page_down":     0x4E,
	"right":         0x4F,
	"left":          0x50,
	"down":          0x51,
	"up":            0x52,
	"num_lock":      0x53,
	"kp_divide":     0x54,
	"kp_multiply":   0x55,
	"kp_minus":      0x56,
	"kp_plus":       0x57,
	"kp_enter":      0x58,
	"kp_period":     0x63,
	"menu":          0x65,
}

func init() {
	for i := range 26 {
		scancodes[Key(rune('a'+i))] = byte(0x04 + i)
	}
	for i := 1; i <= 9; i++ {
		scancodes[Key(rune('0'+i))] = byte(0x1E + i - 1)
		scancodes[Key(fmt.Sprintf("kp_%d", i))] = byte(0x59 + i - 1)
	}
	scancodes["0"] = 0x27
	scancodes["kp_0"] = 0x62
	for i := 1; i <= 12; i++ {
		scancodes[Key(fmt.Sprintf("f%d", i))] = byte(0x3A + i - 1)
	}
}

// Scancode returns the HID usage of a non-modifier key.
func Scancode(key Key) (byte, bool) {
	code, ok := scancodes[key]
	return code, ok
}

// IsModifier reports whether key is one of the eight modifier keys.
func IsModifier(key Key) bool {
	_, ok := modifierBits[key]
	return ok
}

// KeyboardInput is what a KeyboardWatcher drives; *Adapter implements it.
type KeyboardInput interface {
	UHIDCreate(id int16, reportDesc []byte) error
	UHIDDestroy(id int16) error
	UHIDKeyboardInput(modifiers byte, scancodes [protocol.KeyboardMaxKeys]byte) error
}

// KeyboardWatcher turns key press and release events into boot keyboard
// reports for the virtual UHID keyboard.
type KeyboardWatcher struct {
	mu        sync.Mutex
	out       KeyboardInput
	modifiers byte
	held      []byte
}

func NewKeyboardWatcher(out KeyboardInput) *KeyboardWatcher {
	return &KeyboardWatcher{out: out, held: make([]byte, 0, protocol.KeyboardMaxKeys)}
}

// Create registers the virtual keyboard.
func (w *KeyboardWatcher) Create() error {
	return w.out.UHIDCreate(protocol.UhidIDKeyboard, protocol.KeyboardReportDesc)
}

// Destroy removes the virtual keyboard and forgets held keys.
func (w *KeyboardWatcher) Destroy() error {
	w.mu.Lock()
	w.modifiers = 0
	w.held = w.held[:0]
	w.mu.Unlock()
	return w.out.UHIDDestroy(protocol.UhidIDKeyboard)
}

// KeyPressed adds key to the held set and emits a report. Repeats of a held
// key, unknown keys and a seventh key are ignored.
func (w *KeyboardWatcher) KeyPressed(key Key) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if bit, ok := modifierBits[key]; ok {
		if w.modifiers&bit != 0 {
			return nil
		}
		w.modifiers |= bit
		return w.emit()
	}

	code, ok := scancodes[key]
	if !ok || slices.Contains(w.held, code) || len(w.held) >= protocol.KeyboardMaxKeys {
		return nil
	}
	w.held = append(w.held, code)
	return w.emit()
}

// KeyReleased removes key and always emits, so a lost event on the device
// side is corrected by the next release.
func (w *KeyboardWatcher) KeyReleased(key Key) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if bit, ok := modifierBits[key]; ok {
		w.modifiers &^= bit
	} else if code, ok := scancodes[key]; ok {
		if i := slices.Index(w.held, code); i >= 0 {
			w.held = slices.Delete(w.held, i, i+1)
		}
	}
	return w.emit()
}

// State returns the current modifier mask and padded scancodes.
func (w *KeyboardWatcher) State() (byte, [protocol.KeyboardMaxKeys]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.modifiers, w.padded()
}

func (w *KeyboardWatcher) padded() [protocol.KeyboardMaxKeys]byte {
	var keys [protocol.KeyboardMaxKeys]byte
	copy(keys[:], w.held)
	return keys
}

func (w *KeyboardWatcher) emit() error {
	return w.out.UHIDKeyboardInput(w.modifiers, w.padded())
}

// InjectKeycode injects an android key event.
func (a *Adapter) InjectKeycode(action uint8, keycode, repeat, metaState uint32) error {
	return a.Send(protocol.EncodeKeyEvent(protocol.KeyEvent{
		Action:    action,
		Keycode:   keycode,
		Repeat:    repeat,
		MetaState: metaState,
	}))
}

// InjectText types text on the device. The server accepts at most
// protocol.MaxInjectTextLength bytes per message.
func (a *Adapter) InjectText(text string) error {
	packet, err := protocol.EncodeText(text)
	if err != nil {
		return ErrTextTooLong
	}
	return a.Send(packet)
}
