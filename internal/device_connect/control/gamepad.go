package control

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/vishalkuo/bimap"
	"k8s.io/utils/keymutex"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// DefaultGamepadInterval is the flush period of GamepadWatcher.Run.
const DefaultGamepadInterval = 16 * time.Millisecond

// GamepadButton is a bit index of the 16-button field.
type GamepadButton uint8

const (
	ButtonA GamepadButton = iota
	ButtonB
	ButtonX
	ButtonY
	ButtonBack
	ButtonGuide
	ButtonStart
	ButtonLeftStick
	ButtonRightStick
	ButtonLeftShoulder
	ButtonRightShoulder
	ButtonMisc
	ButtonPaddle1
	ButtonPaddle2
	ButtonPaddle3
	ButtonPaddle4
)

// GamepadAxis indexes the six 16-bit axes of the report.
type GamepadAxis uint8

const (
	AxisLeftX GamepadAxis = iota
	AxisLeftY
	AxisRightX
	AxisRightY
	AxisLeftTrigger
	AxisRightTrigger

	axisCount
)

// Hat directions, clockwise from up.
const (
	HatUp byte = iota
	HatUpRight
	HatRight
	HatDownRight
	HatDown
	HatDownLeft
	HatLeft
	HatUpLeft
	HatCentered
)

var (
	gamepadButtons = map[string]GamepadButton{
		"a": ButtonA, "b": ButtonB, "x": ButtonX, "y": ButtonY,
		"back": ButtonBack, "guide": ButtonGuide, "start": ButtonStart,
		"left_stick": ButtonLeftStick, "right_stick": ButtonRightStick,
		"left_shoulder": ButtonLeftShoulder, "right_shoulder": ButtonRightShoulder,
		"misc": ButtonMisc,
		"paddle1": ButtonPaddle1, "paddle2": ButtonPaddle2, "paddle3": ButtonPaddle3, "paddle4": ButtonPaddle4,
	}
	gamepadAxes = map[string]GamepadAxis{
		"left_x": AxisLeftX, "left_y": AxisLeftY,
		"right_x": AxisRightX, "right_y": AxisRightY,
		"left_trigger": AxisLeftTrigger, "right_trigger": AxisRightTrigger,
	}
	hatDirections = map[string]byte{
		"up": HatUp, "up_right": HatUpRight, "right": HatRight, "down_right": HatDownRight,
		"down": HatDown, "down_left": HatDownLeft, "left": HatLeft, "up_left": HatUpLeft,
		"": HatCentered, "centered": HatCentered,
	}
)

func ParseGamepadButton(name string) (GamepadButton, error) {
	if b, ok := gamepadButtons[name]; ok {
		return b, nil
	}
	return 0, ErrInvalidAction
}

func ParseGamepadAxis(name string) (GamepadAxis, error) {
	if a, ok := gamepadAxes[name]; ok {
		return a, nil
	}
	return 0, ErrInvalidAction
}

// ParseHat maps a direction name to a hat value. An empty name centers it.
func ParseHat(name string) (byte, error) {
	if d, ok := hatDirections[name]; ok {
		return d, nil
	}
	return 0, ErrInvalidAction
}

// HatFromDpad folds four d-pad buttons into a hat direction.
func HatFromDpad(up, right, down, left bool) byte {
	switch {
	case up && right:
		return HatUpRight
	case right && down:
		return HatDownRight
	case down && left:
		return HatDownLeft
	case left && up:
		return HatUpLeft
	case up:
		return HatUp
	case right:
		return HatRight
	case down:
		return HatDown
	case left:
		return HatLeft
	}
	return HatCentered
}

type gamepadState struct {
	axes    [axisCount]uint16
	buttons uint16
	hat     byte
}

func newGamepadState() *gamepadState {
	s := &gamepadState{hat: HatCentered}
	// sticks rest at the middle of the unsigned range
	for _, axis := range []GamepadAxis{AxisLeftX, AxisLeftY, AxisRightX, AxisRightY} {
		s.axes[axis] = 0x8000
	}
	return s
}

func (s *gamepadState) report() []byte {
	report := make([]byte, protocol.GamepadReportSize)
	for i, v := range s.axes {
		binary.LittleEndian.PutUint16(report[i*2:], v)
	}
	binary.LittleEndian.PutUint16(report[12:14], s.buttons)
	report[14] = s.hat
	return report
}

// UHIDSender is the raw UHID surface; *Adapter implements it.
type UHIDSender interface {
	UHIDCreate(id int16, reportDesc []byte) error
	UHIDInput(id int16, report []byte) error
	UHIDDestroy(id int16) error
}

// GamepadWatcher maps physical gamepads to virtual UHID gamepads. Event
// handlers update a snapshot; UpdateStatus flushes every snapshot.
type GamepadWatcher struct {
	out UHIDSender

	mu     sync.Mutex
	ids    *bimap.BiMap[string, int16]
	states map[int16]*gamepadState

	// serializes snapshot updates per physical device
	locks keymutex.KeyMutex
}

func NewGamepadWatcher(out UHIDSender) *GamepadWatcher {
	return &GamepadWatcher{
		out:    out,
		ids:    bimap.NewBiMap[string, int16](),
		states: make(map[int16]*gamepadState),
		locks:  keymutex.NewHashed(0),
	}
}

// Attach creates a virtual gamepad for physID and returns its UHID id.
// Attaching an already attached device returns the existing id.
func (w *GamepadWatcher) Attach(physID string) (int16, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id, ok := w.ids.Get(physID); ok {
		return id, nil
	}
	id := int16(protocol.UhidIDGamepadFirst)
	for w.ids.ExistsInverse(id) {
		id++
	}

	if err := w.out.UHIDCreate(id, protocol.GamepadReportDesc); err != nil {
		return 0, err
	}
	w.ids.Insert(physID, id)
	w.states[id] = newGamepadState()
	util.GetLogger().Info("Gamepad attached", "device", physID, "uhid_id", id)
	return id, nil
}

// Detach destroys the virtual gamepad of physID and frees its id.
func (w *GamepadWatcher) Detach(physID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, ok := w.ids.Get(physID)
	if !ok {
		return ErrUnknownGamepad
	}
	w.ids.Delete(physID)
	delete(w.states, id)
	util.GetLogger().Info("Gamepad detached", "device", physID, "uhid_id", id)
	return w.out.UHIDDestroy(id)
}

// ID returns the UHID id assigned to physID.
func (w *GamepadWatcher) ID(physID string) (int16, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ids.Get(physID)
}

func (w *GamepadWatcher) update(physID string, fn func(s *gamepadState)) error {
	w.locks.LockKey(physID)
	defer w.locks.UnlockKey(physID)

	w.mu.Lock()
	id, ok := w.ids.Get(physID)
	s := w.states[id]
	w.mu.Unlock()
	if !ok || s == nil {
		return ErrUnknownGamepad
	}
	fn(s)
	return nil
}

// Button sets or clears one button.
func (w *GamepadWatcher) Button(physID string, button GamepadButton, pressed bool) error {
	return w.update(physID, func(s *gamepadState) {
		bit := uint16(1) << (button & 0x0F)
		if pressed {
			s.buttons |= bit
		} else {
			s.buttons &^= bit
		}
	})
}

// Axis sets a stick axis from a signed value, or a trigger from 0..32767.
func (w *GamepadWatcher) Axis(physID string, axis GamepadAxis, value int16) error {
	if axis >= axisCount {
		return ErrInvalidAction
	}
	return w.update(physID, func(s *gamepadState) {
		if axis == AxisLeftTrigger || axis == AxisRightTrigger {
			s.axes[axis] = uint16(int32(max(value, 0)) * 0xFFFF / 0x7FFF)
		} else {
			s.axes[axis] = uint16(int32(value) + 0x8000)
		}
	})
}

// Hat sets the hat direction; values above HatCentered center it.
func (w *GamepadWatcher) Hat(physID string, dir byte) error {
	return w.update(physID, func(s *gamepadState) {
		s.hat = min(dir, HatCentered)
	})
}

// UpdateStatus sends the current report of every attached gamepad.
func (w *GamepadWatcher) UpdateStatus() error {
	w.mu.Lock()
	ids := make([]int16, 0, len(w.states))
	for id := range w.states {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		report := w.snapshot(id)
		if report == nil {
			continue
		}
		if err := w.out.UHIDInput(id, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *GamepadWatcher) snapshot(id int16) []byte {
	w.mu.Lock()
	physID, ok := w.ids.GetInverse(id)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	w.locks.LockKey(physID)
	defer w.locks.UnlockKey(physID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if s := w.states[id]; s != nil {
		return s.report()
	}
	return nil
}

// Run calls UpdateStatus every interval until ctx is done or the control
// channel stops.
func (w *GamepadWatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultGamepadInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.UpdateStatus(); err != nil {
				if errors.Is(err, ErrNotRunning) {
					return err
				}
				util.GetLogger().Debug("Gamepad flush failed", "error", err)
			}
		}
	}
}
