package control

import (
	"errors"

	"github.com/atotto/clipboard"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// Clipboard is a local clipboard the device clipboard is mirrored into.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

// SystemClipboard is the OS clipboard.
type SystemClipboard struct{}

func (SystemClipboard) ReadAll() (string, error) {
	return clipboard.ReadAll()
}

func (SystemClipboard) WriteAll(text string) error {
	return clipboard.WriteAll(text)
}

// SetClipboard sets the device clipboard, optionally pasting it into the
// focused field.
func (a *Adapter) SetClipboard(text string, paste bool) error {
	packet, err := protocol.EncodeSetClipboard(text, paste)
	if err != nil {
		return ErrTextTooLong
	}
	// the device echoes the change back when autosync is on
	a.clipMu.Lock()
	a.lastClipboard = text
	a.clipMu.Unlock()
	return a.Send(packet)
}

// GetClipboard asks the device for its clipboard, optionally pressing copy
// or cut first. The answer arrives through OnClipboard.
func (a *Adapter) GetClipboard(copyKey uint8) error {
	return a.Send(protocol.EncodeGetClipboard(copyKey))
}

// OnClipboard registers fn for every clipboard text received from the device.
func (a *Adapter) OnClipboard(fn func(text string)) {
	a.clipMu.Lock()
	defer a.clipMu.Unlock()
	a.clipFuncs = append(a.clipFuncs, fn)
}

func (a *Adapter) receiveLoop() {
	logger := util.GetLogger()
	logger.Debug("Control receiver started")
	defer logger.Debug("Control receiver stopped")

	for a.running.Load() {
		msg, err := protocol.ReadDeviceMessage(a.conn)
		if err != nil {
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				logger.Warn("Discarding device message", "error", perr)
				continue
			}
			a.fail(&protocol.TransportError{Stream: protocol.StreamControl, Op: "recv", Err: err})
			return
		}

		switch msg.Type {
		case protocol.DeviceMsgTypeClipboard:
			a.mirrorClipboard(msg.Text)
		case protocol.DeviceMsgTypeAckClipboard:
			logger.Debug("Clipboard acknowledged", "sequence", msg.Sequence)
		case protocol.DeviceMsgTypeUhidOutput:
			logger.Debug("UHID output", "id", msg.UhidID, "size", len(msg.Data))
		}
	}
}

func (a *Adapter) mirrorClipboard(text string) {
	a.clipMu.Lock()
	if text == a.lastClipboard {
		a.clipMu.Unlock()
		return
	}
	a.lastClipboard = text
	funcs := append([]func(string){}, a.clipFuncs...)
	a.clipMu.Unlock()

	if a.opts.Clipboard != nil {
		if err := a.opts.Clipboard.WriteAll(text); err != nil {
			util.GetLogger().Warn("Failed to write local clipboard", "error", err)
		}
	}
	for _, fn := range funcs {
		fn(text)
	}
}
