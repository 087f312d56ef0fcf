package control

import (
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
)

// Error definitions
var (
	ErrNotRunning     = &ControlError{Code: "NOT_RUNNING", Message: "control channel is not running"}
	ErrTextTooLong    = &ControlError{Code: "TEXT_TOO_LONG", Message: "text exceeds the server limit"}
	ErrNoCoordinate   = &ControlError{Code: "NO_COORDINATE", Message: "frame size for this rotation is unknown"}
	ErrInvalidAction  = &ControlError{Code: "INVALID_ACTION", Message: "invalid action type"}
	ErrUnknownGamepad = &ControlError{Code: "UNKNOWN_GAMEPAD", Message: "gamepad is not attached"}
)

// ControlError represents a control-related error
type ControlError struct {
	Code    string
	Message string
}

func (e *ControlError) Error() string {
	return e.Message
}

// ParseTouchAction maps "down", "move" and "up"/"release" to wire actions.
func ParseTouchAction(action string) (uint8, error) {
	switch action {
	case "down":
		return protocol.TouchActionDown, nil
	case "move":
		return protocol.TouchActionMove, nil
	case "up", "release":
		return protocol.TouchActionRelease, nil
	}
	return 0, ErrInvalidAction
}

// TouchScaled resolves p against the frame size tracked for its rotation and
// sends a touch event at the resulting pixel.
func (a *Adapter) TouchScaled(action uint8, p ScalePointR, touchID uint64) error {
	c := a.Coordinate(p.R)
	if !c.Valid() {
		return ErrNoCoordinate
	}
	x, y, err := p.ToPixel(c)
	if err != nil {
		return err
	}
	return a.Touch(action, x, y, c.Width, c.Height, touchID)
}

// Touch sends a touch event at an explicit pixel of a width x height frame.
func (a *Adapter) Touch(action uint8, x, y int32, width, height int, touchID uint64) error {
	packet := protocol.NewTouchPacket(action, touchID, x, y, uint16(width), uint16(height))
	return a.Send(protocol.EncodeTouch(packet))
}
