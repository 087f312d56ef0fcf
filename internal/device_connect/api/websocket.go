package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/control"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local automation clients only
	},
}

// message is one inbound websocket request. Fields are used per type.
type message struct {
	Type    string  `json:"type"`
	Action  string  `json:"action,omitempty"`
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	R       int     `json:"r,omitempty"`
	ID      uint64  `json:"id,omitempty"`
	Key     string  `json:"key,omitempty"`
	Down    bool    `json:"down,omitempty"`
	On      bool    `json:"on,omitempty"`
	Text    string  `json:"text,omitempty"`
	Paste   bool    `json:"paste,omitempty"`
	HScroll float64 `json:"hscroll,omitempty"`
	VScroll float64 `json:"vscroll,omitempty"`
	Muted   bool    `json:"muted,omitempty"`
	Seq     int     `json:"seq,omitempty"`

	// mouse and gamepad
	DX     int    `json:"dx,omitempty"`
	DY     int    `json:"dy,omitempty"`
	Wheel  int    `json:"wheel,omitempty"`
	Button string `json:"button,omitempty"`
	Pad    string `json:"pad,omitempty"`
	Axis   string `json:"axis,omitempty"`
	Value  int16  `json:"value,omitempty"`
	Hat    string `json:"hat,omitempty"`

	// stream names "video" or "audio" for a stream message
	Stream string `json:"stream,omitempty"`
}

// event is one outbound websocket message.
type event struct {
	Type  string `json:"type"`
	Seq   int    `json:"seq,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
	Text  string `json:"text,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := util.GetLogger()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket", "error", err)
		return
	}
	c := &client{conn: conn, subs: make(map[string]string)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.unsubscribeAll(c)
		conn.Close()
	}()

	logger.Debug("WebSocket connection established", "remote", r.RemoteAddr)
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket read error", "error", err)
			}
			return
		}

		if err := s.dispatch(c, &msg); err != nil {
			ev := event{Type: "error", Seq: msg.Seq, Error: err.Error()}
			var cerr *control.ControlError
			if errors.As(err, &cerr) {
				ev.Code = cerr.Code
			}
			c.send(ev)
			continue
		}
		c.send(event{Type: "ack", Seq: msg.Seq})
	}
}

var (
	errNoControl = &control.ControlError{Code: "NO_CONTROL", Message: "session has no control stream"}
	errNoAudio   = &control.ControlError{Code: "NO_AUDIO", Message: "session has no audio stream"}
)

func (s *Server) dispatch(c *client, msg *message) error {
	switch msg.Type {
	case "mute":
		a := s.target.Audio()
		if a == nil {
			return errNoAudio
		}
		a.SetMute(msg.Muted)
		return nil
	case "stream":
		if msg.On {
			return s.subscribe(c, msg.Stream)
		}
		s.unsubscribe(c, msg.Stream)
		return nil
	}

	ctl := s.target.Control()
	if ctl == nil {
		return errNoControl
	}
	return s.dispatchControl(ctl, msg)
}

func (s *Server) dispatchControl(c *control.Adapter, msg *message) error {
	switch msg.Type {
	case "touch":
		action, err := control.ParseTouchAction(msg.Action)
		if err != nil {
			return err
		}
		return c.TouchScaled(action, control.NewScalePointR(msg.X, msg.Y, msg.R), msg.ID)
	case "key":
		kb, err := s.keyboardWatcher(c)
		if err != nil {
			return err
		}
		if msg.Down {
			return kb.KeyPressed(control.Key(msg.Key))
		}
		return kb.KeyReleased(control.Key(msg.Key))
	case "mouse":
		return s.dispatchMouse(c, msg)
	case "gamepad":
		return s.dispatchGamepad(c, msg)
	case "text":
		return c.InjectText(msg.Text)
	case "scroll":
		return c.Scroll(control.NewScalePointR(msg.X, msg.Y, msg.R), msg.HScroll, msg.VScroll)
	case "screen":
		return c.SetScreen(msg.On)
	case "clipboard":
		return c.SetClipboard(msg.Text, msg.Paste)
	case "back":
		if err := c.BackOrScreenOn(protocol.KeyActionDown); err != nil {
			return err
		}
		return c.BackOrScreenOn(protocol.KeyActionUp)
	case "rotate":
		return c.RotateDevice()
	case "notifications":
		return c.ExpandNotifications()
	case "settings":
		return c.ExpandSettings()
	case "collapse":
		return c.CollapsePanels()
	}
	return &control.ControlError{Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown message type %q", msg.Type)}
}

// dispatchMouse drives the virtual relative mouse: action "move" (dx, dy),
// "wheel" or "button" (button, down).
func (s *Server) dispatchMouse(c *control.Adapter, msg *message) error {
	m, err := s.mouseWatcher(c)
	if err != nil {
		return err
	}
	switch msg.Action {
	case "move":
		return m.Move(msg.DX, msg.DY)
	case "wheel":
		return m.Wheel(msg.Wheel)
	case "button":
		button, err := control.ParseMouseButton(msg.Button)
		if err != nil {
			return err
		}
		return m.Button(button, msg.Down)
	}
	return control.ErrInvalidAction
}

// dispatchGamepad attaches, detaches and updates virtual gamepads keyed by
// the client chosen pad name. Every update is flushed right away.
func (s *Server) dispatchGamepad(c *control.Adapter, msg *message) error {
	g := s.gamepadWatcher(c)
	var err error
	switch msg.Action {
	case "attach":
		_, err = g.Attach(msg.Pad)
		return err
	case "detach":
		return g.Detach(msg.Pad)
	case "button":
		var button control.GamepadButton
		if button, err = control.ParseGamepadButton(msg.Button); err != nil {
			return err
		}
		err = g.Button(msg.Pad, button, msg.Down)
	case "axis":
		var axis control.GamepadAxis
		if axis, err = control.ParseGamepadAxis(msg.Axis); err != nil {
			return err
		}
		err = g.Axis(msg.Pad, axis, msg.Value)
	case "hat":
		var dir byte
		if dir, err = control.ParseHat(msg.Hat); err != nil {
			return err
		}
		err = g.Hat(msg.Pad, dir)
	default:
		return control.ErrInvalidAction
	}
	if err != nil {
		return err
	}
	return g.UpdateStatus()
}
