package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/audio"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/control"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/pipeline"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/video"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// Binary websocket messages carry one stream payload after a one byte tag.
// Video adds a key frame flag and the big endian PTS before the data.
const (
	tagVideo byte = 0
	tagAudio byte = 1

	streamBufferSize = 16
)

// Target is the session the server drives. *session.Session implements it.
type Target interface {
	ID() string
	Serial() string
	IsVideoReady() bool
	IsAudioReady() bool
	IsControlReady() bool
	Control() *control.Adapter
	Audio() *audio.Adapter
	Video() *video.Adapter
}

// Server exposes one session over HTTP: /api/status and a /ws control socket.
type Server struct {
	addr   string
	target Target
	server *http.Server
	ln     net.Listener

	keyboardOnce sync.Once
	keyboard     *control.KeyboardWatcher
	keyboardErr  error

	mouseOnce sync.Once
	mouse     *control.MouseWatcher
	mouseErr  error

	gamepadOnce sync.Once
	gamepad     *control.GamepadWatcher

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer creates a server for target listening on addr.
func NewServer(addr string, target Target) *Server {
	s := &Server{
		addr:    addr,
		target:  target,
		clients: make(map[*client]struct{}),
	}
	if c := target.Control(); c != nil {
		c.OnClipboard(s.broadcastClipboard)
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	if s.server != nil {
		return fmt.Errorf("server already running")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.GetLogger().Error("API server error", "error", err)
		}
	}()
	util.GetLogger().Info("API server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every websocket client.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	err := s.server.Shutdown(ctx)
	s.server = nil
	util.GetLogger().Info("API server stopped")
	return err
}

type status struct {
	Session string `json:"session"`
	Device  string `json:"device"`
	Video   bool   `json:"video"`
	Audio   bool   `json:"audio"`
	Control bool   `json:"control"`
	Muted   bool   `json:"muted"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := status{
		Session: s.target.ID(),
		Device:  s.target.Serial(),
		Video:   s.target.IsVideoReady(),
		Audio:   s.target.IsAudioReady(),
		Control: s.target.IsControlReady(),
	}
	if a := s.target.Audio(); a != nil {
		st.Muted = a.IsMuted()
	}
	respondJSON(w, http.StatusOK, st)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.GetLogger().Error("Failed to encode JSON response", "error", err)
	}
}

// keyboardWatcher creates the virtual keyboard on first use.
func (s *Server) keyboardWatcher(c *control.Adapter) (*control.KeyboardWatcher, error) {
	s.keyboardOnce.Do(func() {
		w := control.NewKeyboardWatcher(c)
		if err := w.Create(); err != nil {
			s.keyboardErr = err
			return
		}
		s.keyboard = w
	})
	return s.keyboard, s.keyboardErr
}

func (s *Server) mouseWatcher(c *control.Adapter) (*control.MouseWatcher, error) {
	s.mouseOnce.Do(func() {
		w := control.NewMouseWatcher(c)
		if err := w.Create(); err != nil {
			s.mouseErr = err
			return
		}
		s.mouse = w
	})
	return s.mouse, s.mouseErr
}

func (s *Server) gamepadWatcher(c *control.Adapter) *control.GamepadWatcher {
	s.gamepadOnce.Do(func() {
		s.gamepad = control.NewGamepadWatcher(c)
	})
	return s.gamepad
}

// subscribe forwards a decoded stream to c as binary messages until c
// unsubscribes, disconnects or falls behind.
func (s *Server) subscribe(c *client, stream string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[stream]; ok {
		return nil
	}

	id := pipeline.NewSubscriberID()
	switch stream {
	case "video":
		v := s.target.Video()
		if v == nil {
			return &control.ControlError{Code: "NO_VIDEO", Message: "session has no video stream"}
		}
		go forward(c, stream, id, v.Subscribe(id, streamBufferSize), encodeFrame)
	case "audio":
		a := s.target.Audio()
		if a == nil {
			return errNoAudio
		}
		go forward(c, stream, id, a.Subscribe(id, streamBufferSize), encodeSamples)
	default:
		return &control.ControlError{Code: "UNKNOWN_STREAM", Message: fmt.Sprintf("unknown stream %q", stream)}
	}
	c.subs[stream] = id
	util.GetLogger().Debug("WebSocket client subscribed", "stream", stream, "id", id)
	return nil
}

func (s *Server) unsubscribe(c *client, stream string) {
	c.subMu.Lock()
	id, ok := c.subs[stream]
	delete(c.subs, stream)
	c.subMu.Unlock()
	if !ok {
		return
	}

	switch stream {
	case "video":
		if v := s.target.Video(); v != nil {
			v.Unsubscribe(id)
		}
	case "audio":
		if a := s.target.Audio(); a != nil {
			a.Unsubscribe(id)
		}
	}
}

func (s *Server) unsubscribeAll(c *client) {
	for _, stream := range []string{"video", "audio"} {
		s.unsubscribe(c, stream)
	}
}

func forward[T any](c *client, stream, id string, ch <-chan T, encode func(T) []byte) {
	for v := range ch {
		c.sendBinary(encode(v))
	}
	// dropped or closed by the broadcaster: allow a fresh subscribe
	c.subMu.Lock()
	if c.subs[stream] == id {
		delete(c.subs, stream)
	}
	c.subMu.Unlock()
}

func encodeFrame(f *video.Frame) []byte {
	buf := make([]byte, 10, 10+len(f.Data))
	buf[0] = tagVideo
	if f.KeyFrame {
		buf[1] = 1
	}
	binary.BigEndian.PutUint64(buf[2:10], f.PTS)
	return append(buf, f.Data...)
}

func encodeSamples(smp audio.Samples) []byte {
	return append([]byte{tagAudio}, smp.Data...)
}

func (s *Server) broadcastClipboard(text string) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.send(event{Type: "clipboard", Text: text})
	}
}

// client serializes writes to one websocket.
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn

	subMu sync.Mutex
	// stream name to broadcaster subscriber id
	subs map[string]string
}

func (c *client) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		util.GetLogger().Debug("WebSocket write failed", "error", err)
	}
}

func (c *client) sendBinary(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		util.GetLogger().Debug("WebSocket write failed", "error", err)
	}
}
