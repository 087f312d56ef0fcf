package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/audio"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/control"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/video"
)

type fakeTarget struct {
	control *control.Adapter
	audio   *audio.Adapter
	// device end of the audio socket
	audioDev net.Conn
}

func (t *fakeTarget) ID() string                { return "session-1" }
func (t *fakeTarget) Serial() string            { return "emulator-5554" }
func (t *fakeTarget) IsVideoReady() bool        { return false }
func (t *fakeTarget) IsAudioReady() bool        { return false }
func (t *fakeTarget) IsControlReady() bool      { return t.control != nil && t.control.IsReady() }
func (t *fakeTarget) Control() *control.Adapter { return t.control }
func (t *fakeTarget) Audio() *audio.Adapter     { return t.audio }
func (t *fakeTarget) Video() *video.Adapter     { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *fakeTarget, net.Conn) {
	t.Helper()
	client, remote := net.Pipe()
	c := control.NewAdapter(control.Options{})
	require.NoError(t, c.Start(context.Background(), device.NewConnection(client, protocol.StreamControl)))
	c.SetScreenSize(1000, 2000)

	audioClient, audioRemote := net.Pipe()
	a := audio.NewAdapter(audio.Options{Codec: "raw"})
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, protocol.CodecIDRAW)
	go audioRemote.Write(header)
	require.NoError(t, a.Start(context.Background(), device.NewConnection(audioClient, protocol.StreamAudio)))

	target := &fakeTarget{control: c, audio: a, audioDev: audioRemote}
	srv := httptest.NewServer(NewServer("", target).Handler())
	t.Cleanup(func() {
		srv.Close()
		c.Stop()
		a.Stop()
		remote.Close()
		audioRemote.Close()
	})
	return srv, target, remote
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, msg map[string]any) event {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
	var ev event
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestStatus(t *testing.T) {
	srv, target, _ := newTestServer(t)
	target.audio.SetMute(true)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, status{Session: "session-1", Device: "emulator-5554", Control: true, Muted: true}, st)
}

func TestTouchMessage(t *testing.T) {
	srv, _, dev := newTestServer(t)
	ws := dial(t, srv)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, protocol.TouchMessageSize)
		io.ReadFull(dev, buf)
		got <- buf
	}()

	ev := roundTrip(t, ws, map[string]any{"type": "touch", "action": "down", "x": 0.5, "y": 1.0, "r": video.RotationPortrait, "id": 4, "seq": 9})
	assert.Equal(t, event{Type: "ack", Seq: 9}, ev)

	packet, err := protocol.DecodeTouch(<-got)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.TouchActionDown), packet.Action)
	assert.Equal(t, uint64(4), packet.TouchID)
	assert.Equal(t, int32(500), packet.X)
	assert.Equal(t, int32(1999), packet.Y)
}

func TestErrorMessages(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ws := dial(t, srv)

	tests := []struct {
		msg  map[string]any
		code string
	}{
		{map[string]any{"type": "touch", "action": "tap"}, "INVALID_ACTION"},
		{map[string]any{"type": "warp"}, "UNKNOWN_TYPE"},
		{map[string]any{"type": "text", "text": strings.Repeat("x", protocol.MaxInjectTextLength+1)}, "TEXT_TOO_LONG"},
		{map[string]any{"type": "gamepad", "action": "button", "pad": "pad-9", "button": "a", "down": true}, "UNKNOWN_GAMEPAD"},
		{map[string]any{"type": "gamepad", "action": "spin", "pad": "pad-9"}, "INVALID_ACTION"},
		{map[string]any{"type": "stream", "stream": "video", "on": true}, "NO_VIDEO"},
		{map[string]any{"type": "stream", "stream": "depth", "on": true}, "UNKNOWN_STREAM"},
	}
	for _, tt := range tests {
		ev := roundTrip(t, ws, tt.msg)
		assert.Equal(t, "error", ev.Type)
		assert.Equal(t, tt.code, ev.Code)
	}
}

func TestMuteMessage(t *testing.T) {
	srv, target, _ := newTestServer(t)
	ws := dial(t, srv)

	ev := roundTrip(t, ws, map[string]any{"type": "mute", "muted": true})
	assert.Equal(t, "ack", ev.Type)
	assert.True(t, target.audio.IsMuted())
}

func TestClipboardEvent(t *testing.T) {
	srv, _, dev := newTestServer(t)
	ws := dial(t, srv)

	// make sure the client is registered before the device talks
	go io.Copy(io.Discard, dev)
	require.Equal(t, "ack", roundTrip(t, ws, map[string]any{"type": "rotate"}).Type)

	go dev.Write(protocol.EncodeClipboardMessage("copied"))

	var ev event
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, event{Type: "clipboard", Text: "copied"}, ev)
}

func readPacket(dev net.Conn, n int) <-chan []byte {
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, n)
		io.ReadFull(dev, buf)
		got <- buf
	}()
	return got
}

func TestMouseMessages(t *testing.T) {
	srv, _, dev := newTestServer(t)
	ws := dial(t, srv)

	want := bytes.Join([][]byte{
		protocol.EncodeUhidCreate(protocol.UhidIDMouse, protocol.MouseReportDesc),
		protocol.EncodeUhidInput(protocol.UhidIDMouse, []byte{control.MouseButtonLeft, 0, 0, 0}),
		protocol.EncodeUhidInput(protocol.UhidIDMouse, []byte{control.MouseButtonLeft, 5, 0xFD, 0}),
		protocol.EncodeUhidInput(protocol.UhidIDMouse, []byte{control.MouseButtonLeft, 0, 0, 0xFF}),
	}, nil)
	got := readPacket(dev, len(want))

	for _, msg := range []map[string]any{
		{"type": "mouse", "action": "button", "button": "left", "down": true},
		{"type": "mouse", "action": "move", "dx": 5, "dy": -3},
		{"type": "mouse", "action": "wheel", "wheel": -1},
	} {
		require.Equal(t, "ack", roundTrip(t, ws, msg).Type)
	}

	select {
	case packets := <-got:
		assert.Equal(t, want, packets)
	case <-time.After(time.Second):
		t.Fatal("mouse packets not sent")
	}

	ev := roundTrip(t, ws, map[string]any{"type": "mouse", "action": "button", "button": "thumb"})
	assert.Equal(t, "INVALID_ACTION", ev.Code)
}

func TestGamepadMessages(t *testing.T) {
	srv, _, dev := newTestServer(t)
	ws := dial(t, srv)

	id := int16(protocol.UhidIDGamepadFirst)
	create := protocol.EncodeUhidCreate(id, protocol.GamepadReportDesc)
	inputSize := len(protocol.EncodeUhidInput(id, make([]byte, protocol.GamepadReportSize)))
	got := readPacket(dev, len(create)+inputSize)

	require.Equal(t, "ack", roundTrip(t, ws, map[string]any{"type": "gamepad", "action": "attach", "pad": "pad-1"}).Type)
	require.Equal(t, "ack", roundTrip(t, ws, map[string]any{"type": "gamepad", "action": "button", "pad": "pad-1", "button": "b", "down": true}).Type)

	var packets []byte
	select {
	case packets = <-got:
	case <-time.After(time.Second):
		t.Fatal("gamepad packets not sent")
	}
	assert.Equal(t, create, packets[:len(create)])
	input := packets[len(create):]
	assert.Equal(t, byte(protocol.ControlMsgTypeUhidInput), input[0])
	assert.Equal(t, uint16(id), binary.BigEndian.Uint16(input[1:3]))
	report := input[5:]
	assert.Equal(t, uint16(1)<<control.ButtonB, binary.LittleEndian.Uint16(report[12:14]))
	assert.Equal(t, control.HatCentered, report[14])

	ev := roundTrip(t, ws, map[string]any{"type": "gamepad", "action": "hat", "pad": "pad-1", "hat": "north"})
	assert.Equal(t, "INVALID_ACTION", ev.Code)
}

func TestAudioStreamSubscription(t *testing.T) {
	srv, target, _ := newTestServer(t)
	ws := dial(t, srv)

	require.Equal(t, "ack", roundTrip(t, ws, map[string]any{"type": "stream", "stream": "audio", "on": true, "seq": 1}).Type)
	// a second subscribe keeps the first subscription
	require.Equal(t, "ack", roundTrip(t, ws, map[string]any{"type": "stream", "stream": "audio", "on": true, "seq": 2}).Type)

	go target.audioDev.Write([]byte("pcm"))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, append([]byte{tagAudio}, "pcm"...), data)

	require.Equal(t, "ack", roundTrip(t, ws, map[string]any{"type": "stream", "stream": "audio", "seq": 3}).Type)
}

func TestEncodeFrame(t *testing.T) {
	data := encodeFrame(&video.Frame{Data: []byte{0, 0, 0, 1, 0x65}, PTS: 0x0102, KeyFrame: true})
	assert.Equal(t, []byte{tagVideo, 1, 0, 0, 0, 0, 0, 0, 1, 2, 0, 0, 0, 1, 0x65}, data)
	assert.Equal(t, []byte{tagAudio, 7}, encodeSamples(audio.Samples{Data: []byte{7}}))
}
