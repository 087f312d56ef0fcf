package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/video"
)

func startAdapter(t *testing.T, opts Options) (*Adapter, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	a := NewAdapter(opts)
	require.NoError(t, a.Start(context.Background(), device.NewConnection(client, protocol.StreamControl)))
	t.Cleanup(func() {
		a.Stop()
		server.Close()
	})
	return a, server
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

func TestTouchSequence(t *testing.T) {
	a, server := startAdapter(t, Options{})
	a.UpdateCoordinate(video.Coordinate{Width: 1080, Height: 2400})

	p := NewScalePointR(0.5, 0.5, video.RotationPortrait)
	p2 := NewScalePointR(0.25, 0.75, video.RotationPortrait)
	go func() {
		a.TouchScaled(protocol.TouchActionDown, p, 7)
		a.TouchScaled(protocol.TouchActionMove, p2, 7)
		a.TouchScaled(protocol.TouchActionRelease, p2, 7)
	}()

	tests := []struct {
		action   uint8
		x, y     int32
		pressure uint16
	}{
		{protocol.TouchActionDown, 540, 1200, 0xFFFF},
		{protocol.TouchActionMove, 270, 1799, 0xFFFF},
		{protocol.TouchActionRelease, 270, 1799, 0},
	}
	for _, tt := range tests {
		packet, err := protocol.DecodeTouch(readN(t, server, protocol.TouchMessageSize))
		require.NoError(t, err)
		assert.Equal(t, tt.action, packet.Action)
		assert.Equal(t, uint64(7), packet.TouchID)
		assert.Equal(t, tt.x, packet.X)
		assert.Equal(t, tt.y, packet.Y)
		assert.Equal(t, uint16(1080), packet.Width)
		assert.Equal(t, uint16(2400), packet.Height)
		assert.Equal(t, tt.pressure, packet.Pressure)
	}
}

func TestTouchScaledNeedsCoordinate(t *testing.T) {
	a, _ := startAdapter(t, Options{})
	err := a.TouchScaled(protocol.TouchActionDown, NewScalePointR(0.5, 0.5, video.RotationPortrait), 1)
	assert.ErrorIs(t, err, ErrNoCoordinate)

	a.UpdateCoordinate(video.Coordinate{Width: 1080, Height: 2400})
	err = a.TouchScaled(protocol.TouchActionDown, NewScalePointR(0.5, 0.5, video.RotationLandscape), 1)
	assert.ErrorIs(t, err, ErrNoCoordinate)
}

func TestSetScreenSize(t *testing.T) {
	a := NewAdapter(Options{})
	a.SetScreenSize(1080, 2400)
	assert.Equal(t, video.Coordinate{Width: 1080, Height: 2400}, a.Coordinate(video.RotationPortrait))
	assert.Equal(t, video.Coordinate{Width: 2400, Height: 1080}, a.Coordinate(video.RotationLandscape))

	a.UpdateCoordinate(video.Coordinate{Width: 2340, Height: 1080})
	assert.Equal(t, video.Coordinate{Width: 2340, Height: 1080}, a.Coordinate(video.RotationLandscape))
	assert.Equal(t, video.Coordinate{Width: 1080, Height: 2400}, a.Coordinate(video.RotationPortrait))
}

func TestDedup(t *testing.T) {
	move := func(x int32) []byte {
		return protocol.EncodeTouch(protocol.NewTouchPacket(protocol.TouchActionMove, 1, x, 10, 100, 200))
	}
	on := protocol.EncodeSetScreenPower(true)
	off := protocol.EncodeSetScreenPower(false)
	marker := protocol.EncodeSimple(protocol.ControlMsgTypeRotateDevice)

	tests := []struct {
		name   string
		policy DedupPolicy
		send   [][]byte
		want   [][]byte
	}{
		{"identical screen power collapses", DedupAll, [][]byte{on, on, off}, [][]byte{on, off}},
		{"identical moves collapse", DedupAll, [][]byte{move(1), move(1)}, [][]byte{move(1)}},
		{"different moves do not collapse", DedupAll, [][]byte{move(1), move(2)}, [][]byte{move(1), move(2)}},
		{"only adjacent packets collapse", DedupAll, [][]byte{on, off, on}, [][]byte{on, off, on}},
		{"idempotent keeps repeated moves", DedupIdempotent, [][]byte{move(1), move(1)}, [][]byte{move(1), move(1)}},
		{"idempotent collapses screen power", DedupIdempotent, [][]byte{off, off}, [][]byte{off}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, server := startAdapter(t, Options{Dedup: tt.policy})
			go func() {
				for _, p := range tt.send {
					a.Send(p)
				}
				a.Send(marker)
			}()

			want := bytes.Join(append(tt.want, marker), nil)
			assert.Equal(t, want, readN(t, server, len(want)))
		})
	}
}

func TestOrderPreserved(t *testing.T) {
	a, server := startAdapter(t, Options{})

	const n = 1000
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, n*protocol.TouchMessageSize)
		io.ReadFull(server, buf)
		got <- buf
	}()

	for i := range n {
		require.NoError(t, a.Touch(protocol.TouchActionMove, int32(i), 5, 1080, 2400, 3))
	}

	buf := <-got
	for i := range n {
		off := i * protocol.TouchMessageSize
		packet, err := protocol.DecodeTouch(buf[off : off+protocol.TouchMessageSize])
		require.NoError(t, err)
		require.Equal(t, int32(i), packet.X)
		require.Equal(t, uint64(3), packet.TouchID)
	}
}

func TestScreenOffOnStart(t *testing.T) {
	_, server := startAdapter(t, Options{ScreenOff: true})
	assert.Equal(t, []byte{protocol.ControlMsgTypeSetDisplayPower, protocol.ScreenPowerOff}, readN(t, server, 2))
}

func TestSocketFailureStopsAdapter(t *testing.T) {
	a, server := startAdapter(t, Options{})
	server.Close()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("adapter did not stop")
	}
	assert.False(t, a.IsRunning())
	assert.ErrorIs(t, a.SetScreen(true), ErrNotRunning)

	var terr *protocol.TransportError
	assert.True(t, errors.As(a.Err(), &terr))
}

func TestNotStarted(t *testing.T) {
	a := NewAdapter(Options{})
	assert.False(t, a.IsReady())
	assert.ErrorIs(t, a.SetScreen(true), ErrNotRunning)

	a.Stop()
	a.Stop()
	select {
	case <-a.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestStopIsNormalExit(t *testing.T) {
	a, _ := startAdapter(t, Options{})
	a.Stop()
	<-a.Done()
	assert.NoError(t, a.Err())
	assert.ErrorIs(t, a.SetScreen(false), ErrNotRunning)
}

type fakeClipboard struct {
	mu     sync.Mutex
	writes []string
}

func (c *fakeClipboard) ReadAll() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return "", nil
	}
	return c.writes[len(c.writes)-1], nil
}

func (c *fakeClipboard) WriteAll(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, text)
	return nil
}

func (c *fakeClipboard) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func TestClipboardReceiver(t *testing.T) {
	cb := &fakeClipboard{}
	a, server := startAdapter(t, Options{Clipboard: cb})

	var mu sync.Mutex
	var seen []string
	a.OnClipboard(func(text string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, text)
	})

	go func() {
		server.Write([]byte{0x7F})
		server.Write(protocol.EncodeClipboardMessage("hello"))
		server.Write(protocol.EncodeClipboardMessage("hello"))
		server.Write(protocol.EncodeClipboardMessage("world"))
	}()

	require.Eventually(t, func() bool { return len(cb.Writes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello", "world"}, cb.Writes())
	assert.True(t, a.IsRunning())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello", "world"}, seen)
}

func TestSetClipboard(t *testing.T) {
	a, server := startAdapter(t, Options{})
	go a.SetClipboard("hi", true)

	got := readN(t, server, 16)
	assert.Equal(t, byte(protocol.ControlMsgTypeSetClipboard), got[0])
	assert.Equal(t, byte(1), got[9])
	assert.Equal(t, "hi", string(got[14:]))

	assert.ErrorIs(t, a.SetClipboard(string(make([]byte, protocol.MaxClipboardLength+1)), false), ErrTextTooLong)
	assert.ErrorIs(t, a.InjectText(string(make([]byte, protocol.MaxInjectTextLength+1))), ErrTextTooLong)
}

func TestUHIDKeyboardInputWire(t *testing.T) {
	a, server := startAdapter(t, Options{})
	go a.UHIDKeyboardInput(ModLeftShift, [6]byte{0x04, 0x05})

	got := readN(t, server, 5+protocol.KeyboardReportSize)
	assert.Equal(t, []byte{
		protocol.ControlMsgTypeUhidInput, 0x00, 0x01, 0x00, 0x08,
		0x02, 0x00, 0x04, 0x05, 0, 0, 0, 0,
	}, got)
}

func TestParseDedupPolicy(t *testing.T) {
	p, err := ParseDedupPolicy("idempotent")
	require.NoError(t, err)
	assert.Equal(t, DedupIdempotent, p)

	p, err = ParseDedupPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DedupAll, p)

	_, err = ParseDedupPolicy("none")
	assert.Error(t, err)
}

func TestParseTouchAction(t *testing.T) {
	tests := map[string]uint8{
		"down":    protocol.TouchActionDown,
		"move":    protocol.TouchActionMove,
		"up":      protocol.TouchActionRelease,
		"release": protocol.TouchActionRelease,
	}
	for in, want := range tests {
		got, err := ParseTouchAction(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTouchAction("tap")
	assert.ErrorIs(t, err, ErrInvalidAction)
}
