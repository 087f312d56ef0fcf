package video

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
)

var (
	au1 = []byte{
		0, 0, 0, 1, 0x09, 0xF0, // AUD
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x21, 0xA0, // IDR, first slice
		0, 0, 0, 1, 0x65, 0x04, 0x22, 0x11, // IDR, second slice
	}
	au2 = []byte{
		0, 0, 0, 1, 0x09, 0xF0,
		0, 0, 0, 1, 0x41, 0x9A, 0x12, 0x34,
	}
	// completes the AUD of a third access unit, which completes au2
	au3Start = []byte{0, 0, 0, 1, 0x09, 0xF0, 0, 0, 0, 1}
)

func testStream() []byte {
	var s []byte
	s = append(s, au1...)
	s = append(s, au2...)
	s = append(s, au3Start...)
	return s
}

func videoHeader(codec uint32, w, h uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], codec)
	binary.BigEndian.PutUint32(buf[4:8], w)
	binary.BigEndian.PutUint32(buf[8:12], h)
	return buf
}

func TestCoordinateRotation(t *testing.T) {
	assert.Equal(t, RotationPortrait, Coordinate{Width: 1080, Height: 2400}.Rotation())
	assert.Equal(t, RotationLandscape, Coordinate{Width: 2400, Height: 1080}.Rotation())
	assert.Equal(t, RotationLandscape, Coordinate{Width: 1000, Height: 1000}.Rotation())
	assert.False(t, Coordinate{}.Valid())
}

func TestAccessUnitDecoderSplitsStream(t *testing.T) {
	tests := []struct {
		name  string
		chunk int
	}{
		{"whole", 1 << 20},
		{"byte by byte", 1},
		{"odd chunks", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewAccessUnitDecoder("h264")
			stream := testStream()

			var frames []*Frame
			for off := 0; off < len(stream); off += tt.chunk {
				end := min(off+tt.chunk, len(stream))
				out, err := d.Decode(stream[off:end])
				require.NoError(t, err)
				frames = append(frames, out...)
			}

			require.Len(t, frames, 2)
			assert.Equal(t, au1, frames[0].Data)
			assert.True(t, frames[0].KeyFrame)
			assert.Equal(t, au2, frames[1].Data)
			assert.False(t, frames[1].KeyFrame)
		})
	}
}

func TestAccessUnitDecoderPacket(t *testing.T) {
	d := NewAccessUnitDecoder("h264")

	frames, err := d.DecodePacket(&protocol.Packet{Data: []byte{0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80}, IsConfig: true})
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = d.DecodePacket(&protocol.Packet{Data: []byte{0, 0, 0, 1, 0x65, 0x88, 0x84}, PTS: 33, IsKeyFrame: true})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(33), frames[0].PTS)
	assert.True(t, frames[0].KeyFrame)
	// the cached PPS is prepended to the key frame
	assert.Equal(t, []byte{0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80, 0, 0, 0, 1, 0x65, 0x88, 0x84}, frames[0].Data)
}

func TestPassthroughDecoder(t *testing.T) {
	frames, err := PassthroughDecoder{}.Decode([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3}, frames[0].Data)
}

func TestServerArgs(t *testing.T) {
	args := Options{Codec: "h265", FrameMeta: true, MaxSize: 1920, MaxFPS: 30}.ServerArgs()
	assert.Contains(t, args, "video_codec=h265")
	assert.Contains(t, args, "send_frame_meta=true")
	assert.Contains(t, args, "max_size=1920")
	assert.Contains(t, args, "max_fps=30")
	assert.Contains(t, Options{}.ServerArgs(), "video_codec=h264")
}

func TestNegotiationMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go server.Write(videoHeader(protocol.CodecIDH265, 1080, 2400))

	a := NewAdapter(Options{Codec: "h264"})
	err := a.Start(context.Background(), device.NewConnection(client, protocol.StreamVideo))

	var nerr *protocol.NegotiationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "h264", nerr.Expected)
	assert.Equal(t, "h265", nerr.Got)
	assert.False(t, a.IsReady())
	assert.False(t, a.IsRunning())
	assert.Nil(t, a.GetFrame())
	assert.Equal(t, err, a.Err())

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("adapter not done after failed negotiation")
	}
}

func TestNegotiationDisabledStream(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go server.Write([]byte{0, 0, 0, 0})

	a := NewAdapter(Options{Codec: "h264"})
	err := a.Start(context.Background(), device.NewConnection(client, protocol.StreamVideo))

	var nerr *protocol.NegotiationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "disabled", nerr.Got)
	assert.False(t, a.IsReady())
}

func TestStreamingKeepsNewestFrame(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		server.Write(videoHeader(protocol.CodecIDH264, 1080, 2400))
		server.Write(testStream())
	}()

	a := NewAdapter(Options{Codec: "h264"})
	require.NoError(t, a.Start(context.Background(), device.NewConnection(client, protocol.StreamVideo)))
	defer a.Stop()

	assert.True(t, a.IsReady())
	assert.Equal(t, Coordinate{Width: 1080, Height: 2400}, a.Coordinate())

	require.Eventually(t, func() bool { return a.FrameN() == 2 }, time.Second, 5*time.Millisecond)
	f := a.GetFrame()
	require.NotNil(t, f)
	assert.Equal(t, uint64(2), f.N)
	assert.Equal(t, au2, f.Data)
	assert.Equal(t, 1080, f.Width)
	assert.Equal(t, 2400, f.Height)

	// no new data: the same frame is returned again
	assert.Same(t, f, a.GetFrame())
}

// sizeDecoder turns "WxH" payloads into frames of that size.
type sizeDecoder struct{}

func (sizeDecoder) Decode(chunk []byte) ([]*Frame, error) {
	var w, h int
	if _, err := fmt.Sscanf(string(chunk), "%dx%d", &w, &h); err != nil {
		return nil, err
	}
	return []*Frame{{Data: chunk, Width: w, Height: h}}, nil
}

func TestSizeChangeCallbacks(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	var mu sync.Mutex
	var sizes []Coordinate
	a := NewAdapter(Options{Codec: "h264", FrameMeta: true, Decoder: sizeDecoder{}})
	a.OnSizeChange(func(c Coordinate) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, c)
	})

	go func() {
		server.Write(videoHeader(protocol.CodecIDH264, 1080, 2400))
		for _, payload := range []string{"1080x2400", "garbage", "1080x2400", "2400x1080"} {
			protocol.WritePacket(server, &protocol.Packet{Data: []byte(payload)})
		}
	}()

	require.NoError(t, a.Start(context.Background(), device.NewConnection(client, protocol.StreamVideo)))
	defer a.Stop()

	require.Eventually(t, func() bool { return a.FrameN() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, RotationLandscape, a.Coordinate().Rotation())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Coordinate{{Width: 1080, Height: 2400}, {Width: 2400, Height: 1080}}, sizes)
}

func TestSocketErrorStopsLoop(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		server.Write(videoHeader(protocol.CodecIDH264, 720, 1280))
		server.Close()
	}()

	a := NewAdapter(Options{Codec: "h264"})
	require.NoError(t, a.Start(context.Background(), device.NewConnection(client, protocol.StreamVideo)))

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on socket close")
	}
	assert.False(t, a.IsRunning())
	assert.False(t, a.IsReady())

	var terr *protocol.TransportError
	assert.True(t, errors.As(a.Err(), &terr))
}

func TestStopIsNormalExit(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go server.Write(videoHeader(protocol.CodecIDH264, 720, 1280))

	ctx, cancel := context.WithCancel(context.Background())
	a := NewAdapter(Options{Codec: "h264"})
	require.NoError(t, a.Start(ctx, device.NewConnection(client, protocol.StreamVideo)))

	cancel()
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
	assert.NoError(t, a.Err())
	a.Stop()
}

func TestCancelDuringHeader(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errc := make(chan error, 1)
	a := NewAdapter(Options{Codec: "h264"})
	go func() { errc <- a.Start(ctx, device.NewConnection(client, protocol.StreamVideo)) }()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("start still waiting for the header after cancel")
	}
	assert.False(t, a.IsReady())
}

func TestSubscribeReceivesFrames(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	a := NewAdapter(Options{Codec: "h264"})
	frames := a.Subscribe("test", 8)

	go func() {
		server.Write(videoHeader(protocol.CodecIDH264, 1080, 2400))
		server.Write(testStream())
	}()
	require.NoError(t, a.Start(context.Background(), device.NewConnection(client, protocol.StreamVideo)))
	defer a.Stop()

	first := <-frames
	second := <-frames
	assert.Equal(t, uint64(1), first.N)
	assert.Equal(t, uint64(2), second.N)
}
