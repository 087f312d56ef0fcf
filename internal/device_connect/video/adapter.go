package video

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/pipeline"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// DefaultBufferSize is the Recv size of the streaming loop.
const DefaultBufferSize = 0x10000

// Options configures a VideoAdapter and the server's video arguments.
type Options struct {
	Codec      string // "h264", "h265" or "av1"
	BufferSize int
	// FrameMeta makes the server prefix every packet with a 12-byte header.
	FrameMeta bool
	// Decoder defaults to NewDecoder(Codec).
	Decoder Decoder

	MaxSize      int
	BitRate      int
	MaxFPS       int
	Encoder      string
	CodecOptions string
}

func (o Options) codec() string {
	if o.Codec == "" {
		return "h264"
	}
	return o.Codec
}

// ServerArgs renders the server arguments this adapter depends on.
func (o Options) ServerArgs() []string {
	args := []string{
		"video=true",
		"video_codec=" + o.codec(),
		"send_frame_meta=" + strconv.FormatBool(o.FrameMeta),
	}
	if o.MaxSize > 0 {
		args = append(args, fmt.Sprintf("max_size=%d", o.MaxSize))
	}
	if o.BitRate > 0 {
		args = append(args, fmt.Sprintf("video_bit_rate=%d", o.BitRate))
	}
	if o.MaxFPS > 0 {
		args = append(args, fmt.Sprintf("max_fps=%d", o.MaxFPS))
	}
	if o.Encoder != "" {
		args = append(args, "video_encoder="+o.Encoder)
	}
	if o.CodecOptions != "" {
		args = append(args, "video_codec_options="+o.CodecOptions)
	}
	return args
}

// Adapter reads the video socket and keeps the newest decoded frame.
type Adapter struct {
	opts    Options
	decoder Decoder

	conn    *device.Connection
	running atomic.Bool
	ready   atomic.Bool

	frame  atomic.Pointer[Frame]
	frameN atomic.Uint64
	header atomic.Pointer[Coordinate]

	mu        sync.Mutex
	sizeFuncs []func(Coordinate)
	lastSize  Coordinate
	err       error
	done      chan struct{}
	stopOnce  sync.Once
	frames    *pipeline.Broadcaster[*Frame]
}

// NewAdapter creates a stopped adapter.
func NewAdapter(opts Options) *Adapter {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = NewDecoder(opts.codec())
	}
	return &Adapter{
		opts:    opts,
		decoder: decoder,
		done:    make(chan struct{}),
		frames:  pipeline.NewBroadcaster[*Frame]("video"),
	}
}

// Options returns the adapter's configuration.
func (a *Adapter) Options() Options {
	return a.opts
}

// Start negotiates the stream on conn and starts the decode loop. A codec
// mismatch returns a *protocol.NegotiationError and leaves the adapter not ready.
func (a *Adapter) Start(ctx context.Context, conn *device.Connection) error {
	logger := util.GetLogger()
	a.conn = conn

	// cancelling ctx closes the socket, also while the header is pending
	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.done:
		}
	}()

	hdr, err := protocol.ReadVideoHeader(conn)
	if err != nil {
		return a.fail(&protocol.TransportError{Stream: protocol.StreamVideo, Op: "negotiate", Err: err})
	}
	// the caller may have bounded the header read
	_ = conn.SetReadDeadline(time.Time{})

	want, ok := protocol.CodecIDFromName(a.opts.codec())
	if !ok || hdr.CodecID != want {
		return a.fail(&protocol.NegotiationError{
			Stream:   protocol.StreamVideo,
			Expected: a.opts.codec(),
			Got:      protocol.CodecName(hdr.CodecID),
		})
	}

	size := Coordinate{Width: int(hdr.Width), Height: int(hdr.Height)}
	a.header.Store(&size)
	logger.Info("Video stream negotiated", "codec", a.opts.codec(), "width", size.Width, "height", size.Height)

	a.running.Store(true)
	a.ready.Store(true)
	a.notifySize(size)

	go a.run()
	return nil
}

func (a *Adapter) fail(err error) error {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	util.GetLogger().Error("Video negotiation failed", "error", err)
	if a.conn != nil {
		a.conn.Disconnect()
	}
	a.stopOnce.Do(func() { close(a.done) })
	return err
}

func (a *Adapter) run() {
	logger := util.GetLogger()
	logger.Debug("Video loop started")
	defer func() {
		a.running.Store(false)
		a.ready.Store(false)
		a.frames.Close()
		a.stopOnce.Do(func() { close(a.done) })
		logger.Debug("Video loop stopped", "frames", a.frameN.Load())
	}()

	packetDecoder, _ := a.decoder.(PacketDecoder)
	for a.running.Load() {
		var (
			frames []*Frame
			err    error
		)
		if a.opts.FrameMeta {
			var packet *protocol.Packet
			packet, err = protocol.ReadPacket(a.conn, protocol.MaxVideoPacketSize)
			if err != nil {
				a.endWith(err)
				return
			}
			if packetDecoder != nil {
				frames, err = packetDecoder.DecodePacket(packet)
			} else {
				frames, err = a.decoder.Decode(packet.Data)
				for _, f := range frames {
					f.PTS, f.KeyFrame = packet.PTS, packet.IsKeyFrame
				}
			}
		} else {
			var chunk []byte
			chunk, err = a.conn.Recv(a.opts.BufferSize)
			if err != nil {
				a.endWith(err)
				return
			}
			frames, err = a.decoder.Decode(chunk)
		}
		if err != nil {
			logger.Debug("Skipping undecodable video data", "error", err)
		}
		for _, f := range frames {
			a.publish(f)
		}
	}
}

// endWith records a socket error unless the adapter was stopped on purpose.
func (a *Adapter) endWith(err error) {
	if !a.running.Load() {
		return
	}
	var terr *protocol.TransportError
	if !errors.As(err, &terr) {
		err = &protocol.TransportError{Stream: protocol.StreamVideo, Op: "recv", Err: err}
	}
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	util.GetLogger().Warn("Video stream ended", "error", err)
}

func (a *Adapter) publish(f *Frame) {
	if f.Width == 0 || f.Height == 0 {
		if h := a.header.Load(); h != nil {
			f.Width, f.Height = h.Width, h.Height
		}
	}
	f.N = a.frameN.Add(1)
	a.frame.Store(f)
	if f.KeyFrame {
		a.frames.SetInit(f)
	}
	a.frames.Broadcast(f)
	a.notifySize(f.Coordinate())
}

func (a *Adapter) notifySize(size Coordinate) {
	a.mu.Lock()
	if size == a.lastSize || !size.Valid() {
		a.mu.Unlock()
		return
	}
	a.lastSize = size
	funcs := append([]func(Coordinate){}, a.sizeFuncs...)
	a.mu.Unlock()

	util.GetLogger().Debug("Video size changed", "width", size.Width, "height", size.Height)
	for _, fn := range funcs {
		fn(size)
	}
}

// OnSizeChange registers fn to be called whenever the frame shape changes,
// including once right after negotiation.
func (a *Adapter) OnSizeChange(fn func(Coordinate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizeFuncs = append(a.sizeFuncs, fn)
}

// GetFrame returns the newest frame, or nil before the first one. It never blocks.
func (a *Adapter) GetFrame() *Frame {
	return a.frame.Load()
}

// FrameN returns the number of frames decoded so far.
func (a *Adapter) FrameN() uint64 {
	return a.frameN.Load()
}

// Coordinate is the shape of the last frame, or of the stream header before
// the first frame.
func (a *Adapter) Coordinate() Coordinate {
	if f := a.frame.Load(); f != nil {
		return f.Coordinate()
	}
	if h := a.header.Load(); h != nil {
		return *h
	}
	return Coordinate{}
}

// Subscribe returns a channel of decoded frames. A subscriber that falls
// behind is dropped and its channel closed.
func (a *Adapter) Subscribe(id string, bufferSize int) <-chan *Frame {
	return a.frames.Subscribe(id, bufferSize)
}

// Unsubscribe removes a subscriber.
func (a *Adapter) Unsubscribe(id string) {
	a.frames.Unsubscribe(id)
}

// IsRunning reports whether the decode loop is alive.
func (a *Adapter) IsRunning() bool {
	return a.running.Load()
}

// IsReady reports whether negotiation succeeded and the stream is still up.
func (a *Adapter) IsReady() bool {
	return a.ready.Load()
}

// Err returns the error that stopped or prevented the stream, if any.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed once the adapter has stopped.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Stop ends the loop by closing the socket. Safe to call more than once.
func (a *Adapter) Stop() {
	wasRunning := a.running.Swap(false)
	a.ready.Store(false)
	if a.conn != nil {
		a.conn.Disconnect()
	}
	if !wasRunning {
		a.stopOnce.Do(func() { close(a.done) })
	}
}
