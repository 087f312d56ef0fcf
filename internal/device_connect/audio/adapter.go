package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/pipeline"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// Recv sizes per codec.
var defaultChunkSizes = map[string]int{
	"raw":  4096,
	"opus": 1024,
	"flac": 2048,
	"aac":  1024,
}

// Options configures an AudioAdapter and the server's audio arguments.
type Options struct {
	Codec     string // "opus", "flac", "raw" or "aac"
	ChunkSize int
	// FrameMeta must match the server's send_frame_meta. In that mode the
	// FLAC header arrives as a config packet instead of a bare block.
	FrameMeta bool
	// Decoder defaults to RawDecoder, which for a compressed codec forwards
	// the encoded frames untouched.
	Decoder      Decoder
	SinkFactory  SinkFactory
	OutputDevice string
	Muted        bool

	BitRate int
	Source  string // "output" or "mic"
	Encoder string
}

func (o Options) codec() string {
	if o.Codec == "" {
		return "opus"
	}
	return o.Codec
}

// ServerArgs renders the server arguments this adapter depends on.
func (o Options) ServerArgs() []string {
	args := []string{
		"audio=true",
		"audio_codec=" + o.codec(),
	}
	if o.BitRate > 0 {
		args = append(args, fmt.Sprintf("audio_bit_rate=%d", o.BitRate))
	}
	if o.Source != "" {
		args = append(args, "audio_source="+o.Source)
	}
	if o.Encoder != "" {
		args = append(args, "audio_encoder="+o.Encoder)
	}
	return args
}

// Adapter reads the audio socket, decodes it and routes PCM to the local
// sink and to subscribers.
type Adapter struct {
	opts    Options
	decoder Decoder

	conn    *device.Connection
	running atomic.Bool
	ready   atomic.Bool
	muted   atomic.Bool

	sinkMu sync.Mutex
	sink   Sink
	output string

	mu       sync.Mutex
	err      error
	done     chan struct{}
	stopOnce sync.Once
	samples  *pipeline.Broadcaster[Samples]
}

// NewAdapter creates a stopped adapter.
func NewAdapter(opts Options) *Adapter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSizes[opts.codec()]
		if opts.ChunkSize == 0 {
			opts.ChunkSize = 4096
		}
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = RawDecoder{}
	}
	a := &Adapter{
		opts:    opts,
		decoder: decoder,
		output:  opts.OutputDevice,
		done:    make(chan struct{}),
		samples: pipeline.NewBroadcaster[Samples]("audio"),
	}
	a.muted.Store(opts.Muted)
	return a
}

// Options returns the adapter's configuration.
func (a *Adapter) Options() Options {
	return a.opts
}

// Start negotiates the stream on conn, opens the sink and starts the decode loop.
func (a *Adapter) Start(ctx context.Context, conn *device.Connection) error {
	a.conn = conn

	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.done:
		}
	}()

	codecID, err := protocol.ReadCodecID(conn)
	if err != nil {
		return a.fail(&protocol.TransportError{Stream: protocol.StreamAudio, Op: "negotiate", Err: err})
	}
	want, ok := protocol.CodecIDFromName(a.opts.codec())
	if !ok || codecID != want {
		return a.fail(&protocol.NegotiationError{
			Stream:   protocol.StreamAudio,
			Expected: a.opts.codec(),
			Got:      protocol.CodecName(codecID),
		})
	}

	if codecID == protocol.CodecIDFLAC && !a.opts.FrameMeta {
		if _, err := conn.RecvFull(protocol.FLACStreamInfoSize); err != nil {
			return a.fail(err)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	if a.opts.SinkFactory != nil {
		sink, err := a.opts.SinkFactory(a.output)
		if err != nil {
			util.GetLogger().Warn("Audio output unavailable, continuing without sink", "output", a.output, "error", err)
		} else {
			a.sink = sink
		}
	}

	util.GetLogger().Info("Audio stream negotiated", "codec", a.opts.codec())
	a.running.Store(true)
	a.ready.Store(true)

	go a.run()
	return nil
}

func (a *Adapter) fail(err error) error {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	util.GetLogger().Error("Audio negotiation failed", "error", err)
	a.conn.Disconnect()
	a.stopOnce.Do(func() { close(a.done) })
	return err
}

func (a *Adapter) run() {
	logger := util.GetLogger()
	defer func() {
		a.running.Store(false)
		a.ready.Store(false)
		a.samples.Close()
		a.closeSink()
		a.stopOnce.Do(func() { close(a.done) })
		logger.Debug("Audio loop stopped")
	}()

	for a.running.Load() {
		var chunk []byte
		var err error
		if a.opts.FrameMeta {
			var packet *protocol.Packet
			packet, err = protocol.ReadPacket(a.conn, protocol.MaxAudioPacketSize)
			if err == nil {
				if packet.IsConfig {
					continue
				}
				chunk = packet.Data
			}
		} else {
			chunk, err = a.conn.Recv(a.opts.ChunkSize)
		}
		if err != nil {
			a.endWith(err)
			return
		}

		decoded, err := a.decoder.Decode(chunk)
		if err != nil {
			logger.Debug("Skipping undecodable audio data", "error", err)
		}
		for _, s := range decoded {
			a.route(s)
		}
	}
}

func (a *Adapter) route(s Samples) {
	if !a.muted.Load() {
		a.sinkMu.Lock()
		if a.sink != nil {
			if err := a.sink.Write(s); err != nil {
				util.GetLogger().Warn("Audio output failed, closing sink", "output", a.output, "error", err)
				a.sink.Close()
				a.sink = nil
			}
		}
		a.sinkMu.Unlock()
	}
	a.samples.Broadcast(s)
}

func (a *Adapter) endWith(err error) {
	if !a.running.Load() {
		return
	}
	var terr *protocol.TransportError
	if !errors.As(err, &terr) {
		err = &protocol.TransportError{Stream: protocol.StreamAudio, Op: "recv", Err: err}
	}
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	util.GetLogger().Warn("Audio stream ended", "error", err)
}

func (a *Adapter) closeSink() {
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	if a.sink != nil {
		a.sink.Close()
		a.sink = nil
	}
}

// SwitchOutput recreates only the sink for another output device. The socket
// and the decode loop are untouched. It fails once the loop has stopped.
func (a *Adapter) SwitchOutput(deviceName string) error {
	if a.opts.SinkFactory == nil {
		return fmt.Errorf("audio output switching needs a sink factory")
	}

	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()

	// the loop clears running before it closes the sink under sinkMu
	if !a.running.Load() {
		return fmt.Errorf("audio stream is not running")
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			util.GetLogger().Debug("Failed to close audio output", "output", a.output, "error", err)
		}
		a.sink = nil
	}
	a.output = deviceName

	sink, err := a.opts.SinkFactory(deviceName)
	if err != nil {
		return fmt.Errorf("open audio output %q: %w", deviceName, err)
	}
	a.sink = sink
	util.GetLogger().Info("Audio output switched", "output", deviceName)
	return nil
}

// Output returns the current output device name.
func (a *Adapter) Output() string {
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	return a.output
}

// SetMute toggles delivery to the sink. Subscribers keep receiving samples.
func (a *Adapter) SetMute(muted bool) {
	a.muted.Store(muted)
}

// IsMuted reports the mute state.
func (a *Adapter) IsMuted() bool {
	return a.muted.Load()
}

// Subscribe returns a channel of decoded samples.
func (a *Adapter) Subscribe(id string, bufferSize int) <-chan Samples {
	return a.samples.Subscribe(id, bufferSize)
}

// Unsubscribe removes a subscriber.
func (a *Adapter) Unsubscribe(id string) {
	a.samples.Unsubscribe(id)
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
