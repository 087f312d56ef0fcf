package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/audio"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/control"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/video"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

const (
	DefaultServerVersion   = "2.4"
	DefaultPort            = 27183
	DefaultConnectAttempts = 50
	DefaultConnectInterval = 100 * time.Millisecond
	// DefaultHandshakeTimeout bounds the wait for the stream headers.
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultLogLevel        = "info"
)

// Bridge is the device side transport a session runs on. *device.Bridge
// implements it.
type Bridge interface {
	Serial() string
	PushServer(ctx context.Context, localJar string) error
	Forward(ctx context.Context, port int, scid uint32) error
	RemoveForward(ctx context.Context, port int) error
	StartServer(ctx context.Context, version string, args []string) error
	KillServer() error
	ScreenSize(ctx context.Context) (width, height int, err error)
	Watch(ctx context.Context) <-chan struct{}
}

// Options selects the streams of a session. A nil adapter option leaves that
// stream out; the choice is fixed for the session's lifetime.
type Options struct {
	Video   *video.Options
	Audio   *audio.Options
	Control *control.Options

	ServerVersion string
	ServerJar     string
	LogLevel      string
	// ExtraArgs are appended to the server arguments as-is.
	ExtraArgs []string

	Host            string
	Port            int
	ConnectTimeout  time.Duration
	ConnectAttempts int
	ConnectInterval time.Duration
	// HandshakeTimeout bounds the device meta and stream header reads.
	HandshakeTimeout time.Duration

	// DeviceMeta asks the server for the device name before the first stream.
	DeviceMeta bool

	// WatchDevice disconnects the session when the device goes offline.
	WatchDevice bool
}

func (o *Options) setDefaults() {
	if o.ServerVersion == "" {
		o.ServerVersion = DefaultServerVersion
	}
	if o.LogLevel == "" {
		o.LogLevel = DefaultLogLevel
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = device.DefaultConnectTimeout
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	if o.ConnectInterval <= 0 {
		o.ConnectInterval = DefaultConnectInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Session binds up to one video, audio and control adapter to one device.
type Session struct {
	id     string
	bridge Bridge
	opts   Options
	scid   uint32

	video   *video.Adapter
	audio   *audio.Adapter
	control *control.Adapter

	mu          sync.Mutex
	connecting  bool
	connected   bool
	closing     bool
	serverUp    bool
	abort       context.CancelFunc
	connectDone chan struct{}
	cancel      context.CancelFunc
	conns       map[string]*device.Connection
	deviceName  string

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New creates a session. Nothing touches the device until Connect.
func New(bridge Bridge, opts Options) *Session {
	opts.setDefaults()

	s := &Session{
		id:     uuid.New().String(),
		bridge: bridge,
		opts:   opts,
		done:   make(chan struct{}),
	}
	if opts.Video != nil {
		s.video = video.NewAdapter(*opts.Video)
	}
	if opts.Audio != nil {
		audioOpts := *opts.Audio
		// the server has a single send_frame_meta switch for both streams
		if opts.Video != nil {
			audioOpts.FrameMeta = opts.Video.FrameMeta
		}
		s.audio = audio.NewAdapter(audioOpts)
	}
	if opts.Control != nil {
		s.control = control.NewAdapter(*opts.Control)
	}
	return s
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Serial() string            { return s.bridge.Serial() }
func (s *Session) SCID() uint32              { return s.scid }
func (s *Session) Video() *video.Adapter     { return s.video }
func (s *Session) Audio() *audio.Adapter     { return s.audio }
func (s *Session) Control() *control.Adapter { return s.control }

// DeviceName is the name the server reported, empty unless Options.DeviceMeta
// was set.
func (s *Session) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceName
}

func (s *Session) IsVideoReady() bool {
	return s.video != nil && s.video.IsReady()
}

func (s *Session) IsAudioReady() bool {
	return s.audio != nil && s.audio.IsReady()
}

func (s *Session) IsControlReady() bool {
	return s.control != nil && s.control.IsReady()
}

// Done is closed by Disconnect.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ServerArgs renders the k=v arguments the server is started with.
func (s *Session) ServerArgs() []string {
	args := []string{
		fmt.Sprintf("scid=%08x", s.scid),
		"log_level=" + s.opts.LogLevel,
		"tunnel_forward=true",
		"send_device_meta=" + strconv.FormatBool(s.opts.DeviceMeta),
		"send_dummy_byte=true",
	}

	if s.video != nil {
		args = append(args, s.video.Options().ServerArgs()...)
	} else {
		args = append(args, "video=false")
		frameMeta := s.opts.Audio != nil && s.opts.Audio.FrameMeta
		args = append(args, "send_frame_meta="+strconv.FormatBool(frameMeta))
	}
	if s.opts.Audio != nil {
		args = append(args, s.opts.Audio.ServerArgs()...)
	} else {
		args = append(args, "audio=false")
	}
	if s.control != nil {
		args = append(args, s.control.Options().ServerArgs()...)
	} else {
		args = append(args, "control=false")
	}
	return append(args, s.opts.ExtraArgs...)
}

// Connect installs and starts the server, opens one socket per present
// stream and starts the adapters. An adapter that fails to start stays not
// ready without failing the others; Connect only fails when none started.
// Cancelling ctx or calling Disconnect aborts a Connect in progress.
func (s *Session) Connect(ctx context.Context) error {
	if s.video == nil && s.audio == nil && s.control == nil {
		return errors.New("session has no streams")
	}
	ctx, finish, err := s.beginConnect(ctx)
	if err != nil {
		return err
	}
	defer finish()

	logger := util.GetLogger().With("device", s.bridge.Serial(), "session", s.id)

	if err := s.bridge.PushServer(ctx, s.opts.ServerJar); err != nil {
		return errors.Wrap(err, "failed to install server")
	}

	s.scid = util.GenerateSCID()
	if err := s.bridge.Forward(ctx, s.opts.Port, s.scid); err != nil {
		return err
	}
	s.mu.Lock()
	s.serverUp = true
	s.mu.Unlock()

	if err := s.bridge.StartServer(ctx, s.opts.ServerVersion, s.ServerArgs()); err != nil {
		s.teardown()
		return err
	}

	conns, err := s.openSockets(ctx)
	if err != nil {
		s.teardown()
		return err
	}

	// closing the sockets unblocks every handshake read below
	handshaking := make(chan struct{})
	unwatched := make(chan struct{})
	go func() {
		defer close(unwatched)
		select {
		case <-ctx.Done():
			closeConns(conns)
		case <-handshaking:
		}
	}()

	if s.opts.DeviceMeta {
		if err := s.readDeviceMeta(conns); err != nil {
			close(handshaking)
			closeConns(conns)
			s.teardown()
			return s.abortErr(ctx, err)
		}
	}

	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	for _, stream := range []string{protocol.StreamVideo, protocol.StreamAudio} {
		if c, ok := conns[stream]; ok {
			_ = c.SetReadDeadline(deadline)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.wire(ctx)

	var g errgroup.Group
	var started sync.Map
	start := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				logger.Warn("Stream failed to start", "stream", name, "error", err)
				return nil
			}
			started.Store(name, true)
			return nil
		})
	}
	if s.video != nil {
		start(protocol.StreamVideo, func() error { return s.video.Start(runCtx, conns[protocol.StreamVideo]) })
	}
	if s.audio != nil {
		start(protocol.StreamAudio, func() error { return s.audio.Start(runCtx, conns[protocol.StreamAudio]) })
	}
	if s.control != nil {
		start(protocol.StreamControl, func() error { return s.control.Start(runCtx, conns[protocol.StreamControl]) })
	}
	g.Wait()
	close(handshaking)
	<-unwatched

	n := 0
	started.Range(func(_, _ any) bool { n++; return true })
	if n == 0 || ctx.Err() != nil {
		cancel()
		s.stopAdapters()
		closeConns(conns)
		s.teardown()
		return s.abortErr(ctx, errors.Errorf("no stream of device %s could be started", s.bridge.Serial()))
	}

	s.mu.Lock()
	s.connected = true
	s.cancel = cancel
	s.conns = conns
	s.mu.Unlock()

	if s.opts.WatchDevice {
		go s.watch(runCtx)
	}
	logger.Info("Session connected",
		"video", s.IsVideoReady(), "audio", s.IsAudioReady(), "control", s.IsControlReady())
	return nil
}

// beginConnect marks a Connect in flight. The returned context is cancelled
// by Disconnect; finish must be called when Connect returns.
func (s *Session) beginConnect(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closing:
		return nil, nil, errors.Errorf("session %s is disconnected", s.id)
	case s.connecting:
		return nil, nil, errors.Errorf("session %s is already connecting", s.id)
	case s.connected:
		return nil, nil, errors.Errorf("session %s already connected", s.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.connecting = true
	s.abort = cancel
	s.connectDone = done

	return ctx, func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
		cancel()
		close(done)
	}, nil
}

// abortErr prefers the cancellation cause over the error it produced.
func (s *Session) abortErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "connect to %s aborted", s.bridge.Serial())
	}
	return err
}

// readDeviceMeta reads the device name that precedes the first stream.
func (s *Session) readDeviceMeta(conns map[string]*device.Connection) error {
	first := conns[s.streams()[0]]
	_ = first.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	meta, err := device.ReadDeviceMeta(first)
	if err != nil {
		return errors.Wrap(err, "failed to read device meta")
	}
	_ = first.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.deviceName = meta.DeviceName
	s.mu.Unlock()
	return nil
}

func closeConns(conns map[string]*device.Connection) {
	for _, c := range conns {
		c.Disconnect()
	}
}

func (s *Session) stopAdapters() {
	if s.video != nil {
		s.video.Stop()
	}
	if s.audio != nil {
		s.audio.Stop()
	}
	if s.control != nil {
		s.control.Stop()
	}
}

// wire connects video size changes to the control adapter, or seeds the
// control adapter from the display size when there is no video.
func (s *Session) wire(ctx context.Context) {
	if s.control == nil {
		return
	}
	if s.video != nil {
		s.video.OnSizeChange(s.control.UpdateCoordinate)
		return
	}
	w, h, err := s.bridge.ScreenSize(ctx)
	if err != nil {
		util.GetLogger().Warn("Unknown screen size, scaled touches are unavailable", "device", s.bridge.Serial(), "error", err)
		return
	}
	s.control.SetScreenSize(w, h)
}

// streams lists the present streams in the order the server accepts them.
func (s *Session) streams() []string {
	var streams []string
	if s.video != nil {
		streams = append(streams, protocol.StreamVideo)
	}
	if s.audio != nil {
		streams = append(streams, protocol.StreamAudio)
	}
	if s.control != nil {
		streams = append(streams, protocol.StreamControl)
	}
	return streams
}

// openSockets dials one socket per present stream, in the order the server
// accepts them. Only the first one is retried, while the server boots.
func (s *Session) openSockets(ctx context.Context) (map[string]*device.Connection, error) {
	streams := s.streams()
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	conns := make(map[string]*device.Connection, len(streams))

	for i, stream := range streams {
		opts := device.ConnectOptions{Stream: stream, Timeout: s.opts.ConnectTimeout, ReadDummyByte: i == 0}
		var (
			conn *device.Connection
			err  error
		)
		if i == 0 {
			conn, err = s.connectFirst(ctx, addr, opts)
		} else {
			conn, err = device.Connect(ctx, addr, opts)
		}
		if err != nil {
			closeConns(conns)
			return nil, err
		}
		conns[stream] = conn
	}
	return conns, nil
}

func (s *Session) connectFirst(ctx context.Context, addr string, opts device.ConnectOptions) (*device.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.ConnectAttempts; attempt++ {
		conn, err := device.Connect(ctx, addr, opts)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		util.GetLogger().Debug("Server not ready yet", "stream", opts.Stream, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.ConnectInterval):
		}
	}
	return nil, errors.Wrapf(lastErr, "server did not accept the %s socket after %d attempts", opts.Stream, s.opts.ConnectAttempts)
}

func (s *Session) watch(ctx context.Context) {
	select {
	case <-s.bridge.Watch(ctx):
		if ctx.Err() == nil {
			util.GetLogger().Info("Device disconnected, closing session", "device", s.bridge.Serial(), "session", s.id)
			s.Disconnect()
		}
	case <-ctx.Done():
	}
}

// teardown removes the forward and kills the server, at most once per server
// start.
func (s *Session) teardown() error {
	s.mu.Lock()
	up := s.serverUp
	s.serverUp = false
	s.mu.Unlock()

	if !up {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.bridge.RemoveForward(ctx, s.opts.Port); err != nil {
		errs = append(errs, err)
	}
	if err := s.bridge.KillServer(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		util.GetLogger().Debug("Session cleanup incomplete", "device", s.bridge.Serial(), "errors", errs)
		return errs[0]
	}
	return nil
}

// Disconnect stops every adapter and tears down the server. Safe to call more
// than once and before Connect, after which Connect fails. A Connect in
// progress is aborted and waited for.
func (s *Session) Disconnect() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		var pending chan struct{}
		if s.connecting {
			s.abort()
			pending = s.connectDone
		}
		s.mu.Unlock()
		if pending != nil {
			<-pending
		}

		s.mu.Lock()
		cancel, conns := s.cancel, s.conns
		s.connected = false
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.stopAdapters()
		closeConns(conns)
		s.closeErr = s.teardown()
		close(s.done)
		util.GetLogger().Info("Session disconnected", "device", s.bridge.Serial(), "session", s.id)
	})
	return s.closeErr
}
