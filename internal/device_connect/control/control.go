package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/video"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// DefaultQueueSize is the capacity of the outbound packet queue.
const DefaultQueueSize = 1024

// DedupPolicy selects which outbound packets are dropped when they repeat the
// previous one byte for byte.
type DedupPolicy int

const (
	// DedupAll checks every packet, touch moves and HID reports included.
	DedupAll DedupPolicy = iota
	// DedupIdempotent only checks screen power and UHID create packets.
	DedupIdempotent
)

// ParseDedupPolicy maps "all" and "idempotent" to a policy.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch s {
	case "", "all":
		return DedupAll, nil
	case "idempotent":
		return DedupIdempotent, nil
	}
	return DedupAll, fmt.Errorf("unknown dedup policy %q", s)
}

func (p DedupPolicy) String() string {
	if p == DedupIdempotent {
		return "idempotent"
	}
	return "all"
}

// Options configures a ControlAdapter.
type Options struct {
	QueueSize int
	Dedup     DedupPolicy
	// Clipboard receives device clipboard changes. Nil disables mirroring.
	Clipboard         Clipboard
	ClipboardAutosync bool
	// ScreenOff turns the device display off once the channel is up.
	ScreenOff bool
}

// ServerArgs renders the server arguments this adapter depends on.
func (o Options) ServerArgs() []string {
	return []string{
		"control=true",
		fmt.Sprintf("clipboard_autosync=%t", o.ClipboardAutosync),
	}
}

// Adapter owns the control socket: one sender goroutine drains the packet
// queue in order while a receiver goroutine reads device messages.
type Adapter struct {
	opts Options
	conn *device.Connection

	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	// enqMu orders enqueuers and guards last.
	enqMu sync.Mutex
	last  []byte

	coordMu    sync.RWMutex
	vertical   video.Coordinate
	horizontal video.Coordinate

	clipMu        sync.Mutex
	lastClipboard string
	clipFuncs     []func(string)

	mu  sync.Mutex
	err error
}

// NewAdapter creates a stopped adapter.
func NewAdapter(opts Options) *Adapter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Adapter{
		opts:  opts,
		queue: make(chan []byte, opts.QueueSize),
		done:  make(chan struct{}),
	}
}

// Options returns the adapter's configuration.
func (a *Adapter) Options() Options {
	return a.opts
}

// Start takes over conn and launches the sender and receiver goroutines.
// The control stream has no header, so there is nothing to negotiate.
func (a *Adapter) Start(ctx context.Context, conn *device.Connection) error {
	if conn == nil {
		return errors.New("control connection is nil")
	}
	a.conn = conn
	a.running.Store(true)

	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.done:
		}
	}()
	go a.sendLoop()
	go a.receiveLoop()

	util.GetLogger().Info("Control channel started", "dedup", a.opts.Dedup.String(), "queue", a.opts.QueueSize)

	if a.opts.ScreenOff {
		if err := a.SetScreen(false); err != nil {
			util.GetLogger().Warn("Failed to turn screen off", "error", err)
		}
	}
	return nil
}

func (a *Adapter) sendLoop() {
	logger := util.GetLogger()
	logger.Debug("Control sender started")
	defer logger.Debug("Control sender stopped")

	for {
		select {
		case packet := <-a.queue:
			if err := a.conn.Send(packet); err != nil {
				a.fail(err)
				return
			}
		case <-a.done:
			return
		}
	}
}

// fail records a transport error unless the adapter was stopped on purpose,
// then shuts everything down so blocked enqueuers return.
func (a *Adapter) fail(err error) {
	if a.running.Swap(false) {
		var terr *protocol.TransportError
		if !errors.As(err, &terr) {
			err = &protocol.TransportError{Stream: protocol.StreamControl, Op: "send", Err: err}
		}
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		util.GetLogger().Warn("Control channel failed", "error", err)
	}
	a.conn.Disconnect()
	a.stopOnce.Do(func() { close(a.done) })
}

// Send enqueues an encoded packet. It blocks while the queue is full and
// returns ErrNotRunning once the channel is down.
func (a *Adapter) Send(packet []byte) error {
	if !a.running.Load() {
		return ErrNotRunning
	}

	a.enqMu.Lock()
	defer a.enqMu.Unlock()

	if a.isDuplicate(packet) {
		util.GetLogger().Debug("Dropping duplicate control packet", "type", packet[0])
		return nil
	}
	select {
	case a.queue <- packet:
		a.last = packet
		return nil
	case <-a.done:
		return ErrNotRunning
	}
}

func (a *Adapter) isDuplicate(packet []byte) bool {
	if len(packet) == 0 || !bytes.Equal(packet, a.last) {
		return false
	}
	if a.opts.Dedup == DedupIdempotent {
		switch packet[0] {
		case protocol.ControlMsgTypeSetDisplayPower, protocol.ControlMsgTypeUhidCreate:
			return true
		}
		return false
	}
	return true
}

// SetScreen turns the device display on or off. Mirroring keeps running.
func (a *Adapter) SetScreen(on bool) error {
	return a.Send(protocol.EncodeSetScreenPower(on))
}

// BackOrScreenOn presses back, or wakes the screen when it is off.
func (a *Adapter) BackOrScreenOn(action uint8) error {
	return a.Send(protocol.EncodeBackOrScreenOn(action))
}

func (a *Adapter) ExpandNotifications() error {
	return a.Send(protocol.EncodeSimple(protocol.ControlMsgTypeExpandNotificationPanel))
}

func (a *Adapter) ExpandSettings() error {
	return a.Send(protocol.EncodeSimple(protocol.ControlMsgTypeExpandSettingsPanel))
}

func (a *Adapter) CollapsePanels() error {
	return a.Send(protocol.EncodeSimple(protocol.ControlMsgTypeCollapsePanels))
}

func (a *Adapter) RotateDevice() error {
	return a.Send(protocol.EncodeSimple(protocol.ControlMsgTypeRotateDevice))
}

// UpdateCoordinate stores the frame shape for its rotation. It is wired to
// the video adapter's size change callback.
func (a *Adapter) UpdateCoordinate(c video.Coordinate) {
	if !c.Valid() {
		return
	}
	a.coordMu.Lock()
	defer a.coordMu.Unlock()
	if c.Rotation() == video.RotationPortrait {
		a.vertical = c
	} else {
		a.horizontal = c
	}
}

// SetScreenSize seeds both rotations from the physical display size, for
// sessions that run without video.
func (a *Adapter) SetScreenSize(width, height int) {
	a.UpdateCoordinate(video.Coordinate{Width: width, Height: height})
	a.UpdateCoordinate(video.Coordinate{Width: height, Height: width})
}

// Coordinate returns the tracked frame shape for rotation r.
func (a *Adapter) Coordinate(r int) video.Coordinate {
	a.coordMu.RLock()
	defer a.coordMu.RUnlock()
	if r == video.RotationPortrait {
		return a.vertical
	}
	return a.horizontal
}

// IsRunning reports whether packets are still being delivered.
func (a *Adapter) IsRunning() bool {
	return a.running.Load()
}

// IsReady is IsRunning: the control stream is ready as soon as it is open.
func (a *Adapter) IsReady() bool {
	return a.running.Load()
}

// Err returns the error that stopped the channel, if any.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed once the adapter has stopped.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Stop closes the socket and releases the sender. Queued packets that were
// not written yet are dropped. Safe to call more than once.
func (a *Adapter) Stop() {
	a.running.Store(false)
	if a.conn != nil {
		a.conn.Disconnect()
	}
	a.stopOnce.Do(func() { close(a.done) })
}
