package device

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// DefaultConnectTimeout bounds a single dial. Connections are never retried here.
const DefaultConnectTimeout = time.Second

// ConnectOptions configures one socket of a session.
type ConnectOptions struct {
	// Stream names the socket in errors and logs ("video", "audio", "control").
	Stream string
	// Timeout of the dial and of the handshake read. Zero means DefaultConnectTimeout.
	Timeout time.Duration
	// ReadDummyByte is set on the first socket of a forward tunnel: the server
	// writes one byte once it has accepted it.
	ReadDummyByte bool
}

// Connection is one raw socket to the device side server.
type Connection struct {
	stream string
	conn   net.Conn

	closeOnce sync.Once
	closeErr  error
}

// Connect dials addr and performs the tunnel handshake. A failure is returned
// to the caller, who owns any retry policy.
func Connect(ctx context.Context, addr string, opts ConnectOptions) (*Connection, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s socket at %s", opts.Stream, addr)
	}

	if opts.ReadDummyByte {
		// Through adb forward the dial succeeds even if nothing listens on the
		// device yet; the dummy byte proves the server accepted the socket.
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		var dummy [1]byte
		if _, err := io.ReadFull(conn, dummy[:]); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to read %s handshake byte", opts.Stream)
		}
		_ = conn.SetReadDeadline(time.Time{})
	}

	util.GetLogger().Debug("Socket connected", "stream", opts.Stream, "addr", addr)
	return NewConnection(conn, opts.Stream), nil
}

// NewConnection wraps an already established socket.
func NewConnection(conn net.Conn, stream string) *Connection {
	return &Connection{stream: stream, conn: conn}
}

// Stream returns the socket's stream name.
func (c *Connection) Stream() string {
	return c.stream
}

// Send writes the whole buffer.
func (c *Connection) Send(data []byte) error {
	if _, err := c.conn.Write(data); err != nil {
		return &protocol.TransportError{Stream: c.stream, Op: "send", Err: err}
	}
	return nil
}

// Recv blocks until at least one byte is available and returns up to n bytes.
func (c *Connection) Recv(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := c.conn.Read(buf)
	if read > 0 {
		return buf[:read], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, &protocol.TransportError{Stream: c.stream, Op: "recv", Err: err}
}

// RecvFull returns exactly n bytes.
func (c *Connection) RecvFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, &protocol.TransportError{Stream: c.stream, Op: "recv", Err: err}
	}
	return buf, nil
}

// SetReadDeadline bounds pending and future reads. A zero time clears it.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Read implements io.Reader for the protocol decoders.
func (c *Connection) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// Disconnect closes the socket, unblocking any pending Recv. It is safe to call
// more than once.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
