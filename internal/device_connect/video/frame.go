package video

import "github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"

// Rotations inferred from frame shape.
const (
	RotationPortrait  = 0
	RotationLandscape = 1
)

// Coordinate is the pixel extent of the device frame.
type Coordinate struct {
	Width  int
	Height int
}

// Rotation is portrait when the frame is taller than wide, landscape otherwise.
func (c Coordinate) Rotation() int {
	if c.Width < c.Height {
		return RotationPortrait
	}
	return RotationLandscape
}

// Valid reports whether both extents are positive.
func (c Coordinate) Valid() bool {
	return c.Width > 0 && c.Height > 0
}

// Frame is one decoded picture.
type Frame struct {
	// Data is whatever the decoder produces: pixels for a real codec, the
	// Annex-B access unit for AccessUnitDecoder.
	Data     []byte
	Width    int
	Height   int
	PTS      uint64
	KeyFrame bool
	// N counts decoded frames since Start, starting at 1.
	N uint64
}

// Coordinate returns the frame's shape.
func (f *Frame) Coordinate() Coordinate {
	return Coordinate{Width: f.Width, Height: f.Height}
}

// Decoder turns elementary stream bytes into frames. Chunks are arbitrary
// slices of the stream; a decoder buffers whatever it cannot complete yet.
type Decoder interface {
	Decode(chunk []byte) ([]*Frame, error)
}

// PacketDecoder is implemented by decoders that can take whole frame-meta
// packets, used when the server sends frame meta.
type PacketDecoder interface {
	DecodePacket(p *protocol.Packet) ([]*Frame, error)
}
