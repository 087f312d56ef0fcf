package control

import (
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
)

// Scroll sends a scroll event at p. hScroll and vScroll are in notches,
// clamped to [-16, 16].
func (a *Adapter) Scroll(p ScalePointR, hScroll, vScroll float64) error {
	c := a.Coordinate(p.R)
	if !c.Valid() {
		return ErrNoCoordinate
	}
	x, y, err := p.ToPixel(c)
	if err != nil {
		return err
	}
	return a.Send(protocol.EncodeScrollEvent(protocol.ScrollEvent{
		X:       x,
		Y:       y,
		Width:   uint16(c.Width),
		Height:  uint16(c.Height),
		HScroll: hScroll,
		VScroll: vScroll,
	}))
}
