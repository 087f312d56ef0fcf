package video

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/protocol"
	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// Upper bound of buffered bytes waiting for the next start code.
const maxPendingNALU = protocol.MaxVideoPacketSize

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// NewDecoder returns the default decoder for a codec name.
func NewDecoder(codec string) Decoder {
	switch codec {
	case "h264", "h265":
		return NewAccessUnitDecoder(codec)
	default:
		return &PassthroughDecoder{}
	}
}

// AccessUnitDecoder splits an Annex-B H.264/H.265 stream into access units.
// It does not decode pixels: every frame carries one access unit in Annex-B
// form, and its size comes from the latest SPS.
type AccessUnitDecoder struct {
	hevc bool

	pending []byte   // bytes from the last start code on
	au      [][]byte // NAL units of the access unit being assembled
	hasVCL  bool
	key     bool

	params [][]byte // latest parameter sets, prepended to key frames
	width  int
	height int
}

// NewAccessUnitDecoder creates a decoder for "h264" or "h265".
func NewAccessUnitDecoder(codec string) *AccessUnitDecoder {
	return &AccessUnitDecoder{hevc: codec == "h265"}
}

// Size returns the frame size parsed from the last SPS, zero before any.
func (d *AccessUnitDecoder) Size() (int, int) {
	return d.width, d.height
}

// Decode buffers chunk and returns every access unit it completes. An access
// unit is complete once the first NAL unit of the next one has arrived.
func (d *AccessUnitDecoder) Decode(chunk []byte) ([]*Frame, error) {
	d.pending = append(d.pending, chunk...)

	positions := findStartCodes(d.pending)
	if len(positions) == 0 {
		if len(d.pending) > maxPendingNALU {
			d.pending = d.pending[:0]
			return nil, fmt.Errorf("no start code in %d bytes", maxPendingNALU)
		}
		return nil, nil
	}

	var frames []*Frame
	var firstErr error
	for i := 0; i < len(positions)-1; i++ {
		segment := trimTrailingZeros(d.pending[positions[i]:positions[i+1]])

		var nalus h264.AnnexB
		if err := nalus.Unmarshal(segment); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid NAL unit: %w", err)
			}
			continue
		}
		for _, nalu := range nalus {
			// pending is reused below, the access unit keeps its own copy
			nalu = append([]byte(nil), nalu...)
			if f := d.push(nalu); f != nil {
				frames = append(frames, f)
			}
		}
	}

	last := positions[len(positions)-1]
	d.pending = append(d.pending[:0], d.pending[last:]...)
	if len(d.pending) > maxPendingNALU {
		d.pending = d.pending[:0]
		return frames, fmt.Errorf("NAL unit larger than %d bytes", maxPendingNALU)
	}
	return frames, firstErr
}

// DecodePacket takes one frame-meta packet: a config packet carries the
// parameter sets, any other packet is a complete access unit.
func (d *AccessUnitDecoder) DecodePacket(p *protocol.Packet) ([]*Frame, error) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(p.Data); err != nil {
		return nil, fmt.Errorf("invalid access unit: %w", err)
	}

	if p.IsConfig {
		d.params = d.params[:0]
		for _, nalu := range nalus {
			d.parameterSet(nalu)
		}
		return nil, nil
	}

	d.au = d.au[:0]
	d.hasVCL, d.key = false, false
	for _, nalu := range nalus {
		d.classify(nalu)
		d.au = append(d.au, nalu)
	}
	if !d.hasVCL {
		return nil, nil
	}
	f := d.frame()
	f.PTS = p.PTS
	f.KeyFrame = f.KeyFrame || p.IsKeyFrame
	return []*Frame{f}, nil
}

// push adds a NAL unit and returns the previous access unit if this one
// starts a new access unit.
func (d *AccessUnitDecoder) push(nalu []byte) *Frame {
	var out *Frame
	if d.hasVCL && d.startsAccessUnit(nalu) {
		out = d.frame()
		d.au = d.au[:0]
		d.hasVCL, d.key = false, false
	}

	d.classify(nalu)
	d.au = append(d.au, nalu)
	return out
}

// classify updates parameter sets and the VCL and key flags for one NAL unit.
func (d *AccessUnitDecoder) classify(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	if d.hevc {
		typ := h265.NALUType((nalu[0] >> 1) & 0x3F)
		switch {
		case typ == h265.NALUType_VPS_NUT || typ == h265.NALUType_SPS_NUT || typ == h265.NALUType_PPS_NUT:
			d.parameterSet(nalu)
		case typ < 32:
			d.hasVCL = true
			if typ >= 16 && typ <= 23 {
				d.key = true
			}
		}
		return
	}

	switch typ := h264.NALUType(nalu[0] & 0x1F); typ {
	case h264.NALUTypeSPS, h264.NALUTypePPS:
		d.parameterSet(nalu)
	case h264.NALUTypeIDR:
		d.hasVCL = true
		d.key = true
	case h264.NALUTypeNonIDR, 2, 3, 4:
		d.hasVCL = true
	}
}

func (d *AccessUnitDecoder) startsAccessUnit(nalu []byte) bool {
	if d.hevc {
		if len(nalu) < 3 {
			return false
		}
		typ := (nalu[0] >> 1) & 0x3F
		if typ < 32 {
			// first_slice_segment_in_pic_flag
			return nalu[2]&0x80 != 0
		}
		// VPS, SPS, PPS, AUD and prefix SEI open a new access unit
		return typ <= 35 || typ == 39
	}

	if len(nalu) < 2 {
		return false
	}
	switch typ := h264.NALUType(nalu[0] & 0x1F); typ {
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return true
	case h264.NALUTypeIDR, h264.NALUTypeNonIDR:
		// first_mb_in_slice == 0 is coded as a single 1 bit
		return nalu[1]&0x80 != 0
	}
	return false
}

func (d *AccessUnitDecoder) parameterSet(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	ps := append([]byte(nil), nalu...)

	var typ int
	if d.hevc {
		typ = int((nalu[0] >> 1) & 0x3F)
	} else {
		typ = int(nalu[0] & 0x1F)
	}
	replaced := false
	for i, old := range d.params {
		var oldTyp int
		if d.hevc {
			oldTyp = int((old[0] >> 1) & 0x3F)
		} else {
			oldTyp = int(old[0] & 0x1F)
		}
		if oldTyp == typ {
			d.params[i] = ps
			replaced = true
		}
	}
	if !replaced {
		d.params = append(d.params, ps)
	}

	if d.hevc && h265.NALUType(typ) == h265.NALUType_SPS_NUT {
		var sps h265.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			util.GetLogger().Debug("Failed to parse H.265 SPS", "error", err)
			return
		}
		d.width, d.height = sps.Width(), sps.Height()
	} else if !d.hevc && h264.NALUType(typ) == h264.NALUTypeSPS {
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			util.GetLogger().Debug("Failed to parse H.264 SPS", "error", err)
			return
		}
		d.width, d.height = sps.Width(), sps.Height()
	}
}

// frame renders the assembled access unit. Key frames that lack parameter
// sets get the cached ones so a subscriber can start decoding there.
func (d *AccessUnitDecoder) frame() *Frame {
	var buf bytes.Buffer
	if d.key && !d.hasParams() {
		for _, ps := range d.params {
			buf.Write(startCode)
			buf.Write(ps)
		}
	}
	for _, nalu := range d.au {
		buf.Write(startCode)
		buf.Write(nalu)
	}
	return &Frame{
		Data:     buf.Bytes(),
		Width:    d.width,
		Height:   d.height,
		KeyFrame: d.key,
	}
}

func (d *AccessUnitDecoder) hasParams() bool {
	for _, nalu := range d.au {
		if len(nalu) == 0 {
			continue
		}
		if d.hevc {
			if h265.NALUType((nalu[0]>>1)&0x3F) == h265.NALUType_SPS_NUT {
				return true
			}
		} else if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return true
		}
	}
	return false
}

// findStartCodes returns the offset of every start code in b, pointing at the
// leading zero of a 4-byte start code when there is one.
func findStartCodes(b []byte) []int {
	var positions []int
	for i := 0; i+2 < len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		if b[i+2] == 1 {
			p := i
			if p > 0 && b[p-1] == 0 {
				p--
			}
			positions = append(positions, p)
			i += 2
		}
	}
	return positions
}

func trimTrailingZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

// PassthroughDecoder emits every chunk as its own frame. It suits frame-meta
// packets of codecs the client does not parse, such as AV1.
type PassthroughDecoder struct{}

func (PassthroughDecoder) Decode(chunk []byte) ([]*Frame, error) {
	return []*Frame{{Data: append([]byte(nil), chunk...)}}, nil
}
