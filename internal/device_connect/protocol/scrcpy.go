package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Scrcpy packet header size
const PacketHeaderSize = 12

// Packet flags
const (
	PacketFlagConfig   = uint64(1) << 63
	PacketFlagKeyFrame = uint64(1) << 62
	PacketPTSMask      = PacketFlagKeyFrame - 1
)

// Codec IDs
const (
	CodecIDH264 = uint32(0x68323634) // "h264" in ASCII
	CodecIDH265 = uint32(0x68323635) // "h265" in ASCII
	CodecIDAV1  = uint32(0x00617631) // "av1" in ASCII
	CodecIDOPUS = uint32(0x6f707573) // "opus" in ASCII
	CodecIDAAC  = uint32(0x00616163) // "aac" in ASCII
	CodecIDFLAC = uint32(0x666c6163) // "flac" in ASCII
	CodecIDRAW  = uint32(0x00726177) // "raw" in ASCII

	// Sent instead of a codec id when the stream is disabled on the device
	// or could not be started.
	CodecIDDisabled = uint32(0)
	CodecIDError    = uint32(1)
)

// FLACStreamInfoSize is the STREAMINFO block the server sends ahead of FLAC
// frames. The client has no use for it.
const FLACStreamInfoSize = 34

// Packet size limits
const (
	MaxVideoPacketSize = 10 * 1024 * 1024
	MaxAudioPacketSize = 1 * 1024 * 1024
)

var codecNames = map[string]uint32{
	"h264": CodecIDH264,
	"h265": CodecIDH265,
	"av1":  CodecIDAV1,
	"opus": CodecIDOPUS,
	"aac":  CodecIDAAC,
	"flac": CodecIDFLAC,
	"raw":  CodecIDRAW,
}

// CodecIDFromName maps a server argument value ("h264", "opus", ...) to its wire id.
func CodecIDFromName(name string) (uint32, bool) {
	id, ok := codecNames[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// CodecName renders a wire codec id as its ASCII name.
func CodecName(id uint32) string {
	switch id {
	case CodecIDDisabled:
		return "disabled"
	case CodecIDError:
		return "error"
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return strings.TrimLeft(string(b[:]), "\x00")
}

// Packet is one frame-meta framed media packet.
type Packet struct {
	PTS        uint64
	Data       []byte
	IsKeyFrame bool
	IsConfig   bool
}

// VideoHeader is the stream header of the video socket.
type VideoHeader struct {
	CodecID uint32
	Width   uint32
	Height  uint32
}

// ReadCodecID reads the 4-byte codec id that opens every media socket.
func ReadCodecID(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read codec id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadVideoSize reads the u32 width and u32 height that follow the video codec id.
func ReadVideoSize(r io.Reader) (width, height uint32, err error) {
	var buf [8]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("read video size: %w", err)
	}
	return binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint32(buf[4:8]), nil
}

// ReadVideoHeader reads codec (4 bytes), width (4), height (4) from the video stream.
func ReadVideoHeader(r io.Reader) (VideoHeader, error) {
	codec, err := ReadCodecID(r)
	if err != nil {
		return VideoHeader{}, err
	}
	if codec == CodecIDDisabled || codec == CodecIDError {
		return VideoHeader{CodecID: codec}, nil
	}
	w, h, err := ReadVideoSize(r)
	if err != nil {
		return VideoHeader{}, err
	}
	return VideoHeader{CodecID: codec, Width: w, Height: h}, nil
}

// ParsePacketHeader decodes the 12-byte frame-meta header.
func ParsePacketHeader(header []byte) (pts uint64, size uint32, keyFrame, config bool) {
	ptsFlags := binary.BigEndian.Uint64(header[0:8])
	size = binary.BigEndian.Uint32(header[8:12])
	return ptsFlags & PacketPTSMask, size, ptsFlags&PacketFlagKeyFrame != 0, ptsFlags&PacketFlagConfig != 0
}

// ReadPacket reads one frame-meta packet, rejecting sizes above maxSize.
func ReadPacket(reader io.Reader, maxSize uint32) (*Packet, error) {
	header := make([]byte, PacketHeaderSize)
	n, err := io.ReadFull(reader, header)
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	pts, packetSize, keyFrame, config := ParsePacketHeader(header)
	if packetSize == 0 {
		return nil, fmt.Errorf("invalid packet size: 0")
	}
	if packetSize > maxSize {
		return nil, fmt.Errorf("packet size too large: %d", packetSize)
	}

	data := make([]byte, packetSize)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("failed to read packet data: %w", err)
	}

	return &Packet{
		PTS:        pts,
		Data:       data,
		IsKeyFrame: keyFrame,
		IsConfig:   config,
	}, nil
}

// WritePacket is the inverse of ReadPacket. The client never sends media;
// it exists for fakes and tests of the reading side.
func WritePacket(w io.Writer, p *Packet) error {
	flags := p.PTS & PacketPTSMask
	if p.IsConfig {
		flags |= PacketFlagConfig
	}
	if p.IsKeyFrame {
		flags |= PacketFlagKeyFrame
	}
	buf := make([]byte, PacketHeaderSize+len(p.Data))
	binary.BigEndian.PutUint64(buf[0:8], flags)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.Data)))
	copy(buf[PacketHeaderSize:], p.Data)
	_, err := w.Write(buf)
	return err
}
