package network

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/c360/reactor/codec"
	"github.com/c360/reactor/errors"
)

// Wire sizes.
const (
	// HeaderSize is the packed size of Header.
	HeaderSize = 4 + 2 + 1 + 1 + 16 + 1

	// MaxUDPChunk is the largest payload slice carried by one datagram:
	// Ethernet MTU minus IP and UDP headers minus the header and its one
	// payload byte, plus that byte back.
	MaxUDPChunk = 1500 - 20 - 8 - (HeaderSize + 1) + 1

	// MaxFragments is the largest fragment count a header can express.
	MaxFragments = 255

	// MaxAssemblies bounds the concurrent reassembly buffers of one peer.
	MaxAssemblies = 5

	// MaxNameLength bounds peer names in handshakes and announces.
	MaxNameLength = 255
)

// Header precedes every data frame.
type Header struct {
	Length        uint32
	PacketID      uint16
	FragmentIndex uint8
	FragmentCount uint8
	TypeHash      codec.TypeHash
	Multicast     bool
}

// AppendBinary appends the packed little-endian header to dst.
func (h Header) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.Length)
	dst = binary.LittleEndian.AppendUint16(dst, h.PacketID)
	dst = append(dst, h.FragmentIndex, h.FragmentCount)
	dst = binary.LittleEndian.AppendUint64(dst, h.TypeHash[0])
	dst = binary.LittleEndian.AppendUint64(dst, h.TypeHash[1])
	if h.Multicast {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// DecodeHeader reads a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", errors.ErrShortFrame, len(b))
	}
	h := Header{
		Length:        binary.LittleEndian.Uint32(b[0:4]),
		PacketID:      binary.LittleEndian.Uint16(b[4:6]),
		FragmentIndex: b[6],
		FragmentCount: b[7],
		TypeHash: codec.TypeHash{
			binary.LittleEndian.Uint64(b[8:16]),
			binary.LittleEndian.Uint64(b[16:24]),
		},
		Multicast: b[24] != 0,
	}
	if h.FragmentCount == 0 || h.FragmentIndex >= h.FragmentCount {
		return Header{}, fmt.Errorf("%w: fragment %d of %d", errors.ErrBadFragment, h.FragmentIndex, h.FragmentCount)
	}
	return h, nil
}

// EncodeFrame builds a frame of h followed by body. Length is set from body.
func EncodeFrame(h Header, body []byte) []byte {
	h.Length = uint32(len(body))
	frame := make([]byte, 0, HeaderSize+len(body))
	frame = h.AppendBinary(frame)
	return append(frame, body...)
}

// DecodeFrame splits a complete frame into header and body. The body
// aliases b.
func DecodeFrame(b []byte) (Header, []byte, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	body := b[HeaderSize:]
	if uint64(len(body)) != uint64(h.Length) {
		return Header{}, nil, fmt.Errorf("%w: header says %d, got %d", errors.ErrLengthMismatch, h.Length, len(body))
	}
	return h, body, nil
}

// ReadFrame reads one frame from a stream: exactly HeaderSize bytes, then
// exactly Length bytes. A short read is reported as ErrShortFrame or
// ErrLengthMismatch wrapping the io error.
func ReadFrame(r io.Reader, maxLength uint32) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %w", errors.ErrShortFrame, err)
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Header{}, nil, err
	}
	if maxLength > 0 && h.Length > maxLength {
		return Header{}, nil, fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrPayloadTooLarge, h.Length, maxLength)
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %w", errors.ErrLengthMismatch, err)
	}
	return h, body, nil
}

// Fragment splits payload into datagram frames of at most MaxUDPChunk
// payload bytes, all sharing packetID. An empty payload is one empty frame.
func Fragment(hash codec.TypeHash, packetID uint16, payload []byte, multicast bool) ([][]byte, error) {
	count := (len(payload) + MaxUDPChunk - 1) / MaxUDPChunk
	if count == 0 {
		count = 1
	}
	if count > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments", errors.ErrPayloadTooLarge, len(payload), count)
	}

	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * MaxUDPChunk
		end := min(start+MaxUDPChunk, len(payload))
		frames = append(frames, EncodeFrame(Header{
			PacketID:      packetID,
			FragmentIndex: uint8(i),
			FragmentCount: uint8(count),
			TypeHash:      hash,
			Multicast:     multicast,
		}, payload[start:end]))
	}
	return frames, nil
}

// Handshake is exchanged by both ends right after a TCP connection opens.
// Layout: [u32 length][u16 udp_port][u16 tcp_port][name], where length
// counts the bytes after itself.
type Handshake struct {
	Name    string
	UDPPort uint16
	TCPPort uint16
}

// MarshalBinary encodes the handshake.
func (h Handshake) MarshalBinary() ([]byte, error) {
	if h.Name == "" || len(h.Name) > MaxNameLength {
		return nil, fmt.Errorf("%w: name length %d", errors.ErrHandshake, len(h.Name))
	}
	b := make([]byte, 0, 8+len(h.Name))
	b = binary.LittleEndian.AppendUint32(b, uint32(4+len(h.Name)))
	b = binary.LittleEndian.AppendUint16(b, h.UDPPort)
	b = binary.LittleEndian.AppendUint16(b, h.TCPPort)
	return append(b, h.Name...), nil
}

// ReadHandshake reads and validates one handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", errors.ErrHandshake, err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n <= 4 || n > 4+MaxNameLength {
		return Handshake{}, fmt.Errorf("%w: length %d", errors.ErrHandshake, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", errors.ErrHandshake, err)
	}
	return Handshake{
		UDPPort: binary.LittleEndian.Uint16(body[0:2]),
		TCPPort: binary.LittleEndian.Uint16(body[2:4]),
		Name:    string(body[4:]),
	}, nil
}

var announceMagic = [3]byte{0xE2, 0x98, 0xA2}

const (
	announceKind = 1
	announceSize = len(announceMagic) + 1 + 2 + 2
)

// Announce is multicast periodically so peers can discover each other.
// Layout: [E2 98 A2][u8 kind=1][u16 tcp_port][u16 udp_port][name].
type Announce struct {
	Name    string
	TCPPort uint16
	UDPPort uint16
}

// MarshalBinary encodes the announce datagram.
func (a Announce) MarshalBinary() ([]byte, error) {
	if a.Name == "" || len(a.Name) > MaxNameLength {
		return nil, fmt.Errorf("%w: announce name length %d", errors.ErrInvalidData, len(a.Name))
	}
	b := make([]byte, 0, announceSize+len(a.Name))
	b = append(b, announceMagic[:]...)
	b = append(b, announceKind)
	b = binary.LittleEndian.AppendUint16(b, a.TCPPort)
	b = binary.LittleEndian.AppendUint16(b, a.UDPPort)
	return append(b, a.Name...), nil
}

// IsAnnounce reports whether a datagram starts with the announce magic. No
// data frame can: its length field would exceed any datagram.
func IsAnnounce(b []byte) bool {
	return len(b) >= len(announceMagic) &&
		b[0] == announceMagic[0] && b[1] == announceMagic[1] && b[2] == announceMagic[2]
}

// DecodeAnnounce parses an announce datagram.
func DecodeAnnounce(b []byte) (Announce, error) {
	if !IsAnnounce(b) || len(b) <= announceSize || b[3] != announceKind {
		return Announce{}, fmt.Errorf("%w: not an announce", errors.ErrInvalidData)
	}
	name := b[announceSize:]
	if len(name) > MaxNameLength {
		return Announce{}, fmt.Errorf("%w: announce name length %d", errors.ErrInvalidData, len(name))
	}
	return Announce{
		TCPPort: binary.LittleEndian.Uint16(b[4:6]),
		UDPPort: binary.LittleEndian.Uint16(b[6:8]),
		Name:    string(name),
	}, nil
}
