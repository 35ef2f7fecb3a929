package quicfault

//
// Packet header codec
//
// References:
//
// - https://www.rfc-editor.org/rfc/rfc9000.html#name-packet-formats
//

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/crypto/cryptobyte"
)

// ErrMalformedHeader is the error returned when a packet header's
// length fields are inconsistent with the buffer size.
var ErrMalformedHeader = errors.New("quicfault: malformed packet header")

// newErrMalformedHeader returns a new [ErrMalformedHeader].
func newErrMalformedHeader(message string) error {
	return fmt.Errorf("%w: %s", ErrMalformedHeader, message)
}

// ErrEncodingLimit is the error returned when a requested size cannot
// be represented in a packet's or message's length encoding.
var ErrEncodingLimit = errors.New("quicfault: size exceeds length-field encoding")

// PacketType is the type of a packet.
type PacketType int

// PacketTypeInitial is a long-header Initial packet.
const PacketTypeInitial = PacketType(0)

// PacketTypeHandshake is a long-header Handshake packet.
const PacketTypeHandshake = PacketType(2)

// PacketTypeOneRTT is a short-header 1-RTT packet.
const PacketTypeOneRTT = PacketType(4)

// String implements fmt.Stringer.
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeInitial:
		return "initial"
	case PacketTypeHandshake:
		return "handshake"
	case PacketTypeOneRTT:
		return "1rtt"
	default:
		return "unknown"
	}
}

// transportVersion is the wire version spoken by the endpoints.
const transportVersion = uint32(0x00000001)

// connIDLen is the length of every connection ID on the wire. Using a
// fixed length lets [ParsePacketHeader] parse short headers without
// any connection context.
const connIDLen = 8

// sentPnLen is the packet-number length the endpoints encode. The
// parser accepts any length between 1 and 4.
const sentPnLen = 2

// sentLengthWidth is the varint width the endpoints use for the long
// header length field. A fixed two-byte encoding leaves headroom for
// listeners growing the payload without changing the field's width.
const sentLengthWidth = 2

// PacketHeader is the parsed view of one packet's header. It is
// rebuilt for each intercepted packet and never persisted. Do NOT
// create an empty PacketHeader: use [ParsePacketHeader].
type PacketHeader struct {
	// Type is the packet type.
	Type PacketType

	// Version is the wire version (zero for short headers).
	Version uint32

	// DestinationID is the destination connection ID.
	DestinationID []byte

	// SourceID is the source connection ID (empty for short headers).
	SourceID []byte

	// Token is the Initial packet's token (nil otherwise).
	Token []byte

	// PacketNumber is the packet number.
	PacketNumber uint64

	// PnLen is the encoded packet-number length in bytes.
	PnLen int

	// Length is the value of the length field: the number of bytes
	// of packet number plus protected payload. For short headers the
	// field is implicit and computed from the buffer size.
	Length int

	// lengthOffset is the offset of the length field within the
	// packet buffer, or -1 for short headers.
	lengthOffset int

	// lengthWidth is the encoded width of the length field in bytes,
	// or zero for short headers.
	lengthWidth int

	// headerLen is the number of bytes from the start of the packet
	// through the packet number.
	headerLen int
}

// Level returns the encryption level protecting this packet.
func (h *PacketHeader) Level() EncryptionLevel {
	switch h.Type {
	case PacketTypeInitial:
		return EncryptionLevelInitial
	case PacketTypeHandshake:
		return EncryptionLevelHandshake
	default:
		return EncryptionLevelApplication
	}
}

// HeaderLen returns the number of bytes from the start of the packet
// through the packet number. These bytes are the AEAD's additional data.
func (h *PacketHeader) HeaderLen() int {
	return h.headerLen
}

// headerForm bits of the first byte.
const (
	headerFormLong  = byte(0b1000_0000)
	headerFixedBit  = byte(0b0100_0000)
	headerTypeMask  = byte(0b0011_0000)
	headerPnLenMask = byte(0b0000_0011)
)

// ParsePacketHeader parses the header of the packet stored in raw,
// which MUST contain exactly one packet. Returns [ErrMalformedHeader]
// when length fields are inconsistent with the buffer size.
func ParsePacketHeader(raw []byte) (*PacketHeader, error) {
	cursor := &stringWithCntr{cryptobyte.String(raw), 0}
	hdr := &PacketHeader{}

	var first byte
	if !cursor.readSingle(&first) {
		return nil, newErrMalformedHeader("empty buffer")
	}
	if first&headerFixedBit == 0 {
		return nil, newErrMalformedHeader("fixed bit not set")
	}
	hdr.PnLen = int(first&headerPnLenMask) + 1

	if first&headerFormLong == 0 {
		return parseShortHeader(hdr, cursor, raw)
	}
	return parseLongHeader(hdr, first, cursor, raw)
}

// parseShortHeader parses the remainder of a 1-RTT short header.
func parseShortHeader(hdr *PacketHeader, cursor *stringWithCntr, raw []byte) (*PacketHeader, error) {
	hdr.Type = PacketTypeOneRTT
	hdr.lengthOffset = -1
	if !cursor.read(&hdr.DestinationID, connIDLen) {
		return nil, newErrMalformedHeader("short header: cannot read destination ID")
	}
	var pn []byte
	if !cursor.read(&pn, hdr.PnLen) {
		return nil, newErrMalformedHeader("short header: cannot read packet number")
	}
	hdr.PacketNumber = decodePacketNumber(pn)
	hdr.headerLen = cursor.cntr

	// the payload extends to the end of the buffer
	hdr.Length = hdr.PnLen + (len(raw) - hdr.headerLen)
	if len(raw) <= hdr.headerLen {
		return nil, newErrMalformedHeader("short header: no payload")
	}
	return hdr, nil
}

// parseLongHeader parses the remainder of a long header.
func parseLongHeader(hdr *PacketHeader, first byte, cursor *stringWithCntr, raw []byte) (*PacketHeader, error) {
	hdr.Type = PacketType(first&headerTypeMask) >> 4
	switch hdr.Type {
	case PacketTypeInitial, PacketTypeHandshake:
		// all good
	default:
		return nil, newErrMalformedHeader("long header: unsupported packet type")
	}

	var versionBytes []byte
	if !cursor.read(&versionBytes, 4) {
		return nil, newErrMalformedHeader("long header: cannot read version")
	}
	hdr.Version = binary.BigEndian.Uint32(versionBytes)
	if hdr.Version != transportVersion {
		return nil, newErrMalformedHeader("long header: unknown version")
	}

	// Destination Connection ID (1 + n)
	var lendid uint8
	if !cursor.readSingle(&lendid) {
		return nil, newErrMalformedHeader("long header: cannot read destination ID length")
	}
	if !cursor.read(&hdr.DestinationID, int(lendid)) {
		return nil, newErrMalformedHeader("long header: cannot read destination ID")
	}

	// Source Connection ID (1 + n)
	var lensid uint8
	if !cursor.readSingle(&lensid) {
		return nil, newErrMalformedHeader("long header: cannot read source ID length")
	}
	if !cursor.read(&hdr.SourceID, int(lensid)) {
		return nil, newErrMalformedHeader("long header: cannot read source ID")
	}

	// Token (varint + n), Initial packets only
	if hdr.Type == PacketTypeInitial {
		tokenlen, n, err := quicvarint.Parse(cursor.rest())
		if err != nil {
			return nil, newErrMalformedHeader("long header: cannot read token length")
		}
		cursor.skip(n)
		if !cursor.read(&hdr.Token, int(tokenlen)) {
			return nil, newErrMalformedHeader("long header: cannot read token")
		}
	}

	// Length of packet number plus protected payload (varint)
	hdr.lengthOffset = cursor.cntr
	length, n, err := quicvarint.Parse(cursor.rest())
	if err != nil {
		return nil, newErrMalformedHeader("long header: cannot read length")
	}
	cursor.skip(n)
	hdr.lengthWidth = n
	hdr.Length = int(length)

	var pn []byte
	if !cursor.read(&pn, hdr.PnLen) {
		return nil, newErrMalformedHeader("long header: cannot read packet number")
	}
	hdr.PacketNumber = decodePacketNumber(pn)
	hdr.headerLen = cursor.cntr

	// the length field must account exactly for the rest of the buffer
	if hdr.Length < hdr.PnLen {
		return nil, newErrMalformedHeader("long header: length smaller than packet number")
	}
	if hdr.headerLen+(hdr.Length-hdr.PnLen) != len(raw) {
		return nil, newErrMalformedHeader("long header: length inconsistent with buffer size")
	}
	return hdr, nil
}

// RewriteLength rewrites the header's length field inside raw so that
// it holds newLen, the number of bytes of packet number plus protected
// payload. Returns [ErrEncodingLimit] when newLen cannot be encoded in
// the field's existing varint width. For short headers the length is
// implicit and only the parsed view is updated.
func (h *PacketHeader) RewriteLength(raw []byte, newLen int) error {
	if newLen < h.PnLen {
		return newErrMalformedHeader("length smaller than packet number")
	}
	if h.lengthOffset < 0 {
		h.Length = newLen
		return nil
	}
	if quicvarint.Len(uint64(newLen)) > h.lengthWidth {
		return fmt.Errorf("%w: %d does not fit %d bytes", ErrEncodingLimit, newLen, h.lengthWidth)
	}
	enc := quicvarint.AppendWithLen(nil, uint64(newLen), h.lengthWidth)
	copy(raw[h.lengthOffset:], enc)
	h.Length = newLen
	return nil
}

// canRepresentLength returns true when a rewritten length field could
// hold the value newLen.
func (h *PacketHeader) canRepresentLength(newLen int) bool {
	if h.lengthOffset < 0 {
		return true
	}
	return quicvarint.Len(uint64(newLen)) <= h.lengthWidth
}

// appendPacketHeader serializes a packet header. The caller provides
// the packet number and the value of the length field; the encoder
// always uses [sentPnLen] and [sentLengthWidth].
func appendPacketHeader(b []byte, typ PacketType, destID, srcID []byte, pn uint64, length int) []byte {
	if typ == PacketTypeOneRTT {
		b = append(b, headerFixedBit|byte(sentPnLen-1))
		b = append(b, destID...)
		return appendPacketNumber(b, pn)
	}
	b = append(b, headerFormLong|headerFixedBit|byte(typ)<<4|byte(sentPnLen-1))
	b = binary.BigEndian.AppendUint32(b, transportVersion)
	b = append(b, byte(len(destID)))
	b = append(b, destID...)
	b = append(b, byte(len(srcID)))
	b = append(b, srcID...)
	if typ == PacketTypeInitial {
		b = quicvarint.Append(b, 0) // empty token
	}
	b = quicvarint.AppendWithLen(b, uint64(length), sentLengthWidth)
	return appendPacketNumber(b, pn)
}

// appendPacketNumber encodes the truncated packet number.
func appendPacketNumber(b []byte, pn uint64) []byte {
	return binary.BigEndian.AppendUint16(b, uint16(pn))
}

// decodePacketNumber decodes a 1-4 bytes truncated packet number.
func decodePacketNumber(pn []byte) uint64 {
	var v uint64
	for _, b := range pn {
		v = v<<8 | uint64(b)
	}
	return v
}

// stringWithCntr is a cryptobyte.String with a counter of the raw bytes
type stringWithCntr struct {
	cryptobyte.String
	cntr int
}

// readSingle reads a single byte and increments the counter by 1
func (s *stringWithCntr) readSingle(out *byte) bool {
	var tmp []byte
	r := s.read(&tmp, 1)
	if r {
		*out = tmp[0]
	}
	return r
}

// read reads i bytes and increments the counter by i
func (s *stringWithCntr) read(out *[]byte, i int) bool {
	r := s.ReadBytes(out, i)
	if r {
		s.cntr += i
	}
	return r
}

// skip skips i bytes and increments the counter by i
func (s *stringWithCntr) skip(i int) bool {
	r := s.Skip(i)
	if r {
		s.cntr += i
	}
	return r
}

// rest returns the unparsed bytes without consuming them.
func (s *stringWithCntr) rest() []byte {
	return s.String
}
