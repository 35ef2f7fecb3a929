package quicfault

//
// Frame codec
//
// References:
//
// - https://www.rfc-editor.org/rfc/rfc9000.html#name-frame-types-and-formats
//

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// Frame types understood by the endpoints. Any other type is a
// protocol violation.
const (
	frameTypePadding   = uint64(0x00)
	frameTypeCrypto    = uint64(0x06)
	frameTypeStream    = uint64(0x08) // no OFF/LEN/FIN bits: extends to end of packet
	frameTypeConnClose = uint64(0x1c)
)

// Transport error codes, as defined in RFC 9000 Section 20.1.
const (
	// TransportErrorNone indicates a clean close.
	TransportErrorNone = uint64(0x00)

	// TransportErrorFrameEncoding indicates a frame that could not
	// be parsed or has an unknown type.
	TransportErrorFrameEncoding = uint64(0x07)

	// TransportErrorTransportParameter indicates missing or invalid
	// transport parameters.
	TransportErrorTransportParameter = uint64(0x08)

	// TransportErrorProtocolViolation indicates a generic violation.
	TransportErrorProtocolViolation = uint64(0x0a)
)

// errUnknownFrameType is returned by the frame reader when it finds a
// frame type the endpoints do not implement.
var errUnknownFrameType = errors.New("quicfault: unknown frame type")

// errTruncatedFrame is returned by the frame reader when a frame is
// shorter than its encoding requires.
var errTruncatedFrame = errors.New("quicfault: truncated frame")

// appendCryptoFrame appends a CRYPTO frame carrying data at the given
// offset in the handshake byte stream.
func appendCryptoFrame(b []byte, offset uint64, data []byte) []byte {
	b = quicvarint.Append(b, frameTypeCrypto)
	b = quicvarint.Append(b, offset)
	b = quicvarint.Append(b, uint64(len(data)))
	return append(b, data...)
}

// appendStreamFrame appends a STREAM frame whose data extends to the
// end of the packet. Because of the implicit length, a STREAM frame
// MUST be the last frame of its packet.
func appendStreamFrame(b []byte, streamID uint64, data []byte) []byte {
	b = quicvarint.Append(b, frameTypeStream)
	b = quicvarint.Append(b, streamID)
	return append(b, data...)
}

// appendConnCloseFrame appends a CONNECTION_CLOSE frame.
func appendConnCloseFrame(b []byte, errorCode uint64, reason string) []byte {
	b = quicvarint.Append(b, frameTypeConnClose)
	b = quicvarint.Append(b, errorCode)
	b = quicvarint.Append(b, 0) // offending frame type: unknown
	b = quicvarint.Append(b, uint64(len(reason)))
	return append(b, []byte(reason)...)
}

// frame is one parsed frame.
type frame struct {
	// kind is the frame type.
	kind uint64

	// offset is the CRYPTO frame's stream offset.
	offset uint64

	// streamID is the STREAM frame's stream ID.
	streamID uint64

	// errorCode is the CONNECTION_CLOSE frame's transport error code.
	errorCode uint64

	// reason is the CONNECTION_CLOSE frame's reason phrase.
	reason string

	// data is the CRYPTO or STREAM frame's payload.
	data []byte

	// start is the offset of the frame within the packet payload.
	start int

	// dataStart is the offset of the frame's payload within the
	// packet payload (CRYPTO frames only).
	dataStart int

	// end is the offset one past the frame within the packet payload.
	end int
}

// frameReader walks the frames inside a decrypted packet payload.
type frameReader struct {
	payload []byte
	pos     int
}

// newFrameReader creates a [frameReader] for the given payload.
func newFrameReader(payload []byte) *frameReader {
	return &frameReader{payload: payload}
}

// more returns true when there are more bytes to parse.
func (r *frameReader) more() bool {
	return r.pos < len(r.payload)
}

// next parses the next frame. PADDING bytes are consumed and returned
// as a single zero-length padding frame.
func (r *frameReader) next() (*frame, error) {
	fr := &frame{start: r.pos}

	kind, n, err := quicvarint.Parse(r.payload[r.pos:])
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read frame type", errTruncatedFrame)
	}
	r.pos += n
	fr.kind = kind

	switch kind {
	case frameTypePadding:
		for r.pos < len(r.payload) && r.payload[r.pos] == 0 {
			r.pos++
		}

	case frameTypeCrypto:
		if err := r.parseCrypto(fr); err != nil {
			return nil, err
		}

	case frameTypeStream:
		streamID, n, err := quicvarint.Parse(r.payload[r.pos:])
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read stream ID", errTruncatedFrame)
		}
		r.pos += n
		fr.streamID = streamID
		fr.data = r.payload[r.pos:]
		r.pos = len(r.payload)

	case frameTypeConnClose:
		if err := r.parseConnClose(fr); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: 0x%x", errUnknownFrameType, kind)
	}

	fr.end = r.pos
	return fr, nil
}

// parseCrypto parses the body of a CRYPTO frame.
func (r *frameReader) parseCrypto(fr *frame) error {
	offset, n, err := quicvarint.Parse(r.payload[r.pos:])
	if err != nil {
		return fmt.Errorf("%w: cannot read crypto offset", errTruncatedFrame)
	}
	r.pos += n
	fr.offset = offset

	length, n, err := quicvarint.Parse(r.payload[r.pos:])
	if err != nil {
		return fmt.Errorf("%w: cannot read crypto length", errTruncatedFrame)
	}
	r.pos += n

	fr.dataStart = r.pos
	if uint64(len(r.payload)-r.pos) < length {
		return fmt.Errorf("%w: crypto data beyond payload", errTruncatedFrame)
	}
	fr.data = r.payload[r.pos : r.pos+int(length)]
	r.pos += int(length)
	return nil
}

// parseConnClose parses the body of a CONNECTION_CLOSE frame.
func (r *frameReader) parseConnClose(fr *frame) error {
	errorCode, n, err := quicvarint.Parse(r.payload[r.pos:])
	if err != nil {
		return fmt.Errorf("%w: cannot read error code", errTruncatedFrame)
	}
	r.pos += n
	fr.errorCode = errorCode

	if _, n, err = quicvarint.Parse(r.payload[r.pos:]); err != nil {
		return fmt.Errorf("%w: cannot read offending frame type", errTruncatedFrame)
	}
	r.pos += n

	reasonLen, n, err := quicvarint.Parse(r.payload[r.pos:])
	if err != nil {
		return fmt.Errorf("%w: cannot read reason length", errTruncatedFrame)
	}
	r.pos += n
	if uint64(len(r.payload)-r.pos) < reasonLen {
		return fmt.Errorf("%w: reason beyond payload", errTruncatedFrame)
	}
	fr.reason = string(r.payload[r.pos : r.pos+int(reasonLen)])
	r.pos += int(reasonLen)
	return nil
}
