package quicfault

//
// Handshake message codec
//
// References:
//
// - https://datatracker.ietf.org/doc/html/rfc8446
//
// - https://pkg.go.dev/golang.org/x/crypto/cryptobyte
//

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/crypto/cryptobyte"
)

// Handshake message types, as defined in RFC 8446 Section 4.
const (
	// HandshakeTypeClientHello is the client's first flight.
	HandshakeTypeClientHello = uint8(1)

	// HandshakeTypeServerHello is the server's first reply.
	HandshakeTypeServerHello = uint8(2)

	// HandshakeTypeEncryptedExtensions carries the server's
	// protocol extensions, among which the transport parameters.
	HandshakeTypeEncryptedExtensions = uint8(8)

	// HandshakeTypeCertificate carries the server certificate.
	HandshakeTypeCertificate = uint8(11)

	// HandshakeTypeFinished closes a peer's flight.
	HandshakeTypeFinished = uint8(20)
)

// ErrHandshakeParse is the error returned in case there is a
// handshake message parse error.
var ErrHandshakeParse = errors.New("quicfault: handshake parse error")

// newErrHandshakeParse returns a new [ErrHandshakeParse].
func newErrHandshakeParse(message string) error {
	return fmt.Errorf("%w: %s", ErrHandshakeParse, message)
}

// legacyVersionTLS12 is the legacy_version field value.
const legacyVersionTLS12 = uint16(0x0303)

// cipherSuiteAES128GCMSHA256 is the only suite the endpoints speak.
const cipherSuiteAES128GCMSHA256 = uint16(0x1301)

// HandshakeMessage is the structured view of one handshake message
// exposed to a handshake-message listener. Do NOT create an empty
// HandshakeMessage: the [FaultInjector] builds one per intercepted
// message.
type HandshakeMessage struct {
	// Type is the handshake message type.
	Type uint8

	// Body is the message body without the four-byte message header.
	// Listeners MUST treat it as read only.
	Body []byte

	// Extensions is the message's extensions block, or nil when the
	// message type carries none. Mutation goes through the block's
	// Find and Delete operations; the framework adjusts the
	// enclosing message's length field on writeback.
	Extensions *ExtensionsBlock
}

// rawHandshakeMessage is one handshake message located inside a
// CRYPTO frame's data.
type rawHandshakeMessage struct {
	// typ is the handshake message type.
	typ uint8

	// body is the message body.
	body []byte

	// start is the offset of the message within the crypto data.
	start int

	// end is the offset one past the message within the crypto data.
	end int
}

// parseHandshakeMessages splits a crypto stream chunk into the
// complete handshake messages it contains. A trailing partial
// message yields an error since the endpoints always pack whole
// messages into a single frame.
func parseHandshakeMessages(data []byte) ([]*rawHandshakeMessage, error) {
	var out []*rawHandshakeMessage
	cursor := cryptobyte.String(data)
	for !cursor.Empty() {
		start := len(data) - len(cursor)
		msg := &rawHandshakeMessage{start: start}
		if !cursor.ReadUint8(&msg.typ) {
			return nil, newErrHandshakeParse("cannot read message type")
		}
		var body cryptobyte.String
		if !cursor.ReadUint24LengthPrefixed(&body) {
			return nil, newErrHandshakeParse("cannot read message body")
		}
		msg.body = body
		msg.end = len(data) - len(cursor)
		out = append(out, msg)
	}
	return out, nil
}

// appendHandshakeMessage appends a message header and body.
func appendHandshakeMessage(b *cryptobyte.Builder, typ uint8, body func(b *cryptobyte.Builder)) {
	b.AddUint8(typ)
	b.AddUint24LengthPrefixed(body)
}

// clientHello is the parsed ClientHello message.
type clientHello struct {
	// Random contains exactly 32 bytes of random data.
	Random [32]byte

	// ALPN is the protocol name offered by the client.
	ALPN string

	// TransportParams contains the raw transport parameters.
	TransportParams []byte
}

// marshalClientHello serializes a ClientHello message.
func marshalClientHello(random [32]byte, alpn string, transportParams []byte) []byte {
	b := &cryptobyte.Builder{}
	appendHandshakeMessage(b, HandshakeTypeClientHello, func(b *cryptobyte.Builder) {
		b.AddUint16(legacyVersionTLS12)
		b.AddBytes(random[:])
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // legacy_session_id
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(cipherSuiteAES128GCMSHA256)
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0) // legacy_compression_methods
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			appendExtension(b, ExtensionTypeQUICTransportParameters, transportParams)
			appendExtension(b, ExtensionTypeALPN, marshalALPN(alpn))
		})
	})
	return Must1(b.Bytes())
}

// parseClientHello parses a ClientHello message body.
func parseClientHello(body []byte) (*clientHello, error) {
	ch := &clientHello{}
	cursor := cryptobyte.String(body)

	var version uint16
	if !cursor.ReadUint16(&version) {
		return nil, newErrHandshakeParse("client hello: cannot read protocol version field")
	}
	var random []byte
	if !cursor.ReadBytes(&random, 32) {
		return nil, newErrHandshakeParse("client hello: cannot read random field")
	}
	copy(ch.Random[:], random)

	var legacySessionID cryptobyte.String
	if !cursor.ReadUint8LengthPrefixed(&legacySessionID) {
		return nil, newErrHandshakeParse("client hello: cannot read legacy session id field")
	}
	var cipherSuites cryptobyte.String
	if !cursor.ReadUint16LengthPrefixed(&cipherSuites) {
		return nil, newErrHandshakeParse("client hello: cannot read cipher suites field")
	}
	var legacyCompression cryptobyte.String
	if !cursor.ReadUint8LengthPrefixed(&legacyCompression) {
		return nil, newErrHandshakeParse("client hello: cannot read legacy compression methods field")
	}
	var extensions cryptobyte.String
	if !cursor.ReadUint16LengthPrefixed(&extensions) {
		return nil, newErrHandshakeParse("client hello: cannot read extensions field")
	}
	if !cursor.Empty() {
		return nil, newErrHandshakeParse("client hello: unparsed trailing data")
	}

	blk, err := NewExtensionsBlock(extensions)
	if err != nil {
		return nil, err
	}
	if offset, size, ok := blk.Find(ExtensionTypeALPN); ok {
		alpn, err := parseALPN(blk.Bytes()[offset+4 : offset+size])
		if err != nil {
			return nil, err
		}
		ch.ALPN = alpn
	}
	if offset, size, ok := blk.Find(ExtensionTypeQUICTransportParameters); ok {
		ch.TransportParams = blk.Bytes()[offset+4 : offset+size]
	}
	return ch, nil
}

// marshalServerHello serializes a ServerHello message.
func marshalServerHello(random [32]byte) []byte {
	b := &cryptobyte.Builder{}
	appendHandshakeMessage(b, HandshakeTypeServerHello, func(b *cryptobyte.Builder) {
		b.AddUint16(legacyVersionTLS12)
		b.AddBytes(random[:])
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // legacy_session_id_echo
		b.AddUint16(cipherSuiteAES128GCMSHA256)
		b.AddUint8(0) // legacy_compression_method
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {})
	})
	return Must1(b.Bytes())
}

// parseServerHello parses a ServerHello message body and returns the
// server random.
func parseServerHello(body []byte) ([32]byte, error) {
	var out [32]byte
	cursor := cryptobyte.String(body)

	var version uint16
	if !cursor.ReadUint16(&version) {
		return out, newErrHandshakeParse("server hello: cannot read protocol version field")
	}
	var random []byte
	if !cursor.ReadBytes(&random, 32) {
		return out, newErrHandshakeParse("server hello: cannot read random field")
	}
	copy(out[:], random)

	var legacySessionID cryptobyte.String
	if !cursor.ReadUint8LengthPrefixed(&legacySessionID) {
		return out, newErrHandshakeParse("server hello: cannot read legacy session id field")
	}
	var suite uint16
	if !cursor.ReadUint16(&suite) {
		return out, newErrHandshakeParse("server hello: cannot read cipher suite field")
	}
	if suite != cipherSuiteAES128GCMSHA256 {
		return out, newErrHandshakeParse("server hello: unsupported cipher suite")
	}
	var compression uint8
	if !cursor.ReadUint8(&compression) {
		return out, newErrHandshakeParse("server hello: cannot read compression field")
	}
	var extensions cryptobyte.String
	if !cursor.ReadUint16LengthPrefixed(&extensions) {
		return out, newErrHandshakeParse("server hello: cannot read extensions field")
	}
	return out, nil
}

// marshalEncryptedExtensions serializes an EncryptedExtensions
// message carrying the transport parameters and the negotiated ALPN.
func marshalEncryptedExtensions(transportParams []byte, alpn string) []byte {
	b := &cryptobyte.Builder{}
	appendHandshakeMessage(b, HandshakeTypeEncryptedExtensions, func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			appendExtension(b, ExtensionTypeQUICTransportParameters, transportParams)
			appendExtension(b, ExtensionTypeALPN, marshalALPN(alpn))
		})
	})
	return Must1(b.Bytes())
}

// parseEncryptedExtensions parses an EncryptedExtensions message body
// into an [ExtensionsBlock].
func parseEncryptedExtensions(body []byte) (*ExtensionsBlock, error) {
	cursor := cryptobyte.String(body)
	var extensions cryptobyte.String
	if !cursor.ReadUint16LengthPrefixed(&extensions) {
		return nil, newErrHandshakeParse("encrypted extensions: cannot read extensions field")
	}
	if !cursor.Empty() {
		return nil, newErrHandshakeParse("encrypted extensions: unparsed trailing data")
	}
	return NewExtensionsBlock(extensions)
}

// marshalEncryptedExtensionsBody rebuilds an EncryptedExtensions
// message from a possibly mutated extensions block. This is the
// writeback path of the handshake-message hook.
func marshalEncryptedExtensionsBody(blk *ExtensionsBlock) []byte {
	b := &cryptobyte.Builder{}
	appendHandshakeMessage(b, HandshakeTypeEncryptedExtensions, func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(blk.Bytes())
		})
	})
	return Must1(b.Bytes())
}

// marshalCertificate serializes a Certificate message carrying a
// single DER certificate.
func marshalCertificate(der []byte) []byte {
	b := &cryptobyte.Builder{}
	appendHandshakeMessage(b, HandshakeTypeCertificate, func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // certificate_request_context
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(der)
			})
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {}) // per-entry extensions
		})
	})
	return Must1(b.Bytes())
}

// parseCertificate parses a Certificate message body and returns the
// first DER certificate.
func parseCertificate(body []byte) ([]byte, error) {
	cursor := cryptobyte.String(body)
	var context cryptobyte.String
	if !cursor.ReadUint8LengthPrefixed(&context) {
		return nil, newErrHandshakeParse("certificate: cannot read request context field")
	}
	var list cryptobyte.String
	if !cursor.ReadUint24LengthPrefixed(&list) {
		return nil, newErrHandshakeParse("certificate: cannot read certificate list field")
	}
	var der cryptobyte.String
	if !list.ReadUint24LengthPrefixed(&der) {
		return nil, newErrHandshakeParse("certificate: cannot read certificate data field")
	}
	if len(der) <= 0 {
		return nil, newErrHandshakeParse("certificate: empty certificate data")
	}
	return der, nil
}

// marshalFinished serializes a Finished message.
func marshalFinished(verify []byte) []byte {
	b := &cryptobyte.Builder{}
	appendHandshakeMessage(b, HandshakeTypeFinished, func(b *cryptobyte.Builder) {
		b.AddBytes(verify)
	})
	return Must1(b.Bytes())
}

// marshalALPN serializes an ALPN extension payload carrying a single
// protocol name.
func marshalALPN(alpn string) []byte {
	b := &cryptobyte.Builder{}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(alpn))
		})
	})
	return Must1(b.Bytes())
}

// parseALPN parses an ALPN extension payload and returns the first
// protocol name.
func parseALPN(payload []byte) (string, error) {
	cursor := cryptobyte.String(payload)
	var list cryptobyte.String
	if !cursor.ReadUint16LengthPrefixed(&list) {
		return "", newErrHandshakeParse("alpn: cannot read protocol name list field")
	}
	var name cryptobyte.String
	if !list.ReadUint8LengthPrefixed(&name) {
		return "", newErrHandshakeParse("alpn: cannot read protocol name field")
	}
	return string(name), nil
}

// Transport parameter IDs, as defined in RFC 9000 Section 18.2. The
// endpoints only negotiate a small subset.
const (
	transportParamMaxIdleTimeout  = uint64(0x01)
	transportParamInitialMaxData  = uint64(0x04)
	transportParamInitialMaxsBidi = uint64(0x08)
)

// marshalTransportParams serializes the transport parameters the
// endpoints advertise, as a sequence of (id, length, value) entries
// with variable-length integer ids and lengths.
func marshalTransportParams() []byte {
	var b []byte
	b = appendTransportParam(b, transportParamMaxIdleTimeout, 30000)
	b = appendTransportParam(b, transportParamInitialMaxData, 1<<20)
	b = appendTransportParam(b, transportParamInitialMaxsBidi, 16)
	return b
}

// appendTransportParam appends one transport parameter entry whose
// value is itself a variable-length integer.
func appendTransportParam(b []byte, id, value uint64) []byte {
	b = quicvarint.Append(b, id)
	b = quicvarint.Append(b, uint64(quicvarint.Len(value)))
	return quicvarint.Append(b, value)
}

// parseTransportParams validates a transport parameters extension
// payload, returning the parameters it contains. Unknown ids are
// accepted and reported verbatim.
func parseTransportParams(payload []byte) (map[uint64][]byte, error) {
	out := map[uint64][]byte{}
	pos := 0
	for pos < len(payload) {
		id, n, err := quicvarint.Parse(payload[pos:])
		if err != nil {
			return nil, newErrHandshakeParse("transport parameters: cannot read id")
		}
		pos += n
		length, n, err := quicvarint.Parse(payload[pos:])
		if err != nil {
			return nil, newErrHandshakeParse("transport parameters: cannot read length")
		}
		pos += n
		if uint64(len(payload)-pos) < length {
			return nil, newErrHandshakeParse("transport parameters: value beyond payload")
		}
		out[id] = payload[pos : pos+int(length)]
		pos += int(length)
	}
	return out, nil
}
