package quicfault

//
// Extensions block codec
//
// References:
//
// - https://datatracker.ietf.org/doc/html/rfc8446#section-4.2
//
// - https://www.rfc-editor.org/rfc/rfc9001.html#name-quic-transport-parameters-e
//

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ExtensionTypeQUICTransportParameters is the extension carrying the
// transport parameters negotiated during the handshake.
const ExtensionTypeQUICTransportParameters = uint16(0x39)

// ExtensionTypeALPN is the application-layer protocol negotiation
// extension.
const ExtensionTypeALPN = uint16(0x10)

// ErrExtensionNotFound is the error returned when an extensions block
// does not contain the requested extension type. This condition is
// not fatal: the block is left unchanged.
var ErrExtensionNotFound = errors.New("quicfault: extension not found")

// ErrExtensionsParse is the error returned when an extensions block
// cannot be parsed.
var ErrExtensionsParse = errors.New("quicfault: cannot parse extensions block")

// newErrExtensionsParse returns a new [ErrExtensionsParse].
func newErrExtensionsParse(message string) error {
	return fmt.Errorf("%w: %s", ErrExtensionsParse, message)
}

// ExtensionsBlock is an ordered sequence of (type, length, payload)
// extension entries, as carried by a handshake message. Mutation is
// limited to [ExtensionsBlock.Delete]: there is no raw overwrite, so
// the enclosing message's length bookkeeping stays consistent. The
// zero value is invalid; construct using [NewExtensionsBlock].
type ExtensionsBlock struct {
	// data contains the serialized entries without the enclosing
	// u16 length prefix.
	data []byte
}

// NewExtensionsBlock validates and wraps serialized extension
// entries. The input is the content of a message's extensions field
// without its u16 length prefix. The block takes ownership of data.
func NewExtensionsBlock(data []byte) (*ExtensionsBlock, error) {
	cursor := cryptobyte.String(data)
	for !cursor.Empty() {
		var typ uint16
		if !cursor.ReadUint16(&typ) {
			return nil, newErrExtensionsParse("cannot read extension type")
		}
		var payload cryptobyte.String
		if !cursor.ReadUint16LengthPrefixed(&payload) {
			return nil, newErrExtensionsParse("cannot read extension payload")
		}
	}
	return &ExtensionsBlock{data: data}, nil
}

// Bytes returns the serialized entries. The caller MUST NOT mutate
// the returned slice.
func (blk *ExtensionsBlock) Bytes() []byte {
	return blk.data
}

// Len returns the serialized length of the block in bytes.
func (blk *ExtensionsBlock) Len() int {
	return len(blk.data)
}

// Find returns the offset and full encoded size (type and length
// header plus payload) of the first entry with the given type, or
// false when the block does not contain such an entry.
func (blk *ExtensionsBlock) Find(typ uint16) (offset, size int, ok bool) {
	cursor := cryptobyte.String(blk.data)
	for !cursor.Empty() {
		start := len(blk.data) - len(cursor)
		var entryType uint16
		var payload cryptobyte.String
		if !cursor.ReadUint16(&entryType) || !cursor.ReadUint16LengthPrefixed(&payload) {
			// cannot happen after NewExtensionsBlock validation
			return 0, 0, false
		}
		if entryType == typ {
			return start, 4 + len(payload), true
		}
	}
	return 0, 0, false
}

// Delete removes exactly the first entry with the given type: its
// full encoded span disappears while every other entry keeps its
// byte-for-byte content and relative order. Returns
// [ErrExtensionNotFound] when there is no such entry, in which case
// the block is unchanged. The caller's writeback path must shrink the
// enclosing message's length field by the same delta.
func (blk *ExtensionsBlock) Delete(typ uint16) error {
	offset, size, ok := blk.Find(typ)
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrExtensionNotFound, typ)
	}
	blk.data = append(blk.data[:offset], blk.data[offset+size:]...)
	return nil
}

// appendExtension appends one serialized extension entry.
func appendExtension(b *cryptobyte.Builder, typ uint16, payload []byte) {
	b.AddUint16(typ)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(payload)
	})
}
