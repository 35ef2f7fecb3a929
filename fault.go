package quicfault

//
// Fault injection hooks
//

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrNoPendingPacket is the error returned by [FaultInjector.ResizePlainPacket]
// when called outside a plain-packet listener.
var ErrNoPendingPacket = errors.New("quicfault: no packet being filtered")

// ErrAllocationFailure is the error returned when a resize request
// exceeds the buffer growth allowance.
var ErrAllocationFailure = errors.New("quicfault: cannot allocate resized packet")

// plainGrowthAllowance bounds how much a plain-packet listener may
// grow a packet payload beyond its original size.
const plainGrowthAllowance = 1024

// PlainPacketListener is invoked with the decrypted payload of every
// filtered packet. The listener mutates the payload in place through
// buf and optionally resizes it with [FaultInjector.ResizePlainPacket].
// Returning an error aborts the transmission of the packet.
type PlainPacketListener func(fi *FaultInjector, hdr *PacketHeader, buf *PlainPacketBuffer) error

// HandshakeMessageListener is invoked once, with the first filtered
// handshake message of the type it was registered for. Returning an
// error aborts the transmission of the enclosing packet.
type HandshakeMessageListener func(fi *FaultInjector, msg *HandshakeMessage) error

// PlainPacketBuffer holds the decrypted payload of the packet being
// filtered. Do NOT create an empty PlainPacketBuffer: the
// [FaultInjector] builds one per filtered packet.
type PlainPacketBuffer struct {
	// data is the current payload.
	data []byte

	// limit is the maximum size the payload may grow to.
	limit int
}

// Bytes returns the payload for in-place mutation. The slice is
// invalidated by [FaultInjector.ResizePlainPacket].
func (b *PlainPacketBuffer) Bytes() []byte {
	return b.data
}

// Len returns the current payload size.
func (b *PlainPacketBuffer) Len() int {
	return len(b.data)
}

// FaultInjector intercepts the packets flowing in one direction of a
// [Driver] topology and lets listeners corrupt them before delivery.
// Each hook has a single slot: registering a listener replaces the
// previous one. With no listeners registered, filtering passes every
// packet through byte for byte.
//
// A FaultInjector is not safe for concurrent use, matching the
// tick-driven model where all filtering happens on the caller's
// goroutine.
type FaultInjector struct {
	// logger is the logger to use.
	logger Logger

	// plainListener fires for every filtered packet.
	plainListener PlainPacketListener

	// handshakeListeners fire once per registered message type.
	handshakeListeners map[uint8]HandshakeMessageListener

	// pending is the buffer of the packet currently being filtered,
	// set only for the duration of a plain-packet listener call.
	pending *PlainPacketBuffer

	// pendingHdr is the header of the packet currently being filtered.
	pendingHdr *PacketHeader
}

// NewFaultInjector creates a new [FaultInjector].
func NewFaultInjector(logger Logger) *FaultInjector {
	if logger == nil {
		logger = &NullLogger{}
	}
	return &FaultInjector{
		logger:             logger,
		handshakeListeners: make(map[uint8]HandshakeMessageListener),
	}
}

// SetPlainPacketListener registers the listener invoked with every
// filtered packet's decrypted payload. A nil listener clears the slot.
func (fi *FaultInjector) SetPlainPacketListener(listener PlainPacketListener) {
	fi.plainListener = listener
}

// SetHandshakeMessageListener registers the listener invoked with the
// first filtered handshake message of the given type. The slot clears
// itself after firing. A nil listener clears the slot immediately.
func (fi *FaultInjector) SetHandshakeMessageListener(msgType uint8, listener HandshakeMessageListener) {
	if listener == nil {
		delete(fi.handshakeListeners, msgType)
		return
	}
	fi.handshakeListeners[msgType] = listener
}

// ResizePlainPacket resizes the payload of the packet currently being
// filtered to newLen bytes. Growth appends zero bytes, truncation
// drops trailing bytes; the listener rearranges the content
// afterwards. The packet's length field is rewritten on reseal.
//
// Returns [ErrNoPendingPacket] when no packet is being filtered,
// [ErrAllocationFailure] when newLen exceeds the growth allowance and
// [ErrEncodingLimit] when the resized packet cannot be represented in
// the header's length encoding.
func (fi *FaultInjector) ResizePlainPacket(newLen int) error {
	buf := fi.pending
	if buf == nil {
		return ErrNoPendingPacket
	}
	if newLen < 0 || newLen > buf.limit {
		return fmt.Errorf("%w: %d bytes exceeds allowance", ErrAllocationFailure, newLen)
	}
	if !fi.pendingHdr.canRepresentLength(fi.pendingHdr.PnLen + newLen + aeadOverhead) {
		return fmt.Errorf("%w: %d bytes", ErrEncodingLimit, newLen)
	}
	if newLen <= len(buf.data) {
		buf.data = buf.data[:newLen]
		return nil
	}
	grown := make([]byte, newLen)
	copy(grown, buf.data)
	buf.data = grown
	return nil
}

// DeleteExtension removes the extension with the given type from a
// handshake message's extensions block. Returns [ErrExtensionNotFound]
// when the message carries no such extension.
func (fi *FaultInjector) DeleteExtension(typ uint16, msg *HandshakeMessage) error {
	if msg == nil || msg.Extensions == nil {
		return ErrExtensionNotFound
	}
	return msg.Extensions.Delete(typ)
}

// Filter intercepts one in-flight frame. The sender's [RecordKeys]
// decrypt the packet for the listeners and reseal it afterwards.
// Without registered listeners the frame passes through unchanged;
// with listeners that do not mutate, resealing reproduces the exact
// original bytes. A listener error aborts the frame's delivery.
func (fi *FaultInjector) Filter(sender RecordKeys, fr *Frame) (*Frame, error) {
	if fi.plainListener == nil && len(fi.handshakeListeners) == 0 {
		return fr, nil
	}

	dissected, err := DissectFrame(fr)
	if err != nil {
		return nil, err
	}
	raw := dissected.QUICPayload()
	hdr, err := ParsePacketHeader(raw)
	if err != nil {
		return nil, err
	}
	protector, err := sender.SendKeys(hdr.Level())
	if err != nil {
		return nil, err
	}
	plain, err := protector.Open(hdr.PacketNumber, raw[:hdr.HeaderLen()], raw[hdr.HeaderLen():])
	if err != nil {
		return nil, err
	}

	mutated := false

	// handshake-message hooks run before the plain-packet hook so
	// the latter observes the rewritten payload
	if len(fi.handshakeListeners) > 0 {
		newPlain, changed, err := fi.applyHandshakeListeners(plain)
		if err != nil {
			return nil, err
		}
		if changed {
			plain = newPlain
			mutated = true
		}
	}

	if fi.plainListener != nil {
		buf := &PlainPacketBuffer{
			data:  plain,
			limit: len(plain) + plainGrowthAllowance,
		}
		snapshot := append([]byte{}, plain...)
		fi.pending, fi.pendingHdr = buf, hdr
		err := fi.plainListener(fi, hdr, buf)
		fi.pending, fi.pendingHdr = nil, nil
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(buf.data, snapshot) {
			plain = buf.data
			mutated = true
		}
	}

	if !mutated {
		return fr, nil
	}

	fi.logger.Debugf("quicfault: injector: rewriting %s packet %d", hdr.Type, hdr.PacketNumber)
	header := append([]byte{}, raw[:hdr.HeaderLen()]...)
	if err := hdr.RewriteLength(header, hdr.PnLen+len(plain)+aeadOverhead); err != nil {
		return nil, err
	}
	ciphertext := protector.Seal(hdr.PacketNumber, header, plain)
	return dissected.ReplacePayload(append(header, ciphertext...))
}

// applyHandshakeListeners walks the payload's CRYPTO frames, fires
// the listeners registered for the messages they contain and rewrites
// the payload when a listener mutated a message. A payload that does
// not parse passes through untouched.
func (fi *FaultInjector) applyHandshakeListeners(plain []byte) ([]byte, bool, error) {
	var out []byte
	changed := false
	reader := newFrameReader(plain)
	for reader.more() {
		fr, err := reader.next()
		if err != nil {
			return plain, false, nil
		}
		if fr.kind != frameTypeCrypto {
			out = append(out, plain[fr.start:fr.end]...)
			continue
		}
		newData, frameChanged, err := fi.applyToCryptoData(fr.data)
		if err != nil {
			return nil, false, err
		}
		if !frameChanged {
			out = append(out, plain[fr.start:fr.end]...)
			continue
		}
		out = appendCryptoFrame(out, fr.offset, newData)
		changed = true
	}
	if !changed {
		return plain, false, nil
	}
	return out, true, nil
}

// applyToCryptoData fires listeners on the handshake messages inside
// one CRYPTO frame's data and rebuilds the data when mutated.
func (fi *FaultInjector) applyToCryptoData(data []byte) ([]byte, bool, error) {
	msgs, err := parseHandshakeMessages(data)
	if err != nil {
		return data, false, nil
	}
	var out []byte
	changed := false
	for _, m := range msgs {
		listener := fi.handshakeListeners[m.typ]
		if listener == nil {
			out = append(out, data[m.start:m.end]...)
			continue
		}
		delete(fi.handshakeListeners, m.typ)

		msg := &HandshakeMessage{Type: m.typ, Body: m.body}
		var extBefore []byte
		if m.typ == HandshakeTypeEncryptedExtensions {
			if blk, err := parseEncryptedExtensions(m.body); err == nil {
				msg.Extensions = blk
				extBefore = append([]byte{}, blk.Bytes()...)
			}
		}
		if err := listener(fi, msg); err != nil {
			return nil, false, err
		}
		if msg.Extensions != nil && !bytes.Equal(extBefore, msg.Extensions.Bytes()) {
			out = append(out, marshalEncryptedExtensionsBody(msg.Extensions)...)
			changed = true
			continue
		}
		out = append(out, data[m.start:m.end]...)
	}
	return out, changed, nil
}
