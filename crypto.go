package quicfault

//
// Record protection
//
// References:
//
// - https://www.rfc-editor.org/rfc/rfc9001.html#name-packet-protection
//

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/hkdf"
)

// errDecrypt is the error returned when a payload fails to open.
var errDecrypt = errors.New("quicfault: cannot decrypt payload")

// initialSalt seeds the initial secrets, as per RFC 9001.
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

// computeInitialSecrets computes the per-direction initial secrets
// based on the client's original destination connection ID.
//
// SPDX-License-Identifier: MIT
// This code is borrowed from https://github.com/lucas-clemente/quic-go/
// https://github.com/lucas-clemente/quic-go/blob/f3b098775e40f96486c0065204145ddc8675eb7c/internal/handshake/initial_aead.go#L53
func computeInitialSecrets(destConnID []byte) (clientSecret, serverSecret []byte) {
	initialSecret := hkdf.Extract(crypto.SHA256.New, destConnID, initialSalt)
	clientSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, []byte{}, "client in", crypto.SHA256.Size())
	serverSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, []byte{}, "server in", crypto.SHA256.Size())
	return
}

// computeHandshakeSecrets derives the per-direction handshake secrets
// from the two hello randoms and the client's original destination
// connection ID. Both endpoints know all the inputs once the hellos
// have been exchanged, so the derivation is deterministic on purpose:
// this transport exercises structural validation, not key agreement.
func computeHandshakeSecrets(destConnID []byte, clientRandom, serverRandom [32]byte) (clientSecret, serverSecret []byte) {
	ikm := append(append([]byte{}, clientRandom[:]...), serverRandom[:]...)
	base := hkdf.Extract(crypto.SHA256.New, ikm, hkdf.Extract(crypto.SHA256.New, destConnID, initialSalt))
	clientSecret = hkdfExpandLabel(crypto.SHA256, base, []byte{}, "c hs traffic", crypto.SHA256.Size())
	serverSecret = hkdfExpandLabel(crypto.SHA256, base, []byte{}, "s hs traffic", crypto.SHA256.Size())
	return
}

// computeApplicationSecrets derives the per-direction 1-RTT secrets
// from the same inputs as [computeHandshakeSecrets].
func computeApplicationSecrets(destConnID []byte, clientRandom, serverRandom [32]byte) (clientSecret, serverSecret []byte) {
	ikm := append(append([]byte{}, clientRandom[:]...), serverRandom[:]...)
	base := hkdf.Extract(crypto.SHA256.New, ikm, hkdf.Extract(crypto.SHA256.New, destConnID, initialSalt))
	master := hkdfExpandLabel(crypto.SHA256, base, []byte{}, "derived", crypto.SHA256.Size())
	clientSecret = hkdfExpandLabel(crypto.SHA256, master, []byte{}, "c ap traffic", crypto.SHA256.Size())
	serverSecret = hkdfExpandLabel(crypto.SHA256, master, []byte{}, "s ap traffic", crypto.SHA256.Size())
	return
}

// computeFinishedVerify computes the verify data a peer puts into its
// Finished message, keyed by that peer's handshake secret.
func computeFinishedVerify(secret []byte, clientRandom, serverRandom [32]byte) []byte {
	finishedKey := hkdfExpandLabel(crypto.SHA256, secret, []byte{}, "finished", crypto.SHA256.Size())
	mac := hmac.New(crypto.SHA256.New, finishedKey)
	mac.Write(clientRandom[:])
	mac.Write(serverRandom[:])
	return mac.Sum(nil)
}

// computeKeyAndIV derives the packet protection key and IV from a
// traffic secret.
//
// SPDX-License-Identifier: MIT
// This code is borrowed from https://github.com/lucas-clemente/quic-go/
// https://github.com/lucas-clemente/quic-go/blob/f3b098775e40f96486c0065204145ddc8675eb7c/internal/handshake/initial_aead.go#L60
func computeKeyAndIV(secret []byte) (key, iv []byte) {
	key = hkdfExpandLabel(crypto.SHA256, secret, []byte{}, "quic key", 16)
	iv = hkdfExpandLabel(crypto.SHA256, secret, []byte{}, "quic iv", 12)
	return
}

// hkdfExpandLabel HKDF expands a label.
//
// SPDX-License-Identifier: MIT
// This code is borrowed from https://github.com/lucas-clemente/quic-go/
// https://github.com/lucas-clemente/quic-go/blob/master/internal/handshake/hkdf.go
func hkdfExpandLabel(hash crypto.Hash, secret, context []byte, label string, length int) []byte {
	b := make([]byte, 3, 3+6+len(label)+1+len(context))
	binary.BigEndian.PutUint16(b, uint16(length))
	b[2] = uint8(6 + len(label))
	b = append(b, []byte("tls13 ")...)
	b = append(b, []byte(label)...)
	b = b[:3+6+len(label)+1]
	b[3+6+len(label)] = uint8(len(context))
	b = append(b, context...)

	out := make([]byte, length)
	n, err := hkdf.Expand(hash.New, secret, b).Read(out)
	if err != nil || n != length {
		panic("quicfault: HKDF-Expand-Label invocation failed unexpectedly")
	}
	return out
}

// aead is a [cipher.AEAD] with an explicit nonce length.
//
// SPDX-License-Identifier: BSD-3-Clause
// This code is borrowed from https://github.com/marten-seemann/qtls-go1-15
// https://github.com/marten-seemann/qtls-go1-15/blob/0d137e9e3594d8e9c864519eff97b323321e5e74/cipher_suites.go#L281
type aead interface {
	cipher.AEAD

	// explicitNonceLen returns the number of bytes of explicit nonce
	// included in each record. This is eight for older AEADs and
	// zero for modern ones.
	explicitNonceLen() int
}

// aeadAESGCMTLS13 creates an AES-GCM AEAD whose nonce is XORed with a
// fixed mask before each call.
//
// SPDX-License-Identifier: BSD-3-Clause
// This code is borrowed from https://github.com/marten-seemann/qtls-go1-15
// https://github.com/marten-seemann/qtls-go1-15/blob/0d137e9e3594d8e9c864519eff97b323321e5e74/cipher_suites.go#L375
func aeadAESGCMTLS13(key, nonceMask []byte) aead {
	if len(nonceMask) != aeadNonceLength {
		panic("quicfault: internal error: wrong nonce length")
	}
	aes, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(aes)
	if err != nil {
		panic(err)
	}
	ret := &xorNonceAEAD{aead: aead}
	copy(ret.nonceMask[:], nonceMask)
	return ret
}

const aeadNonceLength = 12

// aeadOverhead is the AEAD tag size in bytes.
const aeadOverhead = 16

// xorNonceAEAD wraps an AEAD by XORing in a fixed pattern to the nonce
// before each call.
//
// SPDX-License-Identifier: BSD-3-Clause
// This code is borrowed from https://github.com/marten-seemann/qtls-go1-15
// https://github.com/marten-seemann/qtls-go1-15/blob/0d137e9e3594d8e9c864519eff97b323321e5e74/cipher_suites.go#L319
type xorNonceAEAD struct {
	nonceMask [aeadNonceLength]byte
	aead      cipher.AEAD
}

func (f *xorNonceAEAD) NonceSize() int        { return 8 } // 64-bit sequence number
func (f *xorNonceAEAD) Overhead() int         { return f.aead.Overhead() }
func (f *xorNonceAEAD) explicitNonceLen() int { return 0 }

func (f *xorNonceAEAD) Seal(out, nonce, plaintext, additionalData []byte) []byte {
	for i, b := range nonce {
		f.nonceMask[4+i] ^= b
	}
	result := f.aead.Seal(out, f.nonceMask[:], plaintext, additionalData)
	for i, b := range nonce {
		f.nonceMask[4+i] ^= b
	}
	return result
}

func (f *xorNonceAEAD) Open(out, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	for i, b := range nonce {
		f.nonceMask[4+i] ^= b
	}
	result, err := f.aead.Open(out, f.nonceMask[:], ciphertext, additionalData)
	for i, b := range nonce {
		f.nonceMask[4+i] ^= b
	}
	return result, err
}

// packetProtector implements [PacketProtector] for one direction at
// one encryption level.
type packetProtector struct {
	aead aead
}

var _ PacketProtector = &packetProtector{}

// newPacketProtector creates a [packetProtector] from a traffic secret.
func newPacketProtector(secret []byte) *packetProtector {
	key, iv := computeKeyAndIV(secret)
	return &packetProtector{aead: aeadAESGCMTLS13(key, iv)}
}

// Seal implements PacketProtector
func (pp *packetProtector) Seal(pn uint64, header, plaintext []byte) []byte {
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, pn)
	return pp.aead.Seal(nil, nonce, plaintext, header)
}

// Open implements PacketProtector
func (pp *packetProtector) Open(pn uint64, header, ciphertext []byte) ([]byte, error) {
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, pn)
	plain, err := pp.aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, errDecrypt
	}
	return plain, nil
}
