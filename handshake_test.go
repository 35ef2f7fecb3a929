package quicfault

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClientHelloRoundTrip(t *testing.T) {
	random := newRandom()
	raw := marshalClientHello(random, "h3", marshalTransportParams())

	msgs, err := parseHandshakeMessages(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].typ != HandshakeTypeClientHello {
		t.Fatal("expected a single client hello")
	}

	ch, err := parseClientHello(msgs[0].body)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(random, ch.Random); diff != "" {
		t.Fatal(diff)
	}
	if ch.ALPN != "h3" {
		t.Fatal("unexpected ALPN", ch.ALPN)
	}
	params, err := parseTransportParams(ch.TransportParams)
	if err != nil {
		t.Fatal(err)
	}
	if len(params) < 1 {
		t.Fatal("expected at least one transport parameter")
	}
}

func TestServerHelloRoundTrip(t *testing.T) {
	random := newRandom()
	raw := marshalServerHello(random)

	got, err := parseServerHello(raw[4:])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(random, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestEncryptedExtensionsWriteback(t *testing.T) {
	raw := marshalEncryptedExtensions(marshalTransportParams(), "h3")

	blk, err := parseEncryptedExtensions(raw[4:])
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := blk.Find(ExtensionTypeQUICTransportParameters); !ok {
		t.Fatal("expected the transport parameters extension")
	}

	// delete the extension and rebuild the message
	if err := blk.Delete(ExtensionTypeQUICTransportParameters); err != nil {
		t.Fatal(err)
	}
	rebuilt := marshalEncryptedExtensionsBody(blk)

	// the rebuilt message must parse and miss the extension
	msgs, err := parseHandshakeMessages(rebuilt)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].typ != HandshakeTypeEncryptedExtensions {
		t.Fatal("expected a single encrypted extensions message")
	}
	blk2, err := parseEncryptedExtensions(msgs[0].body)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := blk2.Find(ExtensionTypeQUICTransportParameters); ok {
		t.Fatal("expected the transport parameters extension to be gone")
	}
	if _, _, ok := blk2.Find(ExtensionTypeALPN); !ok {
		t.Fatal("expected the ALPN extension to survive")
	}
}

func TestCertificateRoundTrip(t *testing.T) {
	der := []byte{0x30, 0x82, 0x01, 0x0a, 0xaa, 0xbb, 0xcc}
	raw := marshalCertificate(der)

	got, err := parseCertificate(raw[4:])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(der, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestALPNRoundTrip(t *testing.T) {
	got, err := parseALPN(marshalALPN("h3"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "h3" {
		t.Fatal("unexpected ALPN", got)
	}
}

func TestParseHandshakeMessages(t *testing.T) {
	t.Run("with multiple messages", func(t *testing.T) {
		random := newRandom()
		var data []byte
		data = append(data, marshalEncryptedExtensions(marshalTransportParams(), "h3")...)
		data = append(data, marshalCertificate([]byte{0xde, 0xad})...)
		data = append(data, marshalFinished(computeFinishedVerify([]byte("secret"), random, random))...)

		msgs, err := parseHandshakeMessages(data)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 3 {
			t.Fatal("expected 3 messages, got", len(msgs))
		}
		expect := []uint8{
			HandshakeTypeEncryptedExtensions,
			HandshakeTypeCertificate,
			HandshakeTypeFinished,
		}
		for idx, msg := range msgs {
			if msg.typ != expect[idx] {
				t.Fatal("unexpected message type", msg.typ)
			}
		}

		// the recorded spans must reproduce the original data
		var rebuilt []byte
		for _, msg := range msgs {
			rebuilt = append(rebuilt, data[msg.start:msg.end]...)
		}
		if diff := cmp.Diff(data, rebuilt); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("with a trailing partial message", func(t *testing.T) {
		data := marshalServerHello(newRandom())
		_, err := parseHandshakeMessages(data[:len(data)-1])
		if !errors.Is(err, ErrHandshakeParse) {
			t.Fatal("expected ErrHandshakeParse, got", err)
		}
	})
}

func TestParseTransportParams(t *testing.T) {
	t.Run("with the default parameters", func(t *testing.T) {
		params, err := parseTransportParams(marshalTransportParams())
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range []uint64{0x01, 0x04, 0x08} {
			if _, ok := params[id]; !ok {
				t.Fatal("missing transport parameter", id)
			}
		}
	})

	t.Run("with truncated parameters", func(t *testing.T) {
		data := marshalTransportParams()
		_, err := parseTransportParams(data[:len(data)-1])
		if !errors.Is(err, ErrHandshakeParse) {
			t.Fatal("expected ErrHandshakeParse, got", err)
		}
	})
}
