package quicfault

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePacketHeaderRoundTrip(t *testing.T) {

	// testcase describes a test case for [ParsePacketHeader]
	type testcase struct {
		// name is the name of this test case
		name string

		// typ is the packet type to encode
		typ PacketType

		// pn is the packet number to encode
		pn uint64

		// payloadLen is the length of the fake protected payload
		payloadLen int
	}

	destID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	srcID := []byte{9, 10, 11, 12, 13, 14, 15, 16}

	var testcases = []testcase{{
		name:       "initial packet",
		typ:        PacketTypeInitial,
		pn:         0,
		payloadLen: 33,
	}, {
		name:       "handshake packet",
		typ:        PacketTypeHandshake,
		pn:         7,
		payloadLen: 120,
	}, {
		name:       "1rtt packet",
		typ:        PacketTypeOneRTT,
		pn:         1024,
		payloadLen: 18,
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			// serialize a header followed by a fake payload
			length := sentPnLen + tc.payloadLen
			raw := appendPacketHeader(nil, tc.typ, destID, srcID, tc.pn, length)
			headerLen := len(raw)
			raw = append(raw, make([]byte, tc.payloadLen)...)

			hdr, err := ParsePacketHeader(raw)
			if err != nil {
				t.Fatal(err)
			}

			if hdr.Type != tc.typ {
				t.Fatal("expected type", tc.typ, "got", hdr.Type)
			}
			if hdr.PacketNumber != tc.pn {
				t.Fatal("expected packet number", tc.pn, "got", hdr.PacketNumber)
			}
			if diff := cmp.Diff(destID, hdr.DestinationID); diff != "" {
				t.Fatal(diff)
			}
			if tc.typ != PacketTypeOneRTT {
				if diff := cmp.Diff(srcID, hdr.SourceID); diff != "" {
					t.Fatal(diff)
				}
			}
			if hdr.HeaderLen() != headerLen {
				t.Fatal("expected header length", headerLen, "got", hdr.HeaderLen())
			}
			if hdr.Length != length {
				t.Fatal("expected length", length, "got", hdr.Length)
			}
		})
	}
}

func TestParsePacketHeaderMalformed(t *testing.T) {

	// testcase describes a test case where parsing must fail
	type testcase struct {
		// name is the name of this test case
		name string

		// raw is the raw packet to parse
		raw []byte
	}

	destID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	srcID := []byte{9, 10, 11, 12, 13, 14, 15, 16}

	// goodInitial builds a correct initial packet we then corrupt
	goodInitial := func(payloadLen int) []byte {
		raw := appendPacketHeader(nil, PacketTypeInitial, destID, srcID, 4, sentPnLen+payloadLen)
		return append(raw, make([]byte, payloadLen)...)
	}

	var testcases = []testcase{{
		name: "empty buffer",
		raw:  []byte{},
	}, {
		name: "fixed bit not set",
		raw:  []byte{0b1000_0001, 0, 0, 0, 1},
	}, {
		name: "long header with unknown version",
		raw: func() []byte {
			raw := goodInitial(16)
			raw[1] = 0xaa
			return raw
		}(),
	}, {
		name: "long header with truncated connection ID",
		raw:  goodInitial(16)[:8],
	}, {
		name: "long header with length exceeding the buffer",
		raw:  goodInitial(16)[:24],
	}, {
		name: "long header with trailing garbage",
		raw:  append(goodInitial(16), 0xde, 0xad),
	}, {
		name: "short header without payload",
		raw:  appendPacketHeader(nil, PacketTypeOneRTT, destID, nil, 1, 0),
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			hdr, err := ParsePacketHeader(tc.raw)
			if !errors.Is(err, ErrMalformedHeader) {
				t.Fatal("expected ErrMalformedHeader, got", err)
			}
			if hdr != nil {
				t.Fatal("expected nil header")
			}
		})
	}
}

func TestRewriteLength(t *testing.T) {
	destID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	srcID := []byte{9, 10, 11, 12, 13, 14, 15, 16}

	t.Run("rewriting within the varint width", func(t *testing.T) {
		payloadLen := 32
		raw := appendPacketHeader(nil, PacketTypeHandshake, destID, srcID, 2, sentPnLen+payloadLen)
		raw = append(raw, make([]byte, payloadLen)...)
		hdr := Must1(ParsePacketHeader(raw))

		// grow the payload and rewrite the length accordingly
		newPayloadLen := payloadLen + 40
		if err := hdr.RewriteLength(raw, sentPnLen+newPayloadLen); err != nil {
			t.Fatal(err)
		}
		raw = append(raw, make([]byte, 40)...)

		hdr2, err := ParsePacketHeader(raw)
		if err != nil {
			t.Fatal(err)
		}
		if hdr2.Length != sentPnLen+newPayloadLen {
			t.Fatal("expected length", sentPnLen+newPayloadLen, "got", hdr2.Length)
		}
	})

	t.Run("rewriting beyond the varint width", func(t *testing.T) {
		payloadLen := 32
		raw := appendPacketHeader(nil, PacketTypeHandshake, destID, srcID, 2, sentPnLen+payloadLen)
		raw = append(raw, make([]byte, payloadLen)...)
		hdr := Must1(ParsePacketHeader(raw))

		// a two-byte varint cannot hold more than 16383
		err := hdr.RewriteLength(raw, 16384)
		if !errors.Is(err, ErrEncodingLimit) {
			t.Fatal("expected ErrEncodingLimit, got", err)
		}
	})

	t.Run("short headers have an implicit length", func(t *testing.T) {
		raw := appendPacketHeader(nil, PacketTypeOneRTT, destID, nil, 2, 0)
		raw = append(raw, make([]byte, 16)...)
		hdr := Must1(ParsePacketHeader(raw))

		if err := hdr.RewriteLength(raw, sentPnLen+100); err != nil {
			t.Fatal(err)
		}
		if hdr.Length != sentPnLen+100 {
			t.Fatal("expected the parsed view to be updated")
		}
		if !hdr.canRepresentLength(1 << 30) {
			t.Fatal("short headers must represent any length")
		}
	})
}
