package quicfault

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameReaderWalksMixedPayload(t *testing.T) {
	// build a payload with padding, a CRYPTO frame, a CONNECTION_CLOSE
	// frame and a trailing STREAM frame
	var payload []byte
	payload = append(payload, 0, 0, 0, 0)
	payload = appendCryptoFrame(payload, 96, []byte("crypto-bytes"))
	payload = appendConnCloseFrame(payload, TransportErrorProtocolViolation, "kaboom")
	payload = appendStreamFrame(payload, 0, []byte("stream-bytes"))

	reader := newFrameReader(payload)
	var got []*frame
	for reader.more() {
		fr, err := reader.next()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, fr)
	}

	if len(got) != 4 {
		t.Fatal("expected 4 frames, got", len(got))
	}
	if got[0].kind != frameTypePadding || got[0].end != 4 {
		t.Fatal("expected four bytes of padding")
	}
	if got[1].kind != frameTypeCrypto || got[1].offset != 96 {
		t.Fatal("unexpected crypto frame", got[1])
	}
	if diff := cmp.Diff([]byte("crypto-bytes"), got[1].data); diff != "" {
		t.Fatal(diff)
	}
	if got[2].kind != frameTypeConnClose {
		t.Fatal("unexpected frame kind", got[2].kind)
	}
	if got[2].errorCode != TransportErrorProtocolViolation || got[2].reason != "kaboom" {
		t.Fatal("unexpected connection close", got[2])
	}
	if got[3].kind != frameTypeStream || got[3].streamID != 0 {
		t.Fatal("unexpected stream frame", got[3])
	}
	if diff := cmp.Diff([]byte("stream-bytes"), got[3].data); diff != "" {
		t.Fatal(diff)
	}

	// the recorded spans must reproduce the original payload
	var rebuilt []byte
	for _, fr := range got {
		rebuilt = append(rebuilt, payload[fr.start:fr.end]...)
	}
	if diff := cmp.Diff(payload, rebuilt); diff != "" {
		t.Fatal(diff)
	}
}

func TestFrameReaderRejectsBadPayloads(t *testing.T) {

	// testcase describes a test case where frame parsing must fail
	type testcase struct {
		// name is the name of this test case
		name string

		// payload is the payload to parse
		payload []byte

		// expectErr is the error we expect
		expectErr error
	}

	var testcases = []testcase{{
		name:      "unknown frame type",
		payload:   []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		expectErr: errUnknownFrameType,
	}, {
		name:      "crypto frame with data beyond the payload",
		payload:   appendCryptoFrame(nil, 0, []byte("much data"))[:6],
		expectErr: errTruncatedFrame,
	}, {
		name:      "connection close with truncated reason",
		payload:   appendConnCloseFrame(nil, TransportErrorNone, "reason")[:5],
		expectErr: errTruncatedFrame,
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			reader := newFrameReader(tc.payload)
			var err error
			for reader.more() {
				if _, err = reader.next(); err != nil {
					break
				}
			}
			if !errors.Is(err, tc.expectErr) {
				t.Fatal("expected", tc.expectErr, "got", err)
			}
		})
	}
}
