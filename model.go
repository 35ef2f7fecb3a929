package quicfault

//
// Data model
//

// EncryptionLevel identifies one of the three record-protection
// levels used by the transport.
type EncryptionLevel int

// EncryptionLevelInitial is the level protecting Initial packets. The
// keys derive from the client's original destination connection ID.
const EncryptionLevelInitial = EncryptionLevel(0)

// EncryptionLevelHandshake is the level protecting Handshake packets.
const EncryptionLevelHandshake = EncryptionLevel(1)

// EncryptionLevelApplication is the level protecting 1-RTT packets.
const EncryptionLevelApplication = EncryptionLevel(2)

// String implements fmt.Stringer.
func (el EncryptionLevel) String() string {
	switch el {
	case EncryptionLevelInitial:
		return "initial"
	case EncryptionLevelHandshake:
		return "handshake"
	case EncryptionLevelApplication:
		return "application"
	default:
		return "unknown"
	}
}

// PacketProtector seals and opens packet payloads for a single
// direction at a single [EncryptionLevel]. The header bytes are the
// additional data covered by the AEAD.
type PacketProtector interface {
	// Seal encrypts a plaintext payload.
	Seal(pn uint64, header, plaintext []byte) []byte

	// Open decrypts a ciphertext payload.
	Open(pn uint64, header, ciphertext []byte) ([]byte, error)
}

// RecordKeys provides read-only access to the record-protection keys
// of a connection. The [FaultInjector] borrows a connection's
// [RecordKeys] to decrypt and re-encrypt in-flight packets: it never
// mutates connection state, only packet bytes.
type RecordKeys interface {
	// SendKeys returns the [PacketProtector] protecting the packets
	// this connection sends at the given level, or an error when the
	// level's keys have not been derived yet.
	SendKeys(level EncryptionLevel) (PacketProtector, error)
}

// ConnState is the state of a connection endpoint.
type ConnState int

// ConnStateNotStarted means the handshake has not started yet.
const ConnStateNotStarted = ConnState(0)

// ConnStateHandshaking means the handshake is in progress.
const ConnStateHandshaking = ConnState(1)

// ConnStateEstablished means the handshake completed successfully.
const ConnStateEstablished = ConnState(2)

// ConnStateClosed means the connection terminated cleanly.
const ConnStateClosed = ConnState(3)

// ConnStateFailed means the connection terminated because a protocol
// violation was detected, either locally or by the peer.
const ConnStateFailed = ConnState(4)

// String implements fmt.Stringer.
func (cs ConnState) String() string {
	switch cs {
	case ConnStateNotStarted:
		return "not-started"
	case ConnStateHandshaking:
		return "handshaking"
	case ConnStateEstablished:
		return "established"
	case ConnStateClosed:
		return "closed"
	case ConnStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// NullLogger is a [Logger] that does not emit logs.
type NullLogger struct{}

var _ Logger = &NullLogger{}

// Debug implements Logger
func (nl *NullLogger) Debug(message string) {
	// nothing
}

// Debugf implements Logger
func (nl *NullLogger) Debugf(format string, v ...any) {
	// nothing
}

// Info implements Logger
func (nl *NullLogger) Info(message string) {
	// nothing
}

// Infof implements Logger
func (nl *NullLogger) Infof(format string, v ...any) {
	// nothing
}

// Warn implements Logger
func (nl *NullLogger) Warn(message string) {
	// nothing
}

// Warnf implements Logger
func (nl *NullLogger) Warnf(format string, v ...any) {
	// nothing
}
