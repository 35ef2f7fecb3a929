package quicfault

//
// Client connection
//

import "crypto/x509"

// ConnConfig contains configuration for [NewConn].
type ConnConfig struct {
	// ALPN is the OPTIONAL application protocol to negotiate.
	ALPN string

	// Logger is the OPTIONAL logger to use.
	Logger Logger

	// RootCAs OPTIONALLY pins the roots used to verify the server
	// certificate. With a nil pool the client accepts any
	// well-formed certificate, which suits fault scenarios that do
	// not exercise the credential path.
	RootCAs *x509.CertPool
}

// Conn is the client side of a connection. The zero value is
// invalid; use [NewConn].
//
// Like [TServer], a Conn only makes progress when ticked: the first
// tick emits the ClientHello and later ticks advance the handshake
// as the server's packets arrive.
type Conn struct {
	ep *endpoint
}

var _ RecordKeys = &Conn{}

// NewConn creates a new client [Conn] with the given config.
func NewConn(config *ConnConfig) *Conn {
	logger := config.Logger
	if logger == nil {
		logger = &NullLogger{}
	}
	alpn := config.ALPN
	if alpn == "" {
		alpn = defaultALPN
	}
	ep := newEndpoint(roleClient, logger, alpn)
	ep.rootCAs = config.RootCAs
	return &Conn{ep: ep}
}

// Tick drives one round of the client's protocol processing.
func (c *Conn) Tick() {
	c.ep.tick()
}

// State returns the connection's current state.
func (c *Conn) State() ConnState {
	return c.ep.state
}

// SendKeys implements RecordKeys, exposing the keys protecting the
// packets the client sends.
func (c *Conn) SendKeys(level EncryptionLevel) (PacketProtector, error) {
	return c.ep.SendKeys(level)
}

// Read returns up to maxlen bytes of application data received from
// the server. An empty slice means no data is pending yet.
//
// A protocol violation caused by an injected fault does not surface
// while the mutated packet is processed: it surfaces here, as
// [ErrProtocolViolation], on the first Read after the connection
// failed. Returns [ErrConnClosed] after Close.
func (c *Conn) Read(maxlen int) ([]byte, error) {
	if c.ep.closed {
		return nil, ErrConnClosed
	}
	if c.ep.state == ConnStateFailed {
		return nil, ErrProtocolViolation
	}
	return c.ep.read(maxlen), nil
}

// Write enqueues application data for transmission to the server by
// subsequent ticks.
func (c *Conn) Write(data []byte) (int, error) {
	return c.ep.write(data)
}

// CheckProtocolError returns true when the connection terminated with
// a nonzero transport error code, either detected locally or reported
// by the server's CONNECTION_CLOSE.
func (c *Conn) CheckProtocolError() bool {
	return c.ep.protocolErr
}

// Close releases the connection. Closing is idempotent and closing a
// nil connection is a no-op.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.ep.close()
	return nil
}
