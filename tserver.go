package quicfault

//
// Test server
//

import "errors"

// defaultALPN is the application protocol negotiated when the
// configuration does not name one.
const defaultALPN = "h3"

// TServerConfig contains configuration for [NewTServer].
type TServerConfig struct {
	// CertFile is the MANDATORY path of the PEM server certificate.
	CertFile string

	// KeyFile is the MANDATORY path of the PEM server private key.
	KeyFile string

	// ALPN is the OPTIONAL application protocol to negotiate.
	ALPN string

	// Logger is the OPTIONAL logger to use.
	Logger Logger
}

// TServer is a minimal server endpoint accepting a single connection
// from a single client. The zero value is invalid; use [NewTServer].
//
// A TServer only makes progress when ticked, typically through a
// [Driver]: it never spawns goroutines and never touches the network.
type TServer struct {
	ep *endpoint
}

var _ RecordKeys = &TServer{}

// NewTServer creates a new [TServer] with the given config.
func NewTServer(config *TServerConfig) (*TServer, error) {
	if config.CertFile == "" || config.KeyFile == "" {
		return nil, errors.New("quicfault: missing server credential paths")
	}
	cert, err := loadServerCredential(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = &NullLogger{}
	}
	alpn := config.ALPN
	if alpn == "" {
		alpn = defaultALPN
	}
	ep := newEndpoint(roleServer, logger, alpn)
	ep.cert = cert
	return &TServer{ep: ep}, nil
}

// Tick drives one round of the server's protocol processing.
func (s *TServer) Tick() {
	s.ep.tick()
}

// State returns the connection's current state.
func (s *TServer) State() ConnState {
	return s.ep.state
}

// SendKeys implements RecordKeys, exposing the keys protecting the
// packets the server sends. A [FaultInjector] filtering the server's
// traffic needs them to decrypt and reseal in-flight packets.
func (s *TServer) SendKeys(level EncryptionLevel) (PacketProtector, error) {
	return s.ep.SendKeys(level)
}

// Read returns up to maxlen bytes of application data received from
// the client. An empty slice means no data is pending. Returns
// [ErrProtocolViolation] after the connection terminated with an
// error and [ErrConnClosed] after Close.
func (s *TServer) Read(maxlen int) ([]byte, error) {
	if s.ep.closed {
		return nil, ErrConnClosed
	}
	if s.ep.state == ConnStateFailed {
		return nil, ErrProtocolViolation
	}
	return s.ep.read(maxlen), nil
}

// Write enqueues application data for transmission to the client by
// subsequent ticks.
func (s *TServer) Write(data []byte) (int, error) {
	return s.ep.write(data)
}

// CheckProtocolError returns true when the connection terminated with
// a nonzero transport error code, either detected locally or reported
// by the client's CONNECTION_CLOSE.
func (s *TServer) CheckProtocolError() bool {
	return s.ep.protocolErr
}

// Close releases the server. Closing is idempotent and closing a nil
// server is a no-op.
func (s *TServer) Close() error {
	if s == nil {
		return nil
	}
	s.ep.close()
	return nil
}
