package quicfault

//
// Connection driver
//

import (
	"context"
	"errors"
)

// ErrHandshakeFailed is the error returned by
// [Driver.EstablishConnection] when either endpoint failed.
var ErrHandshakeFailed = errors.New("quicfault: handshake failed")

// ErrHandshakeTimeout is the error returned by
// [Driver.EstablishConnection] when the handshake did not complete
// within the configured number of iterations.
var ErrHandshakeTimeout = errors.New("quicfault: handshake did not complete")

// Simulated-link endpoint addresses.
const (
	clientAddr = "10.0.0.2"
	clientPort = uint16(50000)
	serverAddr = "10.0.0.1"
	serverPort = uint16(443)
)

// defaultMaxIterations bounds [Driver.EstablishConnection].
const defaultMaxIterations = 20

// DriverConfig contains configuration for [NewDriver].
type DriverConfig struct {
	// Client is the MANDATORY client endpoint.
	Client *Conn

	// Server is the MANDATORY server endpoint.
	Server *TServer

	// Injector OPTIONALLY filters the server-to-client traffic.
	Injector *FaultInjector

	// Logger is the OPTIONAL logger to use.
	Logger Logger

	// MaxIterations OPTIONALLY overrides how many pump rounds
	// EstablishConnection attempts before timing out.
	MaxIterations int

	// CaptureFile is the OPTIONAL path of a PCAP file recording all
	// the frames the driver routes, mutated ones included.
	CaptureFile string
}

// Driver connects a [Conn] and a [TServer] through an in-memory link
// and moves the connection forward by pumping datagrams between them.
// The zero value is invalid; use [NewDriver].
//
// The link is reliable and in order: every routed datagram is
// delivered exactly once, wrapped in an IPv4/UDP frame so captures
// and the [FaultInjector] see realistic traffic. There is no loss,
// no reordering and thus no need for acknowledgments.
type Driver struct {
	// capturer optionally records routed frames.
	capturer *PacketCapturer

	// client is the client endpoint.
	client *Conn

	// injector optionally filters server-to-client frames.
	injector *FaultInjector

	// logger is the logger to use.
	logger Logger

	// maxIterations bounds EstablishConnection.
	maxIterations int

	// server is the server endpoint.
	server *TServer
}

// NewDriver creates a new [Driver] with the given config.
func NewDriver(config *DriverConfig) (*Driver, error) {
	if config.Client == nil || config.Server == nil {
		return nil, errors.New("quicfault: driver needs both endpoints")
	}
	logger := config.Logger
	if logger == nil {
		logger = &NullLogger{}
	}
	maxIterations := config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	var capturer *PacketCapturer
	if config.CaptureFile != "" {
		var err error
		capturer, err = NewPacketCapturer(config.CaptureFile, logger)
		if err != nil {
			return nil, err
		}
	}
	return &Driver{
		capturer:      capturer,
		client:        config.Client,
		injector:      config.Injector,
		logger:        logger,
		maxIterations: maxIterations,
		server:        config.Server,
	}, nil
}

// Pump runs one full round trip: it ticks the client, routes the
// client's datagrams to the server, ticks the server and routes the
// server's datagrams back through the fault injector. A listener
// error aborts the round and surfaces here.
func (d *Driver) Pump() error {
	d.client.ep.tick()
	if err := d.route(d.client.ep, d.server.ep, clientAddr, clientPort, serverAddr, serverPort, nil); err != nil {
		return err
	}
	d.server.ep.tick()
	return d.route(d.server.ep, d.client.ep, serverAddr, serverPort, clientAddr, clientPort, d.injector)
}

// route moves all pending datagrams from src to dst, wrapping each in
// an IPv4/UDP frame and optionally filtering it.
func (d *Driver) route(src, dst *endpoint, srcIP string, srcPort uint16,
	dstIP string, dstPort uint16, injector *FaultInjector) error {
	for _, dgram := range src.extractDatagrams() {
		frame, err := NewUDPFrame(srcIP, srcPort, dstIP, dstPort, dgram)
		if err != nil {
			return err
		}
		if injector != nil {
			frame, err = injector.Filter(src, frame)
			if err != nil {
				return err
			}
		}
		if d.capturer != nil {
			d.capturer.record(frame)
		}
		dissected, err := DissectFrame(frame)
		if err != nil {
			return err
		}
		dst.inject(dissected.QUICPayload())
	}
	return nil
}

// EstablishConnection pumps until both endpoints report the
// established state. When either endpoint fails, it pumps one extra
// round so the CONNECTION_CLOSE reaches the peer, then returns
// [ErrHandshakeFailed]. Returns [ErrHandshakeTimeout] when the
// handshake does not complete within the configured iterations.
func (d *Driver) EstablishConnection(ctx context.Context) error {
	for idx := 0; idx < d.maxIterations; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Pump(); err != nil {
			return err
		}
		clientState, serverState := d.client.State(), d.server.State()
		if clientState == ConnStateEstablished && serverState == ConnStateEstablished {
			d.logger.Debugf("quicfault: driver: connection established")
			return nil
		}
		if clientState == ConnStateFailed || serverState == ConnStateFailed {
			if err := d.Pump(); err != nil {
				d.logger.Warnf("quicfault: driver: final pump: %s", err.Error())
				// fallthrough
			}
			return ErrHandshakeFailed
		}
	}
	return ErrHandshakeTimeout
}

// Close releases the driver and both endpoints. Closing is idempotent.
func (d *Driver) Close() error {
	if d.capturer != nil {
		d.capturer.Close()
	}
	d.client.Close()
	d.server.Close()
	return nil
}
