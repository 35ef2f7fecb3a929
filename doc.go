// Package quicfault is a fault-injection framework for testing the
// conformance and robustness of a QUIC-like secure transport.
//
// The framework sits as a man in the middle between a client [Conn]
// and a minimal single-connection test server [TServer]. The two
// endpoints exchange datagrams over an in-process simulated link: no
// real sockets are involved, and every in-flight datagram is wrapped
// into an IPv4/UDP [Frame] and routed through an optional
// [FaultInjector].
//
// The [FaultInjector] performs white-box interception. It borrows the
// sending connection's record-protection keys through the [RecordKeys]
// boundary, decrypts each intercepted packet, exposes the decrypted
// payload (or a structured view of a handshake message) to a
// registered listener, re-encrypts whatever the listener left behind,
// and forwards the packet. A test author can therefore corrupt
// protocol data on the wire and observe whether the peer rejects it.
//
// Two hook kinds exist, each with a single listener slot:
//
// - the plain-packet hook, installed with
// [FaultInjector.SetPlainPacketListener], fires for every intercepted
// packet and exposes the decrypted payload as a [PlainPacketBuffer];
//
// - the handshake-message hook, installed with
// [FaultInjector.SetHandshakeMessageListener], fires once for the
// first handshake message of a given type and exposes a
// [HandshakeMessage] view with, where applicable, an
// [ExtensionsBlock] supporting find and delete operations.
//
// The [Driver] owns the endpoints and the injector for the duration
// of a test. It wires everything together ([NewDriver]), pumps ticks
// and datagrams ([Driver.Pump]), and brings up - or deliberately
// fails - a handshake ([Driver.EstablishConnection]).
//
// Everything is single threaded and tick driven: there are no
// background goroutines and no implicit scheduling. Endpoints only
// make progress inside [Conn.Tick] and [TServer.Tick], which never
// block, and datagrams preserve the order in which the sender's tick
// produced them.
package quicfault
