package quicfault

//
// Tick-driven connection endpoint
//

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrProtocolViolation indicates that the connection terminated
// because a protocol violation was detected. This is the expected,
// checked outcome of most fault scenarios, not a crash.
var ErrProtocolViolation = errors.New("quicfault: protocol violation detected")

// ErrConnClosed indicates an operation on a released connection.
var ErrConnClosed = errors.New("quicfault: connection closed")

// errKeysUnavailable indicates that an encryption level's keys have
// not been derived yet.
var errKeysUnavailable = errors.New("quicfault: record keys unavailable")

// defaultStreamID is the connection's default stream, carrying all
// the application data the endpoints exchange.
const defaultStreamID = uint64(0)

// maxStreamChunk is the maximum application payload per packet.
const maxStreamChunk = 1200

// endpointRole is the role of an [endpoint].
type endpointRole int

const (
	roleClient = endpointRole(iota)
	roleServer
)

// String implements fmt.Stringer.
func (r endpointRole) String() string {
	if r == roleServer {
		return "server"
	}
	return "client"
}

// levelKeys holds one encryption level's record protection state.
type levelKeys struct {
	// send protects the packets we send.
	send *packetProtector

	// recv opens the packets we receive.
	recv *packetProtector

	// sendPN is the next packet number to send.
	sendPN uint64

	// cryptoSent is the number of crypto stream bytes already sent.
	cryptoSent uint64

	// cryptoRecv is the number of crypto stream bytes already received.
	cryptoRecv uint64

	// cryptoIn buffers incoming crypto stream bytes until a whole
	// handshake message is available.
	cryptoIn []byte
}

// closeInfo describes a pending CONNECTION_CLOSE.
type closeInfo struct {
	code   uint64
	reason string
}

// endpoint is the connection engine shared by [Conn] and [TServer].
// The zero value is invalid; use [newEndpoint].
//
// An endpoint only makes progress inside tick: incoming datagrams
// are queued by inject and processed by the next tick, which in turn
// appends any produced datagrams to the outgoing queue drained by
// extractDatagrams. Nothing blocks and nothing runs in background.
type endpoint struct {
	// role says whether this is the client or the server.
	role endpointRole

	// logger is the logger to use.
	logger Logger

	// alpn is the application protocol to negotiate.
	alpn string

	// state is the connection state.
	state ConnState

	// localID is our connection ID.
	localID []byte

	// peerID is the peer's connection ID, used as the destination
	// ID of every packet we send.
	peerID []byte

	// origDestID is the client's original destination connection
	// ID, seeding the whole key schedule.
	origDestID []byte

	// clientRandom and serverRandom are the hello randoms.
	clientRandom [32]byte
	serverRandom [32]byte

	// clientHSSecret and serverHSSecret key the Finished messages.
	clientHSSecret []byte
	serverHSSecret []byte

	// cert is the server credential (server role only).
	cert *tls.Certificate

	// rootCAs optionally pins the roots the client verifies the
	// server certificate against (client role only).
	rootCAs *x509.CertPool

	// peerCert is the certificate presented by the peer.
	peerCert *x509.Certificate

	// sawEncryptedExtensions records that the client validated the
	// server's EncryptedExtensions.
	sawEncryptedExtensions bool

	// keys maps each encryption level to its protection state. A
	// nil entry means the level's keys have not been derived yet.
	keys [3]*levelKeys

	// incoming queues datagrams for the next tick.
	incoming [][]byte

	// outgoing queues datagrams produced by ticks.
	outgoing [][]byte

	// recvBuf accumulates application data from the default stream.
	recvBuf bytes.Buffer

	// sendBuf accumulates application data to send.
	sendBuf bytes.Buffer

	// peerTransportParams are the transport parameters the peer
	// advertised during the handshake.
	peerTransportParams map[uint64][]byte

	// closing is the pending CONNECTION_CLOSE, or nil.
	closing *closeInfo

	// closeSent records that the CONNECTION_CLOSE went out.
	closeSent bool

	// protocolErr records that the connection terminated due to a
	// detected protocol violation, locally or reported by the peer.
	protocolErr bool

	// closed records that the handle has been released.
	closed bool
}

var _ RecordKeys = &endpoint{}

// newEndpoint creates a new [endpoint]. The client derives its
// initial keys immediately; the server derives them from the first
// Initial packet it receives.
func newEndpoint(role endpointRole, logger Logger, alpn string) *endpoint {
	e := &endpoint{
		role:    role,
		logger:  logger,
		alpn:    alpn,
		state:   ConnStateNotStarted,
		localID: newConnID(),
	}
	if role == roleClient {
		e.origDestID = newConnID()
		e.peerID = e.origDestID
		e.keys[EncryptionLevelInitial] = newInitialKeys(role, e.origDestID)
	}
	return e
}

// newConnID generates a fresh connection ID.
func newConnID() []byte {
	cid := make([]byte, connIDLen)
	Must1(rand.Read(cid))
	return cid
}

// newRandom generates a fresh hello random.
func newRandom() (out [32]byte) {
	Must1(rand.Read(out[:]))
	return
}

// newInitialKeys derives the initial [levelKeys] for the given role.
func newInitialKeys(role endpointRole, origDestID []byte) *levelKeys {
	clientSecret, serverSecret := computeInitialSecrets(origDestID)
	if role == roleClient {
		return &levelKeys{
			send: newPacketProtector(clientSecret),
			recv: newPacketProtector(serverSecret),
		}
	}
	return &levelKeys{
		send: newPacketProtector(serverSecret),
		recv: newPacketProtector(clientSecret),
	}
}

// SendKeys implements RecordKeys
func (e *endpoint) SendKeys(level EncryptionLevel) (PacketProtector, error) {
	if level < 0 || int(level) >= len(e.keys) {
		return nil, errKeysUnavailable
	}
	lk := e.keys[level]
	if lk == nil || lk.send == nil {
		return nil, errKeysUnavailable
	}
	return lk.send, nil
}

// inject queues one datagram for processing by the next tick.
func (e *endpoint) inject(dgram []byte) {
	if e.closed {
		return
	}
	e.incoming = append(e.incoming, dgram)
}

// extractDatagrams drains the datagrams produced by previous ticks,
// preserving the order the ticks produced them.
func (e *endpoint) extractDatagrams() [][]byte {
	out := e.outgoing
	e.outgoing = nil
	return out
}

// tick drives exactly one round of pending-datagram processing and
// protocol-state advancement. It never blocks.
func (e *endpoint) tick() {
	if e.closed {
		return
	}
	if e.role == roleClient && e.state == ConnStateNotStarted {
		e.startHandshake()
	}
	pending := e.incoming
	e.incoming = nil
	for _, dgram := range pending {
		if e.state == ConnStateFailed || e.state == ConnStateClosed {
			break
		}
		e.processDatagram(dgram)
	}
	e.maybeSendClose()
	e.maybeSendAppData()
}

// startHandshake emits the ClientHello.
func (e *endpoint) startHandshake() {
	e.clientRandom = newRandom()
	e.sendCrypto(EncryptionLevelInitial, marshalClientHello(e.clientRandom, e.alpn, marshalTransportParams()))
	e.state = ConnStateHandshaking
	e.logger.Debugf("quicfault: %s: handshake started", e.role)
}

// processDatagram parses and handles one incoming datagram, which
// carries exactly one packet.
func (e *endpoint) processDatagram(raw []byte) {
	hdr, err := ParsePacketHeader(raw)
	if err != nil {
		e.logger.Warnf("quicfault: %s: dropping datagram: %s", e.role, err.Error())
		return
	}

	// the server's whole key schedule seeds from the first Initial
	if e.role == roleServer && e.keys[EncryptionLevelInitial] == nil {
		if hdr.Type != PacketTypeInitial {
			e.logger.Warnf("quicfault: server: dropping pre-initial packet")
			return
		}
		e.origDestID = append([]byte{}, hdr.DestinationID...)
		e.keys[EncryptionLevelInitial] = newInitialKeys(roleServer, e.origDestID)
		e.state = ConnStateHandshaking
	}

	lk := e.keys[hdr.Level()]
	if lk == nil || lk.recv == nil {
		e.logger.Warnf("quicfault: %s: no keys for %s packet", e.role, hdr.Level())
		return
	}
	plain, err := lk.recv.Open(hdr.PacketNumber, raw[:hdr.HeaderLen()], raw[hdr.HeaderLen():])
	if err != nil {
		e.logger.Warnf("quicfault: %s: dropping undecryptable %s packet", e.role, hdr.Level())
		return
	}

	// remember the peer's connection ID
	if len(hdr.SourceID) == connIDLen {
		e.peerID = append([]byte{}, hdr.SourceID...)
	}

	e.processPlainPayload(hdr.Level(), plain)
}

// processPlainPayload walks and handles the frames of a decrypted
// packet payload.
func (e *endpoint) processPlainPayload(level EncryptionLevel, plain []byte) {
	reader := newFrameReader(plain)
	for reader.more() {
		if e.state == ConnStateFailed || e.state == ConnStateClosed {
			return
		}
		fr, err := reader.next()
		if err != nil {
			e.fail(TransportErrorFrameEncoding, err.Error())
			return
		}
		switch fr.kind {
		case frameTypePadding:
			// nothing

		case frameTypeCrypto:
			e.handleCryptoFrame(level, fr)

		case frameTypeStream:
			e.handleStreamFrame(level, fr)

		case frameTypeConnClose:
			e.handleConnCloseFrame(fr)
		}
	}
}

// handleCryptoFrame appends crypto data to the level's stream and
// handles any complete handshake message.
func (e *endpoint) handleCryptoFrame(level EncryptionLevel, fr *frame) {
	lk := e.keys[level]
	if fr.offset != lk.cryptoRecv {
		e.fail(TransportErrorProtocolViolation, "crypto stream gap")
		return
	}
	lk.cryptoRecv += uint64(len(fr.data))
	lk.cryptoIn = append(lk.cryptoIn, fr.data...)

	for len(lk.cryptoIn) >= 4 {
		bodyLen := int(lk.cryptoIn[1])<<16 | int(lk.cryptoIn[2])<<8 | int(lk.cryptoIn[3])
		if len(lk.cryptoIn) < 4+bodyLen {
			return
		}
		typ := lk.cryptoIn[0]
		body := lk.cryptoIn[4 : 4+bodyLen]
		lk.cryptoIn = lk.cryptoIn[4+bodyLen:]
		e.handleHandshakeMessage(typ, body)
		if e.state == ConnStateFailed {
			return
		}
	}
}

// handleStreamFrame appends default-stream data to the receive buffer.
func (e *endpoint) handleStreamFrame(level EncryptionLevel, fr *frame) {
	if level != EncryptionLevelApplication || e.state != ConnStateEstablished {
		e.fail(TransportErrorProtocolViolation, "stream frame before established")
		return
	}
	if fr.streamID != defaultStreamID {
		e.fail(TransportErrorProtocolViolation, "unexpected stream ID")
		return
	}
	e.recvBuf.Write(fr.data)
}

// handleConnCloseFrame records the peer-initiated termination.
func (e *endpoint) handleConnCloseFrame(fr *frame) {
	if fr.errorCode != TransportErrorNone {
		e.logger.Infof("quicfault: %s: peer closed with error 0x%x: %s", e.role, fr.errorCode, fr.reason)
		e.protocolErr = true
		e.state = ConnStateFailed
		return
	}
	e.logger.Debugf("quicfault: %s: peer closed cleanly", e.role)
	e.state = ConnStateClosed
}

// handleHandshakeMessage advances the handshake by one message.
func (e *endpoint) handleHandshakeMessage(typ uint8, body []byte) {
	switch {
	case e.role == roleServer && typ == HandshakeTypeClientHello:
		e.handleClientHello(body)

	case e.role == roleClient && typ == HandshakeTypeServerHello:
		random, err := parseServerHello(body)
		if err != nil {
			e.fail(TransportErrorProtocolViolation, err.Error())
			return
		}
		e.serverRandom = random
		e.deriveSecrets()

	case e.role == roleClient && typ == HandshakeTypeEncryptedExtensions:
		e.handleEncryptedExtensions(body)

	case e.role == roleClient && typ == HandshakeTypeCertificate:
		e.handleCertificate(body)

	case e.role == roleClient && typ == HandshakeTypeFinished:
		e.handleServerFinished(body)

	case e.role == roleServer && typ == HandshakeTypeFinished:
		expect := computeFinishedVerify(e.clientHSSecret, e.clientRandom, e.serverRandom)
		if !hmac.Equal(body, expect) {
			e.fail(TransportErrorProtocolViolation, "bad client finished verify data")
			return
		}
		e.state = ConnStateEstablished
		e.logger.Debugf("quicfault: server: handshake complete")

	default:
		e.fail(TransportErrorProtocolViolation, fmt.Sprintf("unexpected handshake message %d", typ))
	}
}

// handleClientHello processes the ClientHello and emits the whole
// server flight: ServerHello at the initial level, then
// EncryptedExtensions, Certificate and Finished in a single CRYPTO
// frame at the handshake level.
func (e *endpoint) handleClientHello(body []byte) {
	ch, err := parseClientHello(body)
	if err != nil {
		e.fail(TransportErrorProtocolViolation, err.Error())
		return
	}
	if ch.TransportParams == nil {
		e.fail(TransportErrorTransportParameter, "missing transport parameters")
		return
	}
	params, err := parseTransportParams(ch.TransportParams)
	if err != nil {
		e.fail(TransportErrorTransportParameter, err.Error())
		return
	}
	e.peerTransportParams = params
	e.clientRandom = ch.Random
	e.serverRandom = newRandom()
	e.deriveSecrets()

	e.sendCrypto(EncryptionLevelInitial, marshalServerHello(e.serverRandom))

	var msgs []byte
	msgs = append(msgs, marshalEncryptedExtensions(marshalTransportParams(), e.alpn)...)
	msgs = append(msgs, marshalCertificate(e.cert.Certificate[0])...)
	msgs = append(msgs, marshalFinished(computeFinishedVerify(e.serverHSSecret, e.clientRandom, e.serverRandom))...)
	e.sendCrypto(EncryptionLevelHandshake, msgs)
}

// handleEncryptedExtensions validates the server's extensions. A
// missing or malformed transport-parameters extension is the protocol
// violation most fault scenarios aim for.
func (e *endpoint) handleEncryptedExtensions(body []byte) {
	blk, err := parseEncryptedExtensions(body)
	if err != nil {
		e.fail(TransportErrorProtocolViolation, err.Error())
		return
	}
	offset, size, ok := blk.Find(ExtensionTypeQUICTransportParameters)
	if !ok {
		e.fail(TransportErrorTransportParameter, "missing transport parameters")
		return
	}
	params, err := parseTransportParams(blk.Bytes()[offset+4 : offset+size])
	if err != nil {
		e.fail(TransportErrorTransportParameter, err.Error())
		return
	}
	if offset, size, ok := blk.Find(ExtensionTypeALPN); ok {
		alpn, err := parseALPN(blk.Bytes()[offset+4 : offset+size])
		if err != nil || alpn != e.alpn {
			e.fail(TransportErrorProtocolViolation, "alpn mismatch")
			return
		}
	}
	e.peerTransportParams = params
	e.sawEncryptedExtensions = true
}

// handleCertificate validates the server certificate.
func (e *endpoint) handleCertificate(body []byte) {
	der, err := parseCertificate(body)
	if err != nil {
		e.fail(TransportErrorProtocolViolation, err.Error())
		return
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		e.fail(TransportErrorProtocolViolation, "cannot parse server certificate")
		return
	}
	if e.rootCAs != nil {
		if _, err := cert.Verify(x509.VerifyOptions{Roots: e.rootCAs}); err != nil {
			e.fail(TransportErrorProtocolViolation, "cannot verify server certificate")
			return
		}
	}
	e.peerCert = cert
}

// handleServerFinished completes the client side of the handshake.
func (e *endpoint) handleServerFinished(body []byte) {
	if !e.sawEncryptedExtensions || e.peerCert == nil {
		e.fail(TransportErrorProtocolViolation, "finished before server credentials")
		return
	}
	expect := computeFinishedVerify(e.serverHSSecret, e.clientRandom, e.serverRandom)
	if !hmac.Equal(body, expect) {
		e.fail(TransportErrorProtocolViolation, "bad server finished verify data")
		return
	}
	e.sendCrypto(EncryptionLevelHandshake, marshalFinished(computeFinishedVerify(e.clientHSSecret, e.clientRandom, e.serverRandom)))
	e.state = ConnStateEstablished
	e.logger.Debugf("quicfault: client: handshake complete")
}

// deriveSecrets installs the handshake and 1-RTT keys once both
// hello randoms are known.
func (e *endpoint) deriveSecrets() {
	clientHS, serverHS := computeHandshakeSecrets(e.origDestID, e.clientRandom, e.serverRandom)
	clientAP, serverAP := computeApplicationSecrets(e.origDestID, e.clientRandom, e.serverRandom)
	e.clientHSSecret, e.serverHSSecret = clientHS, serverHS
	if e.role == roleClient {
		e.keys[EncryptionLevelHandshake] = &levelKeys{
			send: newPacketProtector(clientHS),
			recv: newPacketProtector(serverHS),
		}
		e.keys[EncryptionLevelApplication] = &levelKeys{
			send: newPacketProtector(clientAP),
			recv: newPacketProtector(serverAP),
		}
		return
	}
	e.keys[EncryptionLevelHandshake] = &levelKeys{
		send: newPacketProtector(serverHS),
		recv: newPacketProtector(clientHS),
	}
	e.keys[EncryptionLevelApplication] = &levelKeys{
		send: newPacketProtector(serverAP),
		recv: newPacketProtector(clientAP),
	}
}

// fail records a locally detected protocol violation and schedules a
// CONNECTION_CLOSE reporting it to the peer.
func (e *endpoint) fail(code uint64, reason string) {
	if e.state == ConnStateFailed {
		return
	}
	e.logger.Warnf("quicfault: %s: protocol violation: %s", e.role, reason)
	e.protocolErr = true
	e.state = ConnStateFailed
	e.closing = &closeInfo{code: code, reason: reason}
}

// maybeSendClose emits a pending CONNECTION_CLOSE at the highest
// level whose keys are available.
func (e *endpoint) maybeSendClose() {
	if e.closing == nil || e.closeSent {
		return
	}
	for level := EncryptionLevelApplication; level >= EncryptionLevelInitial; level-- {
		lk := e.keys[level]
		if lk != nil && lk.send != nil {
			e.sendPacket(level, appendConnCloseFrame(nil, e.closing.code, e.closing.reason))
			e.closeSent = true
			return
		}
	}
}

// maybeSendAppData flushes buffered application data as STREAM
// packets once the connection is established.
func (e *endpoint) maybeSendAppData() {
	if e.state != ConnStateEstablished {
		return
	}
	for e.sendBuf.Len() > 0 {
		chunk := e.sendBuf.Next(maxStreamChunk)
		e.sendPacket(EncryptionLevelApplication, appendStreamFrame(nil, defaultStreamID, chunk))
	}
}

// sendCrypto packs handshake messages into one CRYPTO frame and one
// packet at the given level.
func (e *endpoint) sendCrypto(level EncryptionLevel, msgs []byte) {
	lk := e.keys[level]
	payload := appendCryptoFrame(nil, lk.cryptoSent, msgs)
	lk.cryptoSent += uint64(len(msgs))
	e.sendPacket(level, payload)
}

// sendPacket seals a plaintext payload and queues the resulting
// datagram. One packet per datagram: the endpoints never coalesce.
func (e *endpoint) sendPacket(level EncryptionLevel, payload []byte) {
	lk := e.keys[level]
	if lk == nil || lk.send == nil {
		e.logger.Warnf("quicfault: %s: no send keys at %s", e.role, level)
		return
	}
	pn := lk.sendPN
	lk.sendPN++
	length := sentPnLen + len(payload) + aeadOverhead
	hdr := appendPacketHeader(nil, packetTypeForLevel(level), e.peerID, e.localID, pn, length)
	ct := lk.send.Seal(pn, hdr, payload)
	e.outgoing = append(e.outgoing, append(hdr, ct...))
}

// packetTypeForLevel maps an encryption level to its packet type.
func packetTypeForLevel(level EncryptionLevel) PacketType {
	switch level {
	case EncryptionLevelInitial:
		return PacketTypeInitial
	case EncryptionLevelHandshake:
		return PacketTypeHandshake
	default:
		return PacketTypeOneRTT
	}
}

// read returns up to maxlen bytes of received application data. An
// empty result means nothing is pending.
func (e *endpoint) read(maxlen int) []byte {
	if maxlen <= 0 || e.recvBuf.Len() <= 0 {
		return []byte{}
	}
	return append([]byte{}, e.recvBuf.Next(maxlen)...)
}

// write enqueues application data for the next tick's transmission.
func (e *endpoint) write(data []byte) (int, error) {
	if e.closed {
		return 0, ErrConnClosed
	}
	if e.state == ConnStateFailed {
		return 0, ErrProtocolViolation
	}
	e.sendBuf.Write(data)
	return len(data), nil
}

// close releases the endpoint. Closing is idempotent and releasing a
// never-started endpoint is a no-op.
func (e *endpoint) close() {
	e.closed = true
}
