package quicfault

//
// Simulated link frames
//

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Frame contains one IPv4/UDP packet traveling on the simulated link
// between the client and the test server.
type Frame struct {
	// Payload contains the raw IPv4 packet bytes.
	Payload []byte
}

// ErrDissectShortFrame indicates the frame is too short.
var ErrDissectShortFrame = errors.New("quicfault: dissect: frame too short")

// ErrDissectNetwork indicates that we do not support the frame's network protocol.
var ErrDissectNetwork = errors.New("quicfault: dissect: unsupported network protocol")

// ErrDissectTransport indicates that we do not support the frame's transport protocol.
var ErrDissectTransport = errors.New("quicfault: dissect: unsupported transport protocol")

// DissectedFrame is a dissected link [Frame]. The zero value is
// invalid; you MUST use the [DissectFrame] factory to create a new
// instance. The simulated link only carries IPv4/UDP.
type DissectedFrame struct {
	// Packet is the underlying packet.
	Packet gopacket.Packet

	// IP is the IPv4 layer.
	IP *layers.IPv4

	// UDP is the UDP layer.
	UDP *layers.UDP
}

// DissectFrame parses a frame's IPv4 and UDP layers.
func DissectFrame(frame *Frame) (*DissectedFrame, error) {
	df := &DissectedFrame{}

	if len(frame.Payload) < 1 {
		return nil, ErrDissectShortFrame
	}
	if version := uint8(frame.Payload[0]) >> 4; version != 4 {
		return nil, ErrDissectNetwork
	}

	df.Packet = gopacket.NewPacket(frame.Payload, layers.LayerTypeIPv4, gopacket.Lazy)
	ipLayer := df.Packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, ErrDissectNetwork
	}
	df.IP = ipLayer.(*layers.IPv4)

	if df.IP.Protocol != layers.IPProtocolUDP {
		return nil, ErrDissectTransport
	}
	udpLayer := df.Packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, ErrDissectTransport
	}
	df.UDP = udpLayer.(*layers.UDP)

	return df, nil
}

// QUICPayload returns the frame's UDP payload, i.e. one datagram as
// produced by an endpoint's tick.
func (df *DissectedFrame) QUICPayload() []byte {
	return df.UDP.Payload
}

// ReplacePayload builds a new [Frame] carrying the given UDP payload
// between the same endpoints as the dissected frame, recomputing the
// length and checksum fields.
func (df *DissectedFrame) ReplacePayload(payload []byte) (*Frame, error) {
	return NewUDPFrame(df.IP.SrcIP.String(), uint16(df.UDP.SrcPort),
		df.IP.DstIP.String(), uint16(df.UDP.DstPort), payload)
}

// NewUDPFrame builds a link [Frame] wrapping payload into UDP and IPv4.
func NewUDPFrame(srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte) (*Frame, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return &Frame{Payload: buf.Bytes()}, nil
}
