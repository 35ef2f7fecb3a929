package quicfault

//
// PCAP capture
//

import (
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PacketCapturer is an open PCAP file recording the frames a [Driver]
// routes between the endpoints, mutated ones included. The zero value
// is invalid; use [NewPacketCapturer].
//
// Unlike a live capture there is no background goroutine: the driver
// runs single threaded, so we write each entry synchronously while
// routing it.
type PacketCapturer struct {
	// closeOnce provides "once" semantics for close.
	closeOnce sync.Once

	// filep is the open PCAP file.
	filep *os.File

	// logger is the logger to use.
	logger Logger

	// w writes PCAP entries into filep.
	w *pcapgo.Writer
}

// NewPacketCapturer creates a PCAP file at the given path and returns
// a capturer writing into it. Call [PacketCapturer.Close] to flush.
func NewPacketCapturer(filename string, logger Logger) (*PacketCapturer, error) {
	filep, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(filep)
	const largeSnapLen = 262144
	if err := w.WriteFileHeader(largeSnapLen, layers.LinkTypeIPv4); err != nil {
		filep.Close()
		return nil, err
	}
	if logger == nil {
		logger = &NullLogger{}
	}
	return &PacketCapturer{
		closeOnce: sync.Once{},
		filep:     filep,
		logger:    logger,
		w:         w,
	}, nil
}

// record writes one frame into the PCAP file.
func (pc *PacketCapturer) record(frame *Frame) {
	ci := gopacket.CaptureInfo{
		Timestamp:      time.Now(),
		CaptureLength:  len(frame.Payload),
		Length:         len(frame.Payload),
		InterfaceIndex: 0,
		AncillaryData:  []interface{}{},
	}
	if err := pc.w.WritePacket(ci, frame.Payload); err != nil {
		pc.logger.Warnf("quicfault: capture: WritePacket: %s", err.Error())
		// fallthrough
	}
}

// Close closes the PCAP file. Closing is idempotent.
func (pc *PacketCapturer) Close() error {
	pc.closeOnce.Do(func() {
		if err := pc.filep.Close(); err != nil {
			pc.logger.Warnf("quicfault: capture: Close: %s", err.Error())
			// fallthrough
		}
	})
	return nil
}
