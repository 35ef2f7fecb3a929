package quicfault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// newTestTopology creates a connected client, server, injector and
// driver ready for pumping.
func newTestTopology(t *testing.T) (*Conn, *TServer, *FaultInjector, *Driver) {
	t.Helper()
	certFile, keyFile := MustWriteServerCreds(t.TempDir())

	server, err := NewTServer(&TServerConfig{
		CertFile: certFile,
		KeyFile:  keyFile,
		Logger:   &NullLogger{},
	})
	if err != nil {
		t.Fatal(err)
	}

	client := NewConn(&ConnConfig{
		Logger:  &NullLogger{},
		RootCAs: MustNewCertPool(certFile),
	})

	injector := NewFaultInjector(&NullLogger{})
	driver, err := NewDriver(&DriverConfig{
		Client:   client,
		Server:   server,
		Injector: injector,
		Logger:   &NullLogger{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		driver.Close()
	})
	return client, server, injector, driver
}

func TestConnectAndExchangeData(t *testing.T) {
	client, server, _, driver := newTestTopology(t)

	if err := driver.EstablishConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.State() != ConnStateEstablished || server.State() != ConnStateEstablished {
		t.Fatal("expected both endpoints to be established")
	}

	// client to server
	if _, err := client.Write([]byte("Hello World!")); err != nil {
		t.Fatal(err)
	}
	if err := driver.Pump(); err != nil {
		t.Fatal(err)
	}
	data, err := server.Read(1024)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("Hello World!"), data); diff != "" {
		t.Fatal(diff)
	}

	// server to client
	if _, err := server.Write([]byte("General Kenobi!")); err != nil {
		t.Fatal(err)
	}
	if err := driver.Pump(); err != nil {
		t.Fatal(err)
	}
	if err := driver.Pump(); err != nil {
		t.Fatal(err)
	}
	data, err = client.Read(1024)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("General Kenobi!"), data); diff != "" {
		t.Fatal(diff)
	}

	if client.CheckProtocolError() || server.CheckProtocolError() {
		t.Fatal("expected no protocol error")
	}
}

func TestUnknownFrameCausesProtocolError(t *testing.T) {
	client, server, injector, driver := newTestTopology(t)

	if err := driver.EstablishConnection(context.Background()); err != nil {
		t.Fatal(err)
	}

	// smuggle an unknown frame type in front of the payload
	injector.SetPlainPacketListener(func(fi *FaultInjector, hdr *PacketHeader, buf *PlainPacketBuffer) error {
		if err := fi.ResizePlainPacket(buf.Len() + 8); err != nil {
			return err
		}
		data := buf.Bytes()
		copy(data[8:], data[:len(data)-8])
		for idx := 0; idx < 8; idx++ {
			data[idx] = 0xff
		}
		return nil
	})

	if _, err := server.Write([]byte("Hello World!")); err != nil {
		t.Fatal(err)
	}
	if err := driver.Pump(); err != nil {
		t.Fatal(err)
	}
	if err := driver.Pump(); err != nil {
		t.Fatal(err)
	}

	// the violation surfaces on the client's next read
	if _, err := client.Read(1024); !errors.Is(err, ErrProtocolViolation) {
		t.Fatal("expected ErrProtocolViolation, got", err)
	}
	if !client.CheckProtocolError() {
		t.Fatal("expected the client to flag the protocol error")
	}

	// the client's CONNECTION_CLOSE reached the server
	if !server.CheckProtocolError() {
		t.Fatal("expected the server to flag the protocol error")
	}
}

func TestDroppingTransportParamsFailsHandshake(t *testing.T) {
	client, server, injector, driver := newTestTopology(t)

	injector.SetHandshakeMessageListener(HandshakeTypeEncryptedExtensions,
		func(fi *FaultInjector, msg *HandshakeMessage) error {
			return fi.DeleteExtension(ExtensionTypeQUICTransportParameters, msg)
		})

	err := driver.EstablishConnection(context.Background())
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatal("expected ErrHandshakeFailed, got", err)
	}
	if client.State() != ConnStateFailed {
		t.Fatal("expected the client to fail, got", client.State())
	}
	if !client.CheckProtocolError() {
		t.Fatal("expected the client to flag the protocol error")
	}
	if !server.CheckProtocolError() {
		t.Fatal("expected the server to flag the protocol error")
	}
}

func TestNoOpListenersDoNotDisturbTheConnection(t *testing.T) {
	client, server, injector, driver := newTestTopology(t)

	// observing listeners must not break the handshake: resealing
	// with unchanged payloads reproduces the original packets
	observed := 0
	injector.SetPlainPacketListener(func(fi *FaultInjector, hdr *PacketHeader, buf *PlainPacketBuffer) error {
		observed++
		return nil
	})
	injector.SetHandshakeMessageListener(HandshakeTypeEncryptedExtensions,
		func(fi *FaultInjector, msg *HandshakeMessage) error {
			if _, _, ok := msg.Extensions.Find(ExtensionTypeQUICTransportParameters); !ok {
				t.Error("expected to see the transport parameters extension")
			}
			return nil
		})

	if err := driver.EstablishConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	if observed < 2 {
		t.Fatal("expected to observe the server flight, got", observed)
	}

	if _, err := server.Write([]byte("Hello World!")); err != nil {
		t.Fatal(err)
	}
	if err := driver.Pump(); err != nil {
		t.Fatal(err)
	}
	if err := driver.Pump(); err != nil {
		t.Fatal(err)
	}
	data, err := client.Read(1024)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("Hello World!"), data); diff != "" {
		t.Fatal(diff)
	}
}

func TestListenerErrorSurfacesThroughEstablish(t *testing.T) {
	_, _, injector, driver := newTestTopology(t)

	expected := errors.New("mocked error")
	injector.SetPlainPacketListener(func(fi *FaultInjector, hdr *PacketHeader, buf *PlainPacketBuffer) error {
		return expected
	})

	if err := driver.EstablishConnection(context.Background()); !errors.Is(err, expected) {
		t.Fatal("expected the mocked error, got", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	certFile, keyFile := MustWriteServerCreds(t.TempDir())
	server := Must1(NewTServer(&TServerConfig{
		CertFile: certFile,
		KeyFile:  keyFile,
	}))
	client := NewConn(&ConnConfig{})
	injector := NewFaultInjector(&NullLogger{})
	driver := Must1(NewDriver(&DriverConfig{
		Client:        client,
		Server:        server,
		Injector:      injector,
		MaxIterations: 5,
	}))
	defer driver.Close()

	// blanking every server packet stalls the client forever
	injector.SetPlainPacketListener(func(fi *FaultInjector, hdr *PacketHeader, buf *PlainPacketBuffer) error {
		data := buf.Bytes()
		for idx := range data {
			data[idx] = 0
		}
		return nil
	})

	err := driver.EstablishConnection(context.Background())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatal("expected ErrHandshakeTimeout, got", err)
	}
	if client.State() != ConnStateHandshaking {
		t.Fatal("expected the client to still be handshaking")
	}
}

func TestEstablishHonorsContext(t *testing.T) {
	_, _, _, driver := newTestTopology(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := driver.EstablishConnection(ctx); !errors.Is(err, context.Canceled) {
		t.Fatal("expected context.Canceled, got", err)
	}
}

func TestCaptureFileRecordsFrames(t *testing.T) {
	certFile, keyFile := MustWriteServerCreds(t.TempDir())
	server := Must1(NewTServer(&TServerConfig{
		CertFile: certFile,
		KeyFile:  keyFile,
	}))
	client := NewConn(&ConnConfig{})
	captureFile := filepath.Join(t.TempDir(), "trace.pcap")
	driver := Must1(NewDriver(&DriverConfig{
		Client:      client,
		Server:      server,
		CaptureFile: captureFile,
	}))

	if err := driver.EstablishConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := driver.Close(); err != nil {
		t.Fatal(err)
	}

	stat, err := os.Stat(captureFile)
	if err != nil {
		t.Fatal(err)
	}
	// the global header is 24 bytes so any recorded frame makes it bigger
	if stat.Size() <= 24 {
		t.Fatal("expected the capture file to contain frames")
	}
}

func TestCloseSemantics(t *testing.T) {
	client, server, _, driver := newTestTopology(t)

	if err := driver.EstablishConnection(context.Background()); err != nil {
		t.Fatal(err)
	}

	// closing twice is a no-op
	if err := driver.Close(); err != nil {
		t.Fatal(err)
	}
	if err := driver.Close(); err != nil {
		t.Fatal(err)
	}

	// operations after close fail cleanly
	if _, err := client.Read(128); !errors.Is(err, ErrConnClosed) {
		t.Fatal("expected ErrConnClosed, got", err)
	}
	if _, err := server.Write([]byte("data")); !errors.Is(err, ErrConnClosed) {
		t.Fatal("expected ErrConnClosed, got", err)
	}

	// closing nil handles is a no-op
	var nilConn *Conn
	var nilServer *TServer
	if err := nilConn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := nilServer.Close(); err != nil {
		t.Fatal(err)
	}
}
