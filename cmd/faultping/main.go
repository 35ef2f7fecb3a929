// Command faultping establishes an in-memory connection, exchanges a
// greeting and then shows how an injected fault surfaces as a
// protocol error on the client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/bassosimone/quicfault"
)

func main() {
	dir := quicfault.Must1(os.MkdirTemp("", "faultping"))
	defer os.RemoveAll(dir)
	certFile, keyFile := quicfault.MustWriteServerCreds(dir)

	fmt.Printf("=== clean connection ===\n")
	run(certFile, keyFile, false)

	fmt.Printf("=== corrupted connection ===\n")
	run(certFile, keyFile, true)
}

func run(certFile, keyFile string, corrupt bool) {
	server := quicfault.Must1(quicfault.NewTServer(&quicfault.TServerConfig{
		CertFile: certFile,
		KeyFile:  keyFile,
		Logger:   log.Log,
	}))
	defer server.Close()

	client := quicfault.NewConn(&quicfault.ConnConfig{
		Logger:  log.Log,
		RootCAs: quicfault.MustNewCertPool(certFile),
	})
	defer client.Close()

	injector := quicfault.NewFaultInjector(log.Log)
	driver := quicfault.Must1(quicfault.NewDriver(&quicfault.DriverConfig{
		Client:      client,
		Server:      server,
		Injector:    injector,
		Logger:      log.Log,
		CaptureFile: "faultping.pcap",
	}))
	defer driver.Close()

	quicfault.Must0(driver.EstablishConnection(context.Background()))

	if corrupt {
		// smuggle an unknown frame type in front of the payload
		injector.SetPlainPacketListener(func(fi *quicfault.FaultInjector,
			hdr *quicfault.PacketHeader, buf *quicfault.PlainPacketBuffer) error {
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
	}

	quicfault.Must1(server.Write([]byte("Hello World!")))
	quicfault.Must0(driver.Pump())
	quicfault.Must0(driver.Pump())

	data, err := client.Read(1024)
	switch {
	case errors.Is(err, quicfault.ErrProtocolViolation):
		fmt.Printf("< protocol violation detected (server agrees: %v)\n", server.CheckProtocolError())
	case err != nil:
		fmt.Printf("< unexpected error: %s\n", err.Error())
	default:
		fmt.Printf("< %q\n", string(data))
	}
}
