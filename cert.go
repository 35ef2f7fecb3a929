package quicfault

//
// Server TLS credentials
//

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// MustWriteServerCreds generates a self signed server certificate and
// writes it and its private key into dir as servercert.pem and
// serverkey.pem, returning the two file paths.
//
// This function PANICS on failure. Typically you want the dir to be
// a temporary directory such as testing.T's TempDir.
func MustWriteServerCreds(dir string) (certFile, keyFile string) {
	priv := Must1(rsa.GenerateKey(rand.Reader, 2048))
	tmpl := &x509.Certificate{
		SerialNumber: Must1(rand.Int(rand.Reader, big.NewInt(1<<62))),
		Subject: pkix.Name{
			CommonName:   "server.local",
			Organization: []string{"quicfault"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"server.local"},
		IPAddresses:           []net.IP{net.ParseIP("10.0.0.1")},
	}
	der := Must1(x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv))

	certFile = filepath.Join(dir, "servercert.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	Must0(os.WriteFile(certFile, certPEM, 0600))

	keyFile = filepath.Join(dir, "serverkey.pem")
	keyDER := Must1(x509.MarshalPKCS8PrivateKey(priv))
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	Must0(os.WriteFile(keyFile, keyPEM, 0600))
	return
}

// MustNewCertPool returns a certificate pool containing the PEM
// certificate stored at certFile. PANICS on failure. Use this to pin
// the client's roots to the server credential written by
// [MustWriteServerCreds].
func MustNewCertPool(certFile string) *x509.CertPool {
	pool := x509.NewCertPool()
	data := Must1(os.ReadFile(certFile))
	if !pool.AppendCertsFromPEM(data) {
		panic(errors.New("quicfault: cannot parse PEM certificate"))
	}
	return pool
}

// loadServerCredential loads a PEM certificate and key pair from disk.
func loadServerCredential(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
