package quicfault

import (
	"crypto/x509"
	"testing"
)

func TestMustWriteServerCreds(t *testing.T) {
	certFile, keyFile := MustWriteServerCreds(t.TempDir())

	// the generated pair must load as a credential
	cert, err := loadServerCredential(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) < 1 {
		t.Fatal("expected at least one certificate")
	}

	// the certificate must verify against itself as a root
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	pool := MustNewCertPool(certFile)
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
		t.Fatal(err)
	}
}

func TestLoadServerCredentialFailure(t *testing.T) {
	if _, err := loadServerCredential("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatal("expected an error")
	}
}
