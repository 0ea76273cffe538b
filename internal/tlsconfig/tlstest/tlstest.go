// Package tlstest generates a throwaway CA with server and client
// certificates for tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// Files are the paths of the generated PEM files.
type Files struct {
	CACert     string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

type keyPair struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// Generate writes a CA, a server certificate valid for localhost and
// 127.0.0.1, and a client certificate into a temporary directory.
func Generate(t testing.TB) Files {
	t.Helper()

	dir := t.TempDir()

	ca := newCert(t, nil, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "queuefleet test CA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	})

	server := newCert(t, ca, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "localhost"},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})

	client := newCert(t, ca, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "fleetctl"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})

	files := Files{
		CACert:     filepath.Join(dir, "ca.crt"),
		ServerCert: filepath.Join(dir, "server.crt"),
		ServerKey:  filepath.Join(dir, "server.key"),
		ClientCert: filepath.Join(dir, "client.crt"),
		ClientKey:  filepath.Join(dir, "client.key"),
	}

	writeCert(t, files.CACert, ca)
	writeCert(t, files.ServerCert, server)
	writeKey(t, files.ServerKey, server)
	writeCert(t, files.ClientCert, client)
	writeKey(t, files.ClientKey, client)

	return files
}

var serial atomic.Int64

func newCert(t testing.TB, parent *keyPair, template *x509.Certificate) *keyPair {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template.SerialNumber = big.NewInt(serial.Add(1))
	template.NotBefore = time.Now().Add(-time.Hour)
	template.NotAfter = time.Now().Add(24 * time.Hour)

	signer := &keyPair{cert: template, key: key}
	if parent != nil {
		signer = parent
	}

	der, err := x509.CreateCertificate(
		rand.Reader,
		template,
		signer.cert,
		&key.PublicKey,
		signer.key,
	)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	return &keyPair{cert: cert, key: key}
}

func writeCert(t testing.TB, path string, kp *keyPair) {
	t.Helper()

	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: kp.cert.Raw})
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("save cert %s: %v", path, err)
	}
}

func writeKey(t testing.TB, path string, kp *keyPair) {
	t.Helper()

	der, err := x509.MarshalECPrivateKey(kp.key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("save key %s: %v", path, err)
	}
}
