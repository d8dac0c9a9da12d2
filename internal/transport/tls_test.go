package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testCA is a self-signed CA that also serves as the server
// certificate, written out in the directory layout TLSConfig reads.
type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	der  []byte
	dir  string
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(0x4e4244),
		Subject:               pkix.Name{CommonName: "nbd-test"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	dir := t.TempDir()
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca-cert.pem"), pemBytes, 0o600))

	return &testCA{cert: cert, key: key, der: der, dir: dir}
}

func (ca *testCA) serverTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{ca.der},
			PrivateKey:  ca.key,
		}},
	}
}

// writeCRL writes a ca-crl.pem revoking the given serials into the
// CA's certificate directory.
func (ca *testCA) writeCRL(t *testing.T, serials ...*big.Int) {
	t.Helper()

	entries := make([]x509.RevocationListEntry, len(serials))
	for i, s := range serials {
		entries[i] = x509.RevocationListEntry{SerialNumber: s, RevocationTime: time.Now()}
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Minute),
		NextUpdate:                time.Now().Add(time.Hour),
		RevokedCertificateEntries: entries,
	}, ca.cert, ca.key)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(ca.dir, "ca-crl.pem"), pemBytes, 0o600))
}

// startEchoServer accepts one TLS connection and echoes bytes back
// until the client half-closes.
func startEchoServer(t *testing.T, ca *testCA) net.Addr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tlsConn := tls.Server(conn, ca.serverTLSConfig())
		defer tlsConn.Close()
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		_, _ = io.Copy(tlsConn, tlsConn)
	}()

	return ln.Addr()
}

// dialTLS connects the client side of the transport stack: a real TCP
// conn wrapped in Plain wrapped in TLS.
func dialTLS(t *testing.T, addr net.Addr, cfg TLSConfig) (*TLS, error) {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	plain, err := NewPlain(conn)
	require.NoError(t, err)
	tr, err := NewTLS(plain, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.Cleanup(func() { tr.Close() })
	return tr, nil
}

// recvAll drains tr until want bytes arrived, waiting out WouldBlock.
func recvAll(t *testing.T, tr *TLS, want int) []byte {
	t.Helper()

	buf := make([]byte, want)
	got := 0
	deadline := time.Now().Add(5 * time.Second)
	for got < want {
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano(), "timed out after %d/%d bytes", got, want)
		n, err := tr.Recv(buf[got:])
		if err == ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		require.NotZero(t, n, "peer closed early")
		got += n
	}
	return buf
}

func TestTLSHandshakeAndEcho(t *testing.T) {
	ca := newTestCA(t)
	addr := startEchoServer(t, ca)

	tr, err := dialTLS(t, addr, TLSConfig{
		CertificatesDir: ca.dir,
		ServerName:      "localhost",
		VerifyPeer:      true,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Handshake())

	msg := []byte("hello over TLS")
	sent := 0
	for sent < len(msg) {
		n, err := tr.Send(msg[sent:], false)
		if err == ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		sent += n
	}

	require.Equal(t, msg, recvAll(t, tr, len(msg)))
	require.False(t, tr.Pending())
	require.GreaterOrEqual(t, tr.PollFD(), 0)

	// Half-close; the echo server then finishes and closes, which
	// surfaces as an orderly zero-length read.
	require.NoError(t, tr.ShutdownWrites())
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano(), "no orderly shutdown seen")
		n, err := tr.Recv(make([]byte, 16))
		if err == ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		require.Zero(t, n)
		break
	}
}

func TestTLSVerifyPeerRejectsUnknownCA(t *testing.T) {
	ca := newTestCA(t)
	addr := startEchoServer(t, ca)

	// A second CA directory whose ca-cert.pem does not match the
	// server's certificate.
	other := newTestCA(t)
	tr, err := dialTLS(t, addr, TLSConfig{
		CertificatesDir: other.dir,
		ServerName:      "localhost",
		VerifyPeer:      true,
	})
	require.NoError(t, err)
	require.Error(t, tr.Handshake())
}

func TestTLSRevokedCertificateRejected(t *testing.T) {
	ca := newTestCA(t)
	ca.writeCRL(t, ca.cert.SerialNumber)
	addr := startEchoServer(t, ca)

	tr, err := dialTLS(t, addr, TLSConfig{
		CertificatesDir: ca.dir,
		ServerName:      "localhost",
		VerifyPeer:      true,
	})
	require.NoError(t, err)

	err = tr.Handshake()
	require.Error(t, err)
	require.Contains(t, err.Error(), "revoked")
}

func TestTLSCRLIgnoresOtherSerials(t *testing.T) {
	ca := newTestCA(t)
	ca.writeCRL(t, big.NewInt(0xdead)) // some other certificate
	addr := startEchoServer(t, ca)

	tr, err := dialTLS(t, addr, TLSConfig{
		CertificatesDir: ca.dir,
		ServerName:      "localhost",
		VerifyPeer:      true,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Handshake())
}

func TestTLSPSKUnsupported(t *testing.T) {
	_, err := TLSConfig{PSKFile: "/etc/nbd/keys.psk"}.buildStdlibConfig()
	require.ErrorIs(t, err, ErrPSKUnsupported)
}

func TestTLSMissingCACert(t *testing.T) {
	_, err := TLSConfig{CertificatesDir: t.TempDir()}.buildStdlibConfig()
	require.Error(t, err)
}

func TestParseRevokedSerials(t *testing.T) {
	ca := newTestCA(t)
	ca.writeCRL(t, big.NewInt(7), big.NewInt(9))

	data, err := os.ReadFile(filepath.Join(ca.dir, "ca-crl.pem"))
	require.NoError(t, err)

	revoked, err := parseRevokedSerials(data)
	require.NoError(t, err)
	require.Len(t, revoked, 2)
	_, ok := revoked["7"]
	require.True(t, ok)
	_, ok = revoked["9"]
	require.True(t, ok)

	_, err = parseRevokedSerials([]byte("not a crl"))
	require.Error(t, err)
}
