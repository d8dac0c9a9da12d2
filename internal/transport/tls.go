package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"
)

// TLSMode mirrors the handle's tls configuration toggle (spec §6).
type TLSMode int

const (
	TLSDisable TLSMode = iota
	TLSAllow
	TLSRequire
)

// TLSConfig carries the subset of *tls.Config this package builds
// from handle configuration, plus the certificate-directory layout
// NBD clients use: ca-cert.pem, optional client-cert.pem/client-key.pem
// for mutual TLS, and optional ca-crl.pem whose revoked serials fail
// the handshake.
type TLSConfig struct {
	CertificatesDir string
	ServerName      string
	VerifyPeer      bool

	// PSKFile and Username name NBD's pre-shared-key TLS mode. Go's
	// standard crypto/tls has no PSK cipher suite support and no
	// dependency wired into this module's go.mod fills that gap (see
	// DESIGN.md); constructing a TLSConfig with PSKFile set returns
	// ErrPSKUnsupported rather than silently falling back to
	// certificate auth.
	PSKFile  string
	Username string
}

// ErrPSKUnsupported is returned when a caller requests TLS-PSK, which
// this implementation cannot provide.
var ErrPSKUnsupported = errors.New("transport: TLS-PSK is not supported")

func (c TLSConfig) buildStdlibConfig() (*tls.Config, error) {
	if c.PSKFile != "" {
		return nil, ErrPSKUnsupported
	}

	cfg := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: !c.VerifyPeer,
		MinVersion:         tls.VersionTLS12,
	}

	if c.CertificatesDir == "" {
		return cfg, nil
	}

	caPath := filepath.Join(c.CertificatesDir, "ca-cert.pem")
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("transport: reading %s: %w", caPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("transport: no certificates found in %s", caPath)
	}
	cfg.RootCAs = pool

	clientCert := filepath.Join(c.CertificatesDir, "client-cert.pem")
	clientKey := filepath.Join(c.CertificatesDir, "client-key.pem")
	if _, err := os.Stat(clientCert); err == nil {
		cert, err := tls.LoadX509KeyPair(clientCert, clientKey)
		if err != nil {
			return nil, fmt.Errorf("transport: loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	crlPath := filepath.Join(c.CertificatesDir, "ca-crl.pem")
	if crlPEM, err := os.ReadFile(crlPath); err == nil {
		revoked, err := parseRevokedSerials(crlPEM)
		if err != nil {
			return nil, fmt.Errorf("transport: parsing %s: %w", crlPath, err)
		}
		cfg.VerifyPeerCertificate = rejectRevoked(revoked)
	}

	return cfg, nil
}

// parseRevokedSerials collects the revoked serial numbers from every
// X509 CRL PEM block in data. CRL signatures are not re-verified: the
// file sits next to ca-cert.pem under the same operator-controlled
// directory, so it carries the same trust.
func parseRevokedSerials(data []byte) (map[string]struct{}, error) {
	revoked := make(map[string]struct{})
	lists := 0
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "X509 CRL" {
			continue
		}
		rl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, err
		}
		lists++
		for _, entry := range rl.RevokedCertificateEntries {
			revoked[entry.SerialNumber.String()] = struct{}{}
		}
	}
	if lists == 0 {
		return nil, errors.New("no X509 CRL blocks found")
	}
	return revoked, nil
}

// rejectRevoked builds the VerifyPeerCertificate hook that fails the
// handshake when any certificate the server presented appears on the
// CRL. It checks the raw presented certificates rather than the
// verified chains so revocation also applies when peer verification is
// otherwise disabled.
func rejectRevoked(revoked map[string]struct{}) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("transport: parsing peer certificate: %w", err)
			}
			if _, bad := revoked[cert.SerialNumber.String()]; bad {
				return fmt.Errorf("transport: peer certificate serial %s is revoked", cert.SerialNumber)
			}
		}
		return nil
	}
}

// TLS adopts a plain Transport's underlying net.Conn and drives a TLS
// session over it, implementing the same Transport interface.
// crypto/tls.Conn is written for blocking net.Conn semantics, and only
// its reads survive a deadline timeout, so the non-blocking contract
// is split: Recv emulates non-blocking I/O with an immediate read
// deadline and reports ErrWouldBlock, while Handshake, Send, and
// ShutdownWrites run blocking under the runtime poller (their
// interrupted counterparts would corrupt the stream permanently).
type TLS struct {
	inner         *Plain
	conn          *tls.Conn
	handshakeDone bool
}

// NewTLS wraps inner in a TLS client session. Construction does not
// block; the handshake runs on the first call to Handshake (or the
// first Recv/Send), which blocks until it completes or fails.
func NewTLS(inner *Plain, cfg TLSConfig) (*TLS, error) {
	stdCfg, err := cfg.buildStdlibConfig()
	if err != nil {
		return nil, err
	}
	return &TLS{
		inner: inner,
		conn:  tls.Client(inner.Conn(), stdCfg),
	}, nil
}

// Handshake runs the TLS handshake to completion. The immediate-
// deadline trick used by Recv cannot apply here: crypto/tls
// records any handshake error permanently, a deadline timeout
// included, so a partial handshake could never be resumed. The
// handshake therefore blocks under the runtime poller. It happens once
// per connection, during option negotiation; an event-loop caller sees
// a single blocking notify call at upgrade time.
func (t *TLS) Handshake() error {
	if t.handshakeDone {
		return nil
	}
	_ = t.conn.SetDeadline(time.Time{})
	if err := t.conn.Handshake(); err != nil {
		return err
	}
	t.handshakeDone = true
	return nil
}

func (t *TLS) Recv(buf []byte) (int, error) {
	if !t.handshakeDone {
		if err := t.Handshake(); err != nil {
			return 0, err
		}
	}

	var n int
	err := t.withImmediateDeadline(func() error {
		var readErr error
		n, readErr = t.conn.Read(buf)
		return readErr
	})
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Send writes buf to the TLS stream. It cannot use Recv's
// immediate-deadline emulation: crypto/tls documents that a Write that
// times out corrupts the stream permanently, and retrying it would
// loop on the same error forever. Sends instead block under the
// runtime poller; request frames are small enough that they normally
// fit the socket buffer and return immediately.
func (t *TLS) Send(buf []byte, _ bool) (int, error) {
	if !t.handshakeDone {
		if err := t.Handshake(); err != nil {
			return 0, err
		}
	}

	_ = t.conn.SetWriteDeadline(time.Time{})
	return t.conn.Write(buf)
}

// Pending always reports false. crypto/tls does not expose a count of
// decrypted-but-unread bytes, so data already buffered inside the TLS
// session (a single TCP read can surface more than one NBD frame once
// decrypted) is not reported here.
func (t *TLS) Pending() bool {
	return false
}

func (t *TLS) PollFD() int { return t.inner.PollFD() }

// ShutdownWrites sends the TLS close-notify and half-closes the
// write side. Blocking for the same reason as Send: an interrupted
// close-notify write is unrecoverable.
func (t *TLS) ShutdownWrites() error {
	_ = t.conn.SetWriteDeadline(time.Time{})
	return t.conn.CloseWrite()
}

func (t *TLS) Close() error {
	return t.conn.Close()
}

// withImmediateDeadline sets a read deadline in the past (so the very
// next read either succeeds from buffered data or times out) around f,
// translating the resulting timeout into ErrWouldBlock. Only reads may
// use this: a read timeout leaves the TLS stream intact, while write
// and handshake timeouts are documented by crypto/tls as permanent.
func (t *TLS) withImmediateDeadline(f func() error) error {
	deadline := time.Now()
	_ = t.conn.SetReadDeadline(deadline)
	defer t.conn.SetReadDeadline(time.Time{})

	err := f()
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrWouldBlock
	}
	return err
}
