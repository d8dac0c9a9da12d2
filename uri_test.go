package nbd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name    string
		uri     string
		wantErr bool
		check   func(t *testing.T, p *parsedURI)
	}{
		{
			name: "plain tcp",
			uri:  "nbd://example.com/disk0",
			check: func(t *testing.T, p *parsedURI) {
				assert.Equal(t, TransportTCP, p.transport)
				assert.Equal(t, "example.com", p.host)
				assert.Equal(t, DefaultPort, p.port)
				assert.Equal(t, "disk0", p.exportName)
				assert.False(t, p.tlsRequire)
			},
		},
		{
			name: "tcp with port and empty export",
			uri:  "nbd://example.com:10810",
			check: func(t *testing.T, p *parsedURI) {
				assert.Equal(t, "10810", p.port)
				assert.Equal(t, "", p.exportName)
			},
		},
		{
			name: "nbds forces tls",
			uri:  "nbds://secure.example.com/disk",
			check: func(t *testing.T, p *parsedURI) {
				assert.True(t, p.tlsRequire)
			},
		},
		{
			name: "unix socket",
			uri:  "nbd+unix:///export?socket=/tmp/nbd.sock",
			check: func(t *testing.T, p *parsedURI) {
				assert.Equal(t, TransportUnix, p.transport)
				assert.Equal(t, "/tmp/nbd.sock", p.socketPath)
				assert.Equal(t, "export", p.exportName)
			},
		},
		{
			name:    "unix without socket param",
			uri:     "nbd+unix:///export",
			wantErr: true,
		},
		{
			name: "vsock numeric cid",
			uri:  "nbd+vsock://2:10809/disk",
			check: func(t *testing.T, p *parsedURI) {
				assert.Equal(t, TransportVSOCK, p.transport)
				assert.Equal(t, uint32(2), p.cid)
			},
		},
		{
			name:    "vsock non-numeric cid",
			uri:     "nbd+vsock://host/disk",
			wantErr: true,
		},
		{
			name:    "unknown scheme",
			uri:     "http://example.com/",
			wantErr: true,
		},
		{
			name:    "unknown query parameter",
			uri:     "nbd://example.com/?frobnicate=1",
			wantErr: true,
		},
		{
			name: "tls username from userinfo",
			uri:  "nbd://alice@example.com/disk",
			check: func(t *testing.T, p *parsedURI) {
				assert.Equal(t, "alice", p.overrides["TLSUsername"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseURI(tt.uri, cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestParseURIAllowLists(t *testing.T) {
	t.Run("transport mask", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URIAllowTransports = TransportTCP
		_, err := parseURI("nbd+unix:///x?socket=/tmp/s", cfg)
		require.Error(t, err)
		var e *Error
		require.ErrorAs(t, err, &e)
		require.Equal(t, EPERM, e.Errno)
	})

	t.Run("tls tri-state", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URIAllowTLS = TriFalse
		_, err := parseURI("nbds://example.com/", cfg)
		require.Error(t, err)
	})

	t.Run("local file rejected by default", func(t *testing.T) {
		cfg := DefaultConfig()
		_, err := parseURI("nbd://example.com/?tls-psk-file=/etc/keys.psk", cfg)
		require.Error(t, err)
		var e *Error
		require.ErrorAs(t, err, &e)
		require.Equal(t, EPERM, e.Errno)
	})

	t.Run("local file allowed with opt-in", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URIAllowLocalFile = true
		p, err := parseURI("nbd://example.com/?tls-psk-file=/etc/keys.psk", cfg)
		require.NoError(t, err)
		require.Equal(t, "/etc/keys.psk", p.overrides["TLSPSKFile"])
	})
}
