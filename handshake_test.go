package nbd

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbdkit/go-nbd/internal/wire"
)

func TestOldStyleHandshake(t *testing.T) {
	h := New("oldstyle")
	cfg := testConfig()
	require.NoError(t, h.Configure(cfg))

	f := &fakeTransport{rx: oldStyleGreeting(1048576, wire.FlagHasFlags)}
	require.NoError(t, connectFake(t, h, f))

	size, err := h.GetSize()
	require.NoError(t, err)
	require.Equal(t, uint64(1048576), size)

	ro, err := h.IsReadOnly()
	require.NoError(t, err)
	require.False(t, ro)

	proto, err := h.GetProtocol()
	require.NoError(t, err)
	require.Equal(t, "oldstyle", proto)

	sr, err := h.GetStructuredRepliesNegotiated()
	require.NoError(t, err)
	require.False(t, sr)

	require.True(t, h.AioIsReady())
}

func TestNewStyleFixedHandshake(t *testing.T) {
	h := New("newstyle")
	cfg := testConfig()
	require.NoError(t, h.Configure(cfg))

	f := &fakeTransport{rx: fixedNewStyleHandshake(cfg, 1<<30, wire.FlagHasFlags|wire.FlagSendFlush|wire.FlagSendTrim, 5)}
	require.NoError(t, connectFake(t, h, f))

	proto, err := h.GetProtocol()
	require.NoError(t, err)
	require.Equal(t, "newstyle-fixed", proto)

	size, err := h.GetSize()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<30), size)

	sr, err := h.GetStructuredRepliesNegotiated()
	require.NoError(t, err)
	require.True(t, sr)

	can, err := h.CanMetaContext("base:allocation")
	require.NoError(t, err)
	require.True(t, can)

	canFlush, err := h.CanFlush()
	require.NoError(t, err)
	require.True(t, canFlush)
}

func TestStartTLSRefusedWithRequire(t *testing.T) {
	h := New("tls-refused")
	cfg := testConfig()
	cfg.TLS = TLSRequire
	require.NoError(t, h.Configure(cfg))

	stream := newStyleGreeting(wire.FlagFixedNewstyle | wire.FlagNoZeroes)
	stream = append(stream, optionReply(wire.OptStartTLS, wire.RepErrPolicy, nil)...)

	f := &fakeTransport{rx: stream}
	err := connectFake(t, h, f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "handshake: server refused TLS")

	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, ENOTSUP, e.Errno)
	require.True(t, h.AioIsDead())
}

func TestStartTLSRefusedWithAllowContinues(t *testing.T) {
	h := New("tls-allowed")
	cfg := testConfig()
	cfg.TLS = TLSAllow

	stream := newStyleGreeting(wire.FlagFixedNewstyle | wire.FlagNoZeroes)
	stream = append(stream, optionReply(wire.OptStartTLS, wire.RepErrPolicy, nil)...)
	stream = append(stream, fixedNewStyleHandshake(cfg, 4096, wire.FlagHasFlags, 5)[18:]...)

	require.NoError(t, h.Configure(cfg))
	f := &fakeTransport{rx: stream}
	require.NoError(t, connectFake(t, h, f))

	tls, err := h.GetTLSNegotiated()
	require.NoError(t, err)
	require.False(t, tls)
	require.True(t, h.AioIsReady())
}

func TestGoUnsupFallsBackToExportName(t *testing.T) {
	h := New("fallback")
	cfg := testConfig()
	cfg.RequestStructuredReplies = false
	cfg.RequestMetaContext = false
	require.NoError(t, h.Configure(cfg))

	stream := newStyleGreeting(wire.FlagFixedNewstyle | wire.FlagNoZeroes)
	stream = append(stream, optionReply(wire.OptGo, wire.RepErrUnsup, nil)...)
	// Legacy EXPORT_NAME response: size + flags, no reserved bytes
	// because NO_ZEROES was negotiated.
	stream = append(stream, be64b(65536)...)
	stream = append(stream, be16b(wire.FlagHasFlags|wire.FlagReadOnly)...)

	f := &fakeTransport{rx: stream}
	require.NoError(t, connectFake(t, h, f))

	size, err := h.GetSize()
	require.NoError(t, err)
	require.Equal(t, uint64(65536), size)

	ro, err := h.IsReadOnly()
	require.NoError(t, err)
	require.True(t, ro)
}

func TestAccessorsBeforeHandshake(t *testing.T) {
	h := New("premature")
	if _, err := h.GetSize(); err == nil {
		t.Fatal("GetSize before handshake should fail")
	} else if !strings.HasPrefix(err.Error(), "nbd_get_size: ") {
		t.Fatalf("unexpected error %q", err)
	}
	if _, err := h.GetProtocol(); err == nil {
		t.Fatal("GetProtocol before handshake should fail")
	}
	if _, err := h.CanFlush(); err == nil {
		t.Fatal("CanFlush before handshake should fail")
	}
}

func TestBlockSizeTripleValidation(t *testing.T) {
	tests := []struct {
		name           string
		min, pref, max uint32
		valid          bool
	}{
		{"typical", 512, 4096, 32 << 20, true},
		{"max unlimited", 1, 4096, 0xFFFFFFFF, true},
		{"min not power of two", 3, 4096, 1 << 20, false},
		{"min too large", 131072, 131072, 1 << 20, false},
		{"pref below 512", 1, 256, 1 << 20, false},
		{"pref not power of two", 512, 5000, 1 << 20, false},
		{"pref below min", 4096, 512, 1 << 20, false},
		{"max below pref", 512, 4096, 2048, false},
		{"max not multiple of min", 512, 4096, 4097, false},
		{"zero min", 0, 4096, 1 << 20, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.valid, validBlockSizeTriple(tt.min, tt.pref, tt.max))
		})
	}
}

func TestBadBlockSizeAdvertisementIgnored(t *testing.T) {
	h := New("badblock")
	cfg := testConfig()
	cfg.RequestStructuredReplies = false
	cfg.RequestMetaContext = false
	require.NoError(t, h.Configure(cfg))

	stream := newStyleGreeting(wire.FlagFixedNewstyle | wire.FlagNoZeroes)
	blockInfo := append(be16b(wire.InfoBlockSize), be32b(3)...) // min=3: invalid
	blockInfo = append(blockInfo, be32b(4096)...)
	blockInfo = append(blockInfo, be32b(1<<20)...)
	stream = append(stream, optionReply(wire.OptGo, wire.RepInfo, infoExportPayload(1<<20, wire.FlagHasFlags))...)
	stream = append(stream, optionReply(wire.OptGo, wire.RepInfo, blockInfo)...)
	stream = append(stream, optionReply(wire.OptGo, wire.RepAck, nil)...)

	f := &fakeTransport{rx: stream}
	require.NoError(t, connectFake(t, h, f))

	// The non-conforming advertisement is silently dropped in favor of
	// the defaults.
	min, err := h.GetBlockSize(BlockSizeMinimum)
	require.NoError(t, err)
	require.Equal(t, uint32(512), min)

	payloadMax, err := h.GetBlockSize(BlockSizePayload)
	require.NoError(t, err)
	require.Equal(t, uint32(32<<20), payloadMax)
}

func TestDFClearedWithoutStructuredReplies(t *testing.T) {
	h := New("df-clear")
	cfg := testConfig()
	cfg.RequestStructuredReplies = false
	cfg.RequestMetaContext = false
	require.NoError(t, h.Configure(cfg))

	eflags := wire.FlagHasFlags | wire.FlagSendDF | wire.FlagSendFastZero
	f := &fakeTransport{rx: fixedNewStyleHandshake(cfg, 4096, eflags, 0)}
	require.NoError(t, connectFake(t, h, f))

	// SEND_DF without structured replies is cleared; SEND_FAST_ZERO
	// without SEND_WRITE_ZEROES likewise.
	canDF, err := h.CanDF()
	require.NoError(t, err)
	require.False(t, canDF)

	canFZ, err := h.CanFastZero()
	require.NoError(t, err)
	require.False(t, canFZ)
}
