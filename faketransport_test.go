package nbd

import (
	"encoding/binary"
	"testing"

	"github.com/nbdkit/go-nbd/internal/transport"
	"github.com/nbdkit/go-nbd/internal/wire"
)

// fakeTransport is an in-memory Transport: tests pre-load the server's
// byte stream for the handshake, and optionally install a responder
// that synthesizes replies to transmission-phase requests as they are
// written, so blocking APIs never have to wait on a real fd.
type fakeTransport struct {
	rx         []byte
	tx         []byte
	peerClosed bool
	closed     bool

	// responder, when set, is fed each complete request frame written
	// during the transmission phase and returns the server's reply
	// bytes, which are appended to rx.
	responder func(req wire.Request, payload []byte) []byte

	pending []byte // partial request bytes awaiting a full frame
}

func (f *fakeTransport) Recv(buf []byte) (int, error) {
	if len(f.rx) == 0 {
		if f.peerClosed {
			return 0, nil
		}
		return 0, transport.ErrWouldBlock
	}
	n := copy(buf, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakeTransport) Send(buf []byte, _ bool) (int, error) {
	f.tx = append(f.tx, buf...)
	if f.responder != nil {
		f.pending = append(f.pending, buf...)
		f.dispatch()
	}
	return len(buf), nil
}

// dispatch parses complete request frames out of pending and runs the
// responder on each.
func (f *fakeTransport) dispatch() {
	for len(f.pending) >= wire.RequestLen {
		var req wire.Request
		if err := req.Unmarshal(f.pending); err != nil {
			return
		}
		frameLen := wire.RequestLen
		if req.Type == wire.CmdWrite {
			frameLen += int(req.Length)
		}
		if len(f.pending) < frameLen {
			return
		}
		payload := f.pending[wire.RequestLen:frameLen]
		f.pending = f.pending[frameLen:]
		f.rx = append(f.rx, f.responder(req, payload)...)
	}
}

func (f *fakeTransport) Pending() bool         { return false }
func (f *fakeTransport) PollFD() int           { return -1 }
func (f *fakeTransport) ShutdownWrites() error { return nil }
func (f *fakeTransport) Close() error          { f.closed = true; return nil }

// Server-side frame builders.

func be16b(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }
func be32b(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b }
func be64b(v uint64) []byte { b := make([]byte, 8); binary.BigEndian.PutUint64(b, v); return b }

// oldStyleGreeting is the full 152-byte old-style server greeting.
func oldStyleGreeting(size uint64, flags uint16) []byte {
	var b []byte
	b = append(b, wire.NBDMAGIC[:]...)
	b = append(b, be64b(wire.OldStyleMagic)...)
	b = append(b, be64b(size)...)
	b = append(b, be16b(flags)...)
	b = append(b, make([]byte, 126)...)
	return b
}

// newStyleGreeting is the 18-byte new-style opener: magic pair plus
// the server's global flags.
func newStyleGreeting(gflags uint16) []byte {
	var b []byte
	b = append(b, wire.NBDMAGIC[:]...)
	b = append(b, be64b(wire.NewStyleMagic)...)
	b = append(b, be16b(gflags)...)
	return b
}

// optionReply frames one option reply.
func optionReply(opt, replyType uint32, payload []byte) []byte {
	var b []byte
	b = append(b, be64b(wire.ReplyMagic)...)
	b = append(b, be32b(opt)...)
	b = append(b, be32b(replyType)...)
	b = append(b, be32b(uint32(len(payload)))...)
	b = append(b, payload...)
	return b
}

// infoExportPayload is the NBD_INFO_EXPORT body for an OPT_GO reply.
func infoExportPayload(size uint64, eflags uint16) []byte {
	var b []byte
	b = append(b, be16b(wire.InfoExport)...)
	b = append(b, be64b(size)...)
	b = append(b, be16b(eflags)...)
	return b
}

// metaContextPayload is one REP_META_CONTEXT body.
func metaContextPayload(id uint32, name string) []byte {
	var b []byte
	b = append(b, be32b(id)...)
	b = append(b, []byte(name)...)
	return b
}

// simpleReply frames a simple reply header.
func simpleReply(nbdErr uint32, cookie uint64) []byte {
	var b []byte
	b = append(b, be32b(wire.SimpleReplyMagic)...)
	b = append(b, be32b(nbdErr)...)
	b = append(b, be64b(cookie)...)
	return b
}

// structuredChunk frames one structured reply chunk.
func structuredChunk(flags, chunkType uint16, cookie uint64, payload []byte) []byte {
	var b []byte
	b = append(b, be32b(wire.StructuredReplyMagic)...)
	b = append(b, be16b(flags)...)
	b = append(b, be16b(chunkType)...)
	b = append(b, be64b(cookie)...)
	b = append(b, be32b(uint32(len(payload)))...)
	b = append(b, payload...)
	return b
}

// fixedNewStyleHandshake builds the complete server stream for a
// fixed-newstyle handshake matching cfg: structured-reply ACK,
// meta-context replies, then OPT_GO info + ACK.
func fixedNewStyleHandshake(cfg Config, size uint64, eflags uint16, metaID uint32) []byte {
	b := newStyleGreeting(wire.FlagFixedNewstyle | wire.FlagNoZeroes)
	if cfg.RequestStructuredReplies {
		b = append(b, optionReply(wire.OptStructuredReply, wire.RepAck, nil)...)
	}
	if cfg.RequestMetaContext && len(cfg.MetaContexts) > 0 {
		for _, name := range cfg.MetaContexts {
			b = append(b, optionReply(wire.OptSetMetaContext, wire.RepMetaContext, metaContextPayload(metaID, name))...)
		}
		b = append(b, optionReply(wire.OptSetMetaContext, wire.RepAck, nil)...)
	}
	b = append(b, optionReply(wire.OptGo, wire.RepInfo, infoExportPayload(size, eflags))...)
	b = append(b, optionReply(wire.OptGo, wire.RepAck, nil)...)
	return b
}

// connectFake adopts f as h's transport and drives the handshake.
func connectFake(t *testing.T, h *Handle, f *fakeTransport) error {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adoptTransport(f)
	return h.driveHandshake()
}

// testConfig is the baseline config the transmission tests use: no
// TLS, structured replies and base:allocation on, default strict mode.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TLS = TLSDisable
	return cfg
}
