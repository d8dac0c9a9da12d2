package nbd

import (
	"fmt"

	"github.com/nbdkit/go-nbd/internal/logger"
	"github.com/nbdkit/go-nbd/internal/transport"
	"github.com/nbdkit/go-nbd/internal/wire"
)

// hsPhase enumerates the option-negotiation phases a new-style
// handshake walks through in order (spec §4.3.1). Each phase is
// skipped entirely when the handle's configuration doesn't call for
// it, which is how STARTTLS/STRUCTURED_REPLY/SET_META_CONTEXT become
// optional without the plan needing conditionals sprinkled through
// the driver loop.
type hsPhase int

const (
	hsPhaseStartTLS hsPhase = iota
	hsPhaseTLSHandshake
	hsPhaseStructuredReply
	hsPhaseSetMetaContext
	hsPhaseGo
	hsPhaseExportName
	hsPhaseDone

	// Opt-mode-only phases, entered from StateNegotiating by the opt_*
	// calls and never by the automatic handshake sequence.
	hsPhaseList
	hsPhaseListMetaContext
	hsPhaseAbort
)

// hsOptionState is the scratch state for one option request/reply
// round trip, reused across phases since only one is ever active at a
// time during negotiation (spec §3 "single-option state").
type hsOptionState struct {
	sendCur  ioCursor
	sendDone bool

	hdrCur  ioCursor
	hdr     wire.OptionReplyHeader
	hdrDone bool

	bodyCur  ioCursor
	bodyDone bool
}

func (s *hsOptionState) reset() { *s = hsOptionState{} }

// beginOption enqueues opt+payload for sending; a no-op if already
// sent for the current reply-processing round.
func (h *Handle) beginOption(opt uint32, payload []byte) {
	if h.hsOpt.sendCur.buf != nil {
		return
	}
	o := wire.Option{Opt: opt, Payload: payload}
	frame := append(o.MarshalHeader(), payload...)
	h.hsOpt.sendCur.resetSend(frame)
}

// sendOption drains the pending option frame. Returns errYield until
// the whole frame is on the wire.
func (h *Handle) sendOption() (transport.Direction, error) {
	if h.hsOpt.sendDone {
		return 0, nil
	}
	dir, err := h.sendFrom(&h.hsOpt.sendCur, false)
	if err != nil {
		return dir, err
	}
	h.hsOpt.sendDone = true
	return 0, nil
}

// recvOptionReply reads one option-reply header+payload into
// h.hsOpt.hdr/bodyCur.buf, resumable across yields. Call resetReply
// before each new reply within a multi-reply option exchange.
func (h *Handle) recvOptionReply() (transport.Direction, error) {
	if !h.hsOpt.hdrDone {
		if h.hsOpt.hdrCur.buf == nil {
			h.hsOpt.hdrCur.resetRecv(wire.OptionReplyHeaderLen)
		}
		dir, err := h.recvInto(&h.hsOpt.hdrCur)
		if err != nil {
			return dir, err
		}
		if err := h.hsOpt.hdr.Unmarshal(h.hsOpt.hdrCur.buf); err != nil {
			return 0, wrapError(CategoryProtocol, "nbd_internal", EPROTO, err)
		}
		if h.hsOpt.hdr.Magic != wire.ReplyMagic {
			return 0, newError(CategoryProtocol, "nbd_internal", EPROTO, "bad option reply magic %#x", h.hsOpt.hdr.Magic)
		}
		if h.hsOpt.hdr.Length > wire.MaxOptionReplyLen {
			return 0, newError(CategoryProtocol, "nbd_internal", EPROTO, "option reply length %d too large", h.hsOpt.hdr.Length)
		}
		h.hsOpt.hdrDone = true
	}
	if !h.hsOpt.bodyDone {
		if h.hsOpt.bodyCur.buf == nil {
			h.hsOpt.bodyCur.resetRecv(int(h.hsOpt.hdr.Length))
		}
		dir, err := h.recvInto(&h.hsOpt.bodyCur)
		if err != nil {
			return dir, err
		}
		h.hsOpt.bodyDone = true
	}
	return 0, nil
}

func (h *Handle) resetReply() {
	h.hsOpt.hdrCur = ioCursor{}
	h.hsOpt.hdrDone = false
	h.hsOpt.bodyCur = ioCursor{}
	h.hsOpt.bodyDone = false
}

// stepMagic reads the 16-byte NBDMAGIC + old/new magic pair and
// branches to old-style or new-style handling (spec §4.3.1 step 2).
func (h *Handle) stepMagic() (transport.Direction, error) {
	if h.hsOpt.hdrCur.buf == nil {
		h.hsOpt.hdrCur.resetRecv(16)
	}
	dir, err := h.recvInto(&h.hsOpt.hdrCur)
	if err != nil {
		return dir, err
	}
	buf := h.hsOpt.hdrCur.buf
	for i := 0; i < 8; i++ {
		if buf[i] != wire.NBDMAGIC[i] {
			return 0, newError(CategoryProtocol, "nbd_internal", EPROTO, "bad NBDMAGIC")
		}
	}

	magic := be64(buf[8:16])
	h.hsOpt.reset()

	switch magic {
	case wire.OldStyleMagic:
		h.neg.protocol = "oldstyle"
		h.transitionTo(StateOldStyle)
	case wire.NewStyleMagic:
		h.neg.protocol = "newstyle"
		h.hsStep = 0 // send client flags next
		h.transitionTo(StateNegotiateOption)
	default:
		return 0, newError(CategoryProtocol, "nbd_internal", EPROTO, "unrecognized handshake magic %#x", magic)
	}
	return 0, nil
}

func be64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// stepOldStyle reads the remaining 136 bytes of the old-style
// handshake (the 16 bytes of magic already consumed by stepMagic) and
// lands directly in READY (spec scenario 1).
func (h *Handle) stepOldStyle() (transport.Direction, error) {
	if h.hsOpt.bodyCur.buf == nil {
		h.hsOpt.bodyCur.resetRecv(136)
	}
	dir, err := h.recvInto(&h.hsOpt.bodyCur)
	if err != nil {
		return dir, err
	}
	var hs wire.OldStyleHandshake
	if err := hs.Unmarshal(h.hsOpt.bodyCur.buf); err != nil {
		return 0, wrapError(CategoryProtocol, "nbd_internal", EPROTO, err)
	}
	h.neg.exportSize = hs.Size
	h.neg.exportFlags = hs.Flags
	h.neg.readOnly = hs.Flags&wire.FlagReadOnly != 0
	h.neg.canonicalName = h.cfg.ExportName
	h.applyDefaultBlockSize()
	h.hsOpt.reset()
	h.transitionTo(StateReady)
	return 0, nil
}

// newStyleClientFlags computes the 32-bit client flags to echo back
// after reading the server's 16-bit global flags.
func (h *Handle) newStyleClientFlags() uint32 {
	var flags uint32
	if h.cfg.HandshakeFlags&HandshakeFixedNewstyle != 0 && h.neg.globalFlags&wire.FlagFixedNewstyle != 0 {
		flags |= wire.ClientFlagFixedNewstyle
		h.neg.protocol = "newstyle-fixed"
	}
	if h.cfg.HandshakeFlags&HandshakeNoZeroes != 0 && h.neg.globalFlags&wire.FlagNoZeroes != 0 {
		flags |= wire.ClientFlagNoZeroes
	}
	return flags
}

// stepNegotiateOption drives the whole new-style option sequence. It
// is one State (StateNegotiateOption) whose internal hsStep field
// selects the sub-step, per spec §9's state-as-function model.
func (h *Handle) stepNegotiateOption() (transport.Direction, error) {
	switch h.hsStep {
	case 0: // read server's 16-bit global flags
		if h.hsOpt.bodyCur.buf == nil {
			h.hsOpt.bodyCur.resetRecv(2)
		}
		dir, err := h.recvInto(&h.hsOpt.bodyCur)
		if err != nil {
			return dir, err
		}
		h.neg.globalFlags = uint16(h.hsOpt.bodyCur.buf[0])<<8 | uint16(h.hsOpt.bodyCur.buf[1])
		h.hsOpt.reset()
		h.hsStep = 1
		return 0, nil

	case 1: // send client flags
		if h.hsOpt.sendCur.buf == nil {
			flags := h.newStyleClientFlags()
			buf := make([]byte, 4)
			buf[0] = byte(flags >> 24)
			buf[1] = byte(flags >> 16)
			buf[2] = byte(flags >> 8)
			buf[3] = byte(flags)
			h.hsOpt.sendCur.resetSend(buf)
		}
		dir, err := h.sendFrom(&h.hsOpt.sendCur, false)
		if err != nil {
			return dir, err
		}
		h.hsOpt.reset()
		h.hsStep = 2
		if h.cfg.OptMode {
			// Opt-mode stops here; every further option is driven by an
			// explicit opt_* call (spec §4.3.1 step 6).
			h.transitionTo(StateNegotiating)
			return 0, nil
		}
		h.hsPhase = hsPhaseStartTLS
		return 0, nil

	default:
		return h.stepOptionPhase()
	}
}

// stepOptionPhase dispatches to the current hsPhase's handler,
// skipping phases the configuration doesn't call for.
func (h *Handle) stepOptionPhase() (transport.Direction, error) {
	for {
		switch h.hsPhase {
		case hsPhaseStartTLS:
			if !h.optPending && h.cfg.TLS == TLSDisable {
				h.hsPhase = hsPhaseStructuredReply
				continue
			}
			return h.stepStartTLS()
		case hsPhaseTLSHandshake:
			return h.stepTLSHandshake()
		case hsPhaseStructuredReply:
			if !h.optPending && !h.cfg.RequestStructuredReplies {
				h.hsPhase = hsPhaseSetMetaContext
				continue
			}
			return h.stepStructuredReply()
		case hsPhaseSetMetaContext:
			if !h.optPending && (!h.cfg.RequestMetaContext || len(h.cfg.MetaContexts) == 0) {
				h.hsPhase = hsPhaseGo
				continue
			}
			return h.stepSetMetaContext()
		case hsPhaseGo:
			return h.stepGo()
		case hsPhaseExportName:
			return h.stepExportNameFallback()
		case hsPhaseList:
			return h.stepList()
		case hsPhaseListMetaContext:
			return h.stepListMetaContext()
		case hsPhaseAbort:
			return h.stepAbort()
		case hsPhaseDone:
			h.transitionTo(StateReady)
			return 0, nil
		default:
			return 0, fmt.Errorf("nbd: unreachable handshake phase %d", h.hsPhase)
		}
	}
}

// finishOpt completes an explicitly-requested (opt-mode) option: fire
// the completion callback, clear the single-option state, and land in
// next (NEGOTIATING for most options, READY after opt_go, CLOSED after
// opt_abort).
func (h *Handle) finishOpt(next State, err error) {
	cb := h.optDoneCB
	h.optPending = false
	h.curOpt = 0
	h.listCB = nil
	h.metaCB = nil
	h.optDoneCB = nil
	h.hsOpt.reset()
	h.transitionTo(next)
	if cb != nil {
		cb(0, err)
	}
}

func (h *Handle) stepStartTLS() (transport.Direction, error) {
	h.beginOption(wire.OptStartTLS, nil)
	if dir, err := h.sendOption(); err != nil {
		return dir, err
	}
	dir, err := h.recvOptionReply()
	if err != nil {
		return dir, err
	}

	switch h.hsOpt.hdr.ReplyType {
	case wire.RepAck:
		plain, ok := h.tr.(*transport.Plain)
		if !ok {
			return 0, newError(CategoryProtocol, "nbd_internal", EPROTO, "STARTTLS ack on non-plain transport")
		}
		if err := plain.EnsureConn(); err != nil {
			return 0, wrapError(CategoryTransport, "nbd_internal", EIO, err)
		}
		tlsCfg := transport.TLSConfig{
			CertificatesDir: h.cfg.TLSCertificates,
			ServerName:      h.tlsServerName,
			VerifyPeer:      h.cfg.TLSVerifyPeer,
			PSKFile:         h.cfg.TLSPSKFile,
			Username:        h.cfg.TLSUsername,
		}
		tlsTr, err := transport.NewTLS(plain, tlsCfg)
		if err != nil {
			return 0, wrapError(CategoryConfiguration, "nbd_internal", ENOTSUP, err)
		}
		h.tr = tlsTr
		h.pendingTLS = tlsTr
		h.hsOpt.reset()
		h.hsPhaseNext = hsPhaseStructuredReply
		h.hsPhase = hsPhaseTLSHandshake
		return 0, nil
	default:
		if h.cfg.TLS == TLSRequire {
			return 0, newError(CategoryTransport, "nbd_internal", ENOTSUP, "handshake: server refused TLS")
		}
		logger.InfoCtx(h.ctx, "server refused TLS, continuing unencrypted")
		h.hsOpt.reset()
		if h.optPending {
			h.finishOpt(StateNegotiating, newError(CategoryProtocol, "nbd_opt_starttls", ENOTSUP, "server refused TLS"))
			return 0, nil
		}
		h.hsPhase = hsPhaseStructuredReply
		return 0, nil
	}
}

// stepTLSHandshake runs the adopted TLS transport's own handshake
// before resuming the option sequence. The handshake blocks (see
// transport.TLS.Handshake); on failure the connection is unusable.
func (h *Handle) stepTLSHandshake() (transport.Direction, error) {
	if err := h.pendingTLS.Handshake(); err != nil {
		return 0, wrapError(CategoryTransport, "nbd_internal", ECONNREFUSED, err)
	}
	h.neg.tlsNegotiated = true
	h.pendingTLS = nil

	// STARTTLS discards the prior exchange's negotiated facts
	// (spec §4.3.1 policy list, §8 invariant): anything learned over
	// the unencrypted channel is untrusted once the channel upgrades.
	h.neg.exportSize = 0
	h.neg.exportFlags = 0
	h.neg.structuredReplies = false
	h.neg.metaContexts = make(map[string]uint32)
	h.neg.metaValid = false

	if h.optPending {
		h.finishOpt(StateNegotiating, nil)
		return 0, nil
	}
	h.hsPhase = h.hsPhaseNext
	return 0, nil
}

func (h *Handle) stepStructuredReply() (transport.Direction, error) {
	h.beginOption(wire.OptStructuredReply, nil)
	if dir, err := h.sendOption(); err != nil {
		return dir, err
	}
	dir, err := h.recvOptionReply()
	if err != nil {
		return dir, err
	}
	ack := h.hsOpt.hdr.ReplyType == wire.RepAck
	if ack {
		h.neg.structuredReplies = true
	}
	h.hsOpt.reset()
	if h.optPending {
		var err error
		if !ack {
			err = newError(CategoryProtocol, "nbd_opt_structured_reply", ENOTSUP, "server refused structured replies")
		}
		h.finishOpt(StateNegotiating, err)
		return 0, nil
	}
	h.hsPhase = hsPhaseSetMetaContext
	return 0, nil
}

func (h *Handle) stepSetMetaContext() (transport.Direction, error) {
	if h.hsOpt.sendCur.buf == nil {
		payload := wire.EncodeString(h.cfg.ExportName)
		buf := make([]byte, 4)
		buf[0] = byte(len(h.cfg.MetaContexts) >> 24)
		buf[1] = byte(len(h.cfg.MetaContexts) >> 16)
		buf[2] = byte(len(h.cfg.MetaContexts) >> 8)
		buf[3] = byte(len(h.cfg.MetaContexts))
		payload = append(payload, buf...)
		for _, name := range h.cfg.MetaContexts {
			payload = append(payload, wire.EncodeString(name)...)
		}
		h.beginOption(wire.OptSetMetaContext, payload)
	}
	if dir, err := h.sendOption(); err != nil {
		return dir, err
	}

	// Loop receiving REP_META_CONTEXT entries until ACK or an error reply.
	for {
		dir, err := h.recvOptionReply()
		if err != nil {
			return dir, err
		}
		switch h.hsOpt.hdr.ReplyType {
		case wire.RepMetaContext:
			if len(h.hsOpt.bodyCur.buf) >= 4 {
				id := be32(h.hsOpt.bodyCur.buf[0:4])
				name := string(h.hsOpt.bodyCur.buf[4:])
				h.neg.metaContexts[name] = id
				if h.metaCB != nil {
					h.metaCB(name)
				}
			}
			h.resetReply()
			continue
		case wire.RepAck:
			h.neg.metaValid = true
			h.hsOpt.reset()
			if h.optPending {
				h.finishOpt(StateNegotiating, nil)
				return 0, nil
			}
			h.hsPhase = hsPhaseGo
			return 0, nil
		default:
			logger.WarnCtx(h.ctx, "server rejected SET_META_CONTEXT", logger.Errno(int(h.hsOpt.hdr.ReplyType)))
			h.hsOpt.reset()
			if h.optPending {
				h.finishOpt(StateNegotiating, newError(CategoryProtocol, "nbd_opt_set_meta_context", ENOTSUP, "server rejected meta context selection"))
				return 0, nil
			}
			h.hsPhase = hsPhaseGo
			return 0, nil
		}
	}
}

func (h *Handle) stepGo() (transport.Direction, error) {
	opt := wire.OptGo
	if h.optPending && h.curOpt == wire.OptInfo {
		opt = wire.OptInfo
	}

	if h.hsOpt.sendCur.buf == nil {
		var requests []uint16
		if h.cfg.RequestBlockSize {
			requests = append(requests, wire.InfoBlockSize)
		}
		if h.cfg.FullInfo {
			requests = append(requests, wire.InfoName, wire.InfoDescription)
		}
		payload := wire.EncodeString(h.cfg.ExportName)
		payload = append(payload, byte(len(requests)>>8), byte(len(requests)))
		for _, r := range requests {
			payload = append(payload, byte(r>>8), byte(r))
		}
		h.beginOption(opt, payload)
	}
	if dir, err := h.sendOption(); err != nil {
		return dir, err
	}

	for {
		dir, err := h.recvOptionReply()
		if err != nil {
			return dir, err
		}
		switch h.hsOpt.hdr.ReplyType {
		case wire.RepInfo:
			h.applyInfoPayload(h.hsOpt.bodyCur.buf)
			h.resetReply()
			continue
		case wire.RepAck:
			h.applyDefaultBlockSize()
			if h.neg.canonicalName == "" {
				h.neg.canonicalName = h.cfg.ExportName
			}
			h.hsOpt.reset()
			if h.optPending {
				if opt == wire.OptGo {
					h.finishOpt(StateReady, nil)
				} else {
					h.finishOpt(StateNegotiating, nil)
				}
				return 0, nil
			}
			h.hsPhase = hsPhaseDone
			return 0, nil
		case wire.RepErrUnsup:
			// Legacy servers don't understand GO/INFO; fall back to
			// OPT_EXPORT_NAME, preserved deliberately because real
			// servers rely on it.
			h.hsOpt.reset()
			if h.optPending {
				h.finishOpt(StateNegotiating, newError(CategoryProtocol, "nbd_opt_go", ENOTSUP, "server does not support GO/INFO"))
				return 0, nil
			}
			h.hsPhase = hsPhaseExportName
			return 0, nil
		default:
			if h.optPending {
				h.finishOpt(StateNegotiating, newError(CategoryProtocol, "nbd_opt_go", EPROTO,
					"option rejected with reply type %#x", h.hsOpt.hdr.ReplyType))
				return 0, nil
			}
			return 0, newError(CategoryProtocol, "nbd_internal", EPROTO, "option %d rejected with reply type %#x", opt, h.hsOpt.hdr.ReplyType)
		}
	}
}

// stepExportNameFallback implements legacy OPT_EXPORT_NAME: no
// option-reply framing at all, just export size + flags (+ 124
// reserved bytes unless NO_ZEROES was negotiated).
func (h *Handle) stepExportNameFallback() (transport.Direction, error) {
	if h.hsOpt.sendCur.buf == nil {
		payload := []byte(h.cfg.ExportName)
		h.beginOption(wire.OptExportName, payload)
	}
	if dir, err := h.sendOption(); err != nil {
		return dir, err
	}

	tail := 8 + 2
	if h.cfg.HandshakeFlags&HandshakeNoZeroes == 0 || h.neg.globalFlags&wire.FlagNoZeroes == 0 {
		tail += 124
	}
	if h.hsOpt.bodyCur.buf == nil {
		h.hsOpt.bodyCur.resetRecv(tail)
	}
	dir, err := h.recvInto(&h.hsOpt.bodyCur)
	if err != nil {
		return dir, err
	}

	buf := h.hsOpt.bodyCur.buf
	h.neg.exportSize = be64(buf[0:8])
	h.neg.exportFlags = uint16(buf[8])<<8 | uint16(buf[9])
	h.neg.readOnly = h.neg.exportFlags&wire.FlagReadOnly != 0
	h.neg.canonicalName = h.cfg.ExportName
	h.applyDefaultBlockSize()

	h.hsOpt.reset()
	h.transitionTo(StateReady)
	return 0, nil
}

// applyInfoPayload applies one NBD_INFO_* sub-reply from an
// OPT_GO/OPT_INFO RepInfo entry (spec §4.3.1 step 5).
func (h *Handle) applyInfoPayload(body []byte) {
	if len(body) < 2 {
		return
	}
	infoType := uint16(body[0])<<8 | uint16(body[1])
	rest := body[2:]

	switch infoType {
	case wire.InfoExport:
		if len(rest) < 10 {
			return
		}
		h.neg.exportSize = be64(rest[0:8])
		h.neg.exportFlags = uint16(rest[8])<<8 | uint16(rest[9])
		h.neg.readOnly = h.neg.exportFlags&wire.FlagReadOnly != 0
	case wire.InfoName:
		name, _, err := wire.DecodeString(appendLenPrefix(rest))
		if err == nil {
			h.neg.canonicalName = name
		}
	case wire.InfoDescription:
		desc, _, err := wire.DecodeString(appendLenPrefix(rest))
		if err == nil {
			h.neg.description = desc
		}
	case wire.InfoBlockSize:
		if len(rest) < 12 {
			return
		}
		h.neg.blockMin = be32(rest[0:4])
		h.neg.blockPref = be32(rest[4:8])
		h.neg.blockMax = be32(rest[8:12])
	}
}

// appendLenPrefix re-synthesizes a 4-byte length prefix for NAME and
// DESCRIPTION INFO payloads, which on the wire are bare strings sized
// by the enclosing reply length rather than separately length-prefixed.
func appendLenPrefix(b []byte) []byte {
	out := make([]byte, 4+len(b))
	out[0] = byte(len(b) >> 24)
	out[1] = byte(len(b) >> 16)
	out[2] = byte(len(b) >> 8)
	out[3] = byte(len(b))
	copy(out[4:], b)
	return out
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// applyDefaultBlockSize validates the advertised block-size triple per
// spec §4.3.1's policy and §8's invariant, silently falling back to
// defaults on any violation (spec §9: "reproduce that leniency").
func (h *Handle) applyDefaultBlockSize() {
	const (
		defaultMin  = 512
		defaultPref = 4096
		defaultMax  = 32 * 1024 * 1024
	)

	if !validBlockSizeTriple(h.neg.blockMin, h.neg.blockPref, h.neg.blockMax) {
		h.neg.blockMin, h.neg.blockPref, h.neg.blockMax = defaultMin, defaultPref, 0
	}

	if h.neg.exportFlags&wire.FlagSendDF != 0 && !h.neg.structuredReplies {
		h.neg.exportFlags &^= wire.FlagSendDF
	}
	if h.neg.exportFlags&wire.FlagSendFastZero != 0 && h.neg.exportFlags&wire.FlagSendWriteZeroes == 0 {
		h.neg.exportFlags &^= wire.FlagSendFastZero
	}

	switch {
	case h.neg.blockMax != 0:
		payloadMax := h.neg.blockMax
		if payloadMax < 1<<20 {
			payloadMax = 1 << 20
		}
		if payloadMax > 64<<20 {
			payloadMax = 64 << 20
		}
		h.neg.payloadMax = payloadMax
	default:
		h.neg.payloadMax = 32 << 20
	}
}

func isPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// validBlockSizeTriple implements spec §8's exact predicate.
func validBlockSizeTriple(min, pref, max uint32) bool {
	if min == 0 {
		return false
	}
	if !isPowerOfTwo(min) || min > 65536 {
		return false
	}
	if !(min <= pref && pref <= max) {
		return false
	}
	if pref < 512 || !isPowerOfTwo(pref) {
		return false
	}
	if max != 0xFFFFFFFF && max%min != 0 {
		return false
	}
	return true
}

// stepList drives OPT_LIST: one REP_SERVER reply per export the server
// is willing to name, terminated by ACK. Only reachable via opt_list
// (SPEC_FULL §12), so optPending is always set here.
func (h *Handle) stepList() (transport.Direction, error) {
	h.beginOption(wire.OptList, nil)
	if dir, err := h.sendOption(); err != nil {
		return dir, err
	}

	for {
		dir, err := h.recvOptionReply()
		if err != nil {
			return dir, err
		}
		switch h.hsOpt.hdr.ReplyType {
		case wire.RepServer:
			// Payload: length-prefixed export name, then the description
			// occupying whatever remains of the reply.
			name, n, err := wire.DecodeString(h.hsOpt.bodyCur.buf)
			if err != nil {
				return 0, wrapError(CategoryProtocol, "nbd_opt_list", EPROTO, err)
			}
			desc := string(h.hsOpt.bodyCur.buf[n:])
			if h.listCB != nil {
				h.listCB(name, desc)
			}
			h.resetReply()
			continue
		case wire.RepAck:
			h.finishOpt(StateNegotiating, nil)
			return 0, nil
		default:
			replyType := h.hsOpt.hdr.ReplyType
			h.finishOpt(StateNegotiating, newError(CategoryProtocol, "nbd_opt_list", ENOTSUP,
				"server rejected LIST with reply type %#x", replyType))
			return 0, nil
		}
	}
}

// stepListMetaContext drives OPT_LIST_META_CONTEXT, the query form of
// SET_META_CONTEXT: same request payload shape, same REP_META_CONTEXT
// stream, but the server-assigned ids are meaningless and nothing is
// recorded on the handle.
func (h *Handle) stepListMetaContext() (transport.Direction, error) {
	if h.hsOpt.sendCur.buf == nil {
		payload := wire.EncodeString(h.cfg.ExportName)
		queries := h.cfg.MetaContexts
		count := make([]byte, 4)
		count[0] = byte(len(queries) >> 24)
		count[1] = byte(len(queries) >> 16)
		count[2] = byte(len(queries) >> 8)
		count[3] = byte(len(queries))
		payload = append(payload, count...)
		for _, q := range queries {
			payload = append(payload, wire.EncodeString(q)...)
		}
		h.beginOption(wire.OptListMetaContext, payload)
	}
	if dir, err := h.sendOption(); err != nil {
		return dir, err
	}

	for {
		dir, err := h.recvOptionReply()
		if err != nil {
			return dir, err
		}
		switch h.hsOpt.hdr.ReplyType {
		case wire.RepMetaContext:
			if len(h.hsOpt.bodyCur.buf) >= 4 && h.metaCB != nil {
				h.metaCB(string(h.hsOpt.bodyCur.buf[4:]))
			}
			h.resetReply()
			continue
		case wire.RepAck:
			h.finishOpt(StateNegotiating, nil)
			return 0, nil
		default:
			replyType := h.hsOpt.hdr.ReplyType
			h.finishOpt(StateNegotiating, newError(CategoryProtocol, "nbd_opt_list_meta_context", ENOTSUP,
				"server rejected LIST_META_CONTEXT with reply type %#x", replyType))
			return 0, nil
		}
	}
}

// stepAbort sends OPT_ABORT and moves straight to CLOSED. The protocol
// permits the server to drop the connection without acknowledging the
// abort, so waiting for the ACK only risks hanging on servers that
// don't send one.
func (h *Handle) stepAbort() (transport.Direction, error) {
	h.beginOption(wire.OptAbort, nil)
	if dir, err := h.sendOption(); err != nil {
		return dir, err
	}
	if h.tr != nil {
		_ = h.tr.Close()
	}
	h.finishOpt(StateClosed, nil)
	return 0, nil
}
