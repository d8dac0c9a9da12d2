package nbd

import (
	"errors"

	"github.com/nbdkit/go-nbd/internal/logger"
	"github.com/nbdkit/go-nbd/internal/transport"
	"github.com/nbdkit/go-nbd/internal/wire"
	"github.com/nbdkit/go-nbd/pkg/bufpool"
)

// issueState tracks the command currently being written to the wire.
// Only one command's write may be in progress at a time (spec §4.3.2:
// "A single in-flight write cannot be interleaved with another write"),
// but it can be suspended while a reply is received and resumed after.
type issueState struct {
	active  bool
	cmd     *command
	hdrCur  ioCursor
	hdrDone bool
	payCur  ioCursor
}

func (t *issueState) reset() { *t = issueState{} }

// rx stages. The receive path is a small machine of its own because a
// reply arrives in up to four separately-resumable pieces: the 4-byte
// magic, the rest of the header, a chunk sub-header, and the chunk
// payload (spec §9 "Structured reply recv resumption").
const (
	rxIdle = iota
	rxMagic
	rxSimpleHeader
	rxSimpleData
	rxStructHeader
	rxChunkPrefix
	rxChunkBody
)

// recvState is the explicit ReadCursor set owned by the handle.
type recvState struct {
	stage int

	magicCur ioCursor
	hdrCur   ioCursor

	simple wire.SimpleReply
	sr     wire.StructuredReplyHeader
	cmd    *command

	// prefixCur holds the fixed-size prefix of an OFFSET_DATA chunk
	// (the 8-byte offset); dataCur then streams the rest directly into
	// the command's buffer at the right position.
	prefixCur  ioCursor
	dataCur    ioCursor
	dataOffset uint64

	// bodyCur holds whole chunk payloads that are decoded in one piece
	// (OFFSET_HOLE, BLOCK_STATUS, ERROR), borrowed from bufpool.
	bodyCur ioCursor
	pooled  bool
}

func (r *recvState) active() bool { return r.stage != rxIdle }

func (r *recvState) reset() {
	if r.pooled && r.bodyCur.buf != nil {
		bufpool.Put(r.bodyCur.buf)
	}
	*r = recvState{}
}

// stepReady is the transmission-phase idle state (spec §4.3.2). It
// resumes suspended work first, then starts issuing a queued command,
// and otherwise probes the socket so an orderly server shutdown is
// noticed even with nothing outstanding.
func (h *Handle) stepReady() (transport.Direction, error) {
	if h.rx.active() {
		h.transitionTo(StateReceiving)
		return 0, nil
	}
	if h.tx.active {
		h.transitionTo(StateIssuing)
		return 0, nil
	}
	if c := h.queues.peekToIssue(); c != nil {
		h.beginIssue(c)
		h.transitionTo(StateIssuing)
		return 0, nil
	}
	return h.probeReply()
}

// probeReply attempts the small probe read of the first reply bytes. A
// zero-length read here is an orderly shutdown: the server closed the
// connection at a frame boundary.
func (h *Handle) probeReply() (transport.Direction, error) {
	if h.rx.magicCur.buf == nil {
		h.rx.magicCur.resetRecv(4)
	}
	n, err := h.tr.Recv(h.rx.magicCur.buf[h.rx.magicCur.off:])
	if err == transport.ErrWouldBlock {
		return transport.DirRead, errYield
	}
	if err != nil {
		return 0, wrapError(CategoryTransport, "nbd_internal", EIO, err)
	}
	if n == 0 {
		return h.peerClosed()
	}
	h.rx.magicCur.off += n
	h.stats.bytesReceived.Add(uint64(n))
	h.rx.stage = rxMagic
	h.transitionTo(StateReceiving)
	return 0, nil
}

// peerClosed handles a zero-length read: orderly shutdown. In-flight
// commands (including a pending DISC) retire with EIO; the handle lands
// in CLOSED rather than DEAD because the close was clean.
func (h *Handle) peerClosed() (transport.Direction, error) {
	h.queues.failAllInFlight(newError(CategoryTransport, "nbd_internal", EIO, "server closed connection"))
	h.drainRetired()
	if h.tr != nil {
		_ = h.tr.Close()
	}
	h.transitionTo(StateClosed)
	return 0, nil
}

// beginIssue stages c's request header (and payload, for WRITE) for
// writing. The command stays at the head of to-issue until the frame is
// fully on the wire (spec §3: "moved to in-flight when fully written").
func (h *Handle) beginIssue(c *command) {
	req := wire.Request{
		Flags:  wireCmdFlags(c.flags),
		Type:   wireCmdType(c.op),
		Cookie: c.cookie,
		Offset: c.offset,
		Length: c.length,
	}
	h.tx.active = true
	h.tx.cmd = c
	h.tx.hdrCur.resetSend(req.Marshal())
	h.tx.hdrDone = false
	if c.op == OpWrite {
		h.tx.payCur.resetSend(c.data)
	}
}

// stepIssuing drains the staged request onto the wire. A WouldBlock on
// the send side is first used as an opportunity to look for an incoming
// reply, so a slow write never starves reply processing (spec §4.3.2
// "request sending can be interrupted by a reply becoming readable").
func (h *Handle) stepIssuing() (transport.Direction, error) {
	c := h.tx.cmd

	if !h.tx.hdrDone {
		more := c.op == OpWrite
		if _, err := h.sendFrom(&h.tx.hdrCur, more); err != nil {
			return h.issueWouldBlock(err)
		}
		h.tx.hdrDone = true
	}
	if c.op == OpWrite {
		if _, err := h.sendFrom(&h.tx.payCur, false); err != nil {
			return h.issueWouldBlock(err)
		}
	}

	h.queues.promoteToInFlight()
	h.stats.chunksSent.Add(1)
	h.metrics.recordChunkSent()
	lc := logger.FromContext(h.ctx)
	if lc != nil {
		lc.Cookie = c.cookie
	}
	logger.DebugCtx(h.ctx, "command issued",
		logger.Command(c.op.String()), logger.Offset(c.offset), logger.Count(uint64(c.length)))
	h.tx.reset()
	h.transitionTo(StateReady)
	return 0, nil
}

// issueWouldBlock converts a blocked send into either a switch to the
// receive path (if reply bytes are already available) or a yield that
// waits on both directions.
func (h *Handle) issueWouldBlock(err error) (transport.Direction, error) {
	if err != errYield {
		return 0, err
	}
	if h.rx.magicCur.buf == nil {
		h.rx.magicCur.resetRecv(4)
	}
	n, rerr := h.tr.Recv(h.rx.magicCur.buf[h.rx.magicCur.off:])
	if rerr == nil && n > 0 {
		h.rx.magicCur.off += n
		h.stats.bytesReceived.Add(uint64(n))
		h.rx.stage = rxMagic
		h.transitionTo(StateReceiving)
		return 0, nil
	}
	if rerr == nil && n == 0 {
		return h.peerClosed()
	}
	if rerr != nil && rerr != transport.ErrWouldBlock {
		return 0, wrapError(CategoryTransport, "nbd_internal", EIO, rerr)
	}
	return transport.DirBoth, errYield
}

// stepReceiving reads one reply (or one structured-reply chunk) to
// completion, resuming from whatever rx stage a previous yield left
// off at, then returns to ISSUING if a write was suspended or READY
// otherwise.
func (h *Handle) stepReceiving() (transport.Direction, error) {
	for {
		switch h.rx.stage {
		case rxIdle, rxMagic:
			if h.rx.magicCur.buf == nil {
				h.rx.magicCur.resetRecv(4)
			}
			h.rx.stage = rxMagic
			if dir, err := h.recvInto(&h.rx.magicCur); err != nil {
				return dir, err
			}
			simple, structured := wire.ReplyMagicOf(h.rx.magicCur.buf)
			switch {
			case simple:
				h.rx.stage = rxSimpleHeader
				h.rx.hdrCur.resetRecv(wire.SimpleReplyLen - 4)
			case structured:
				h.rx.stage = rxStructHeader
				h.rx.hdrCur.resetRecv(wire.StructuredReplyHeaderLen - 4)
			default:
				return 0, newError(CategoryProtocol, "nbd_internal", EPROTO,
					"bad reply magic %#x, connection out of sync", be32(h.rx.magicCur.buf))
			}

		case rxSimpleHeader:
			if dir, err := h.recvInto(&h.rx.hdrCur); err != nil {
				return dir, err
			}
			full := append(h.rx.magicCur.buf, h.rx.hdrCur.buf...)
			if err := h.rx.simple.Unmarshal(full); err != nil {
				return 0, wrapError(CategoryProtocol, "nbd_internal", EPROTO, err)
			}
			c, ok := h.queues.lookup(h.rx.simple.Cookie)
			if !ok {
				return 0, newError(CategoryProtocol, "nbd_internal", EPROTO,
					"reply for unknown cookie %d", h.rx.simple.Cookie)
			}
			h.rx.cmd = c
			if h.rx.simple.Error != 0 {
				c.setFirstError(h.commandError(c, nbdErrorToErrno(h.rx.simple.Error), "server error"))
			}
			if c.op == OpRead && h.rx.simple.Error == 0 {
				h.rx.dataCur.resetRecvInto(c.data[:c.length])
				h.rx.stage = rxSimpleData
				continue
			}
			return h.finishReply()

		case rxSimpleData:
			if dir, err := h.recvInto(&h.rx.dataCur); err != nil {
				return dir, err
			}
			h.rx.cmd.dataSeen = true
			return h.finishReply()

		case rxStructHeader:
			if dir, err := h.recvInto(&h.rx.hdrCur); err != nil {
				return dir, err
			}
			full := append(h.rx.magicCur.buf, h.rx.hdrCur.buf...)
			if err := h.rx.sr.Unmarshal(full); err != nil {
				return 0, wrapError(CategoryProtocol, "nbd_internal", EPROTO, err)
			}
			c, ok := h.queues.lookup(h.rx.sr.Cookie)
			if !ok {
				return 0, newError(CategoryProtocol, "nbd_internal", EPROTO,
					"structured reply for unknown cookie %d", h.rx.sr.Cookie)
			}
			h.rx.cmd = c
			if next, err := h.beginChunk(); err != nil {
				return 0, err
			} else if next {
				continue
			}
			return h.finishReply()

		case rxChunkPrefix:
			if dir, err := h.recvInto(&h.rx.prefixCur); err != nil {
				return dir, err
			}
			if err := h.applyChunkPrefix(); err != nil {
				return 0, err
			}
			h.rx.stage = rxChunkBody

		case rxChunkBody:
			if dir, err := h.recvInto(&h.rx.dataCur); err != nil {
				return dir, err
			}
			h.chunkDataDone()
			return h.finishReply()

		default:
			return 0, newError(CategoryProtocol, "nbd_internal", EINVAL, "unknown rx stage %d", h.rx.stage)
		}
	}
}

// beginChunk dispatches on the structured chunk type just read,
// deciding how its payload is consumed. Returns next=true when more rx
// stages must run before the chunk is complete.
func (h *Handle) beginChunk() (next bool, err error) {
	c := h.rx.cmd
	hdr := h.rx.sr

	switch hdr.Type {
	case wire.ChunkNone:
		if hdr.Length != 0 {
			return false, newError(CategoryProtocol, "nbd_internal", EPROTO, "NONE chunk with nonzero length %d", hdr.Length)
		}
		if !hdr.Done() {
			return false, newError(CategoryProtocol, "nbd_internal", EPROTO, "NONE chunk without DONE flag")
		}
		return false, nil

	case wire.ChunkOffsetData:
		if c.op != OpRead {
			return false, newError(CategoryProtocol, "nbd_internal", EPROTO, "OFFSET_DATA chunk for %s command", c.op)
		}
		if hdr.Length < 8 {
			return false, newError(CategoryProtocol, "nbd_internal", EPROTO, "short OFFSET_DATA chunk: %d bytes", hdr.Length)
		}
		h.rx.prefixCur.resetRecv(8)
		h.rx.stage = rxChunkPrefix
		return true, nil

	case wire.ChunkOffsetHole, wire.ChunkBlockStatus, wire.ChunkError, wire.ChunkErrorOffset:
		if hdr.Type == wire.ChunkOffsetHole && c.op != OpRead {
			return false, newError(CategoryProtocol, "nbd_internal", EPROTO, "OFFSET_HOLE chunk for %s command", c.op)
		}
		if hdr.Type == wire.ChunkBlockStatus && c.op != OpBlockStatus {
			return false, newError(CategoryProtocol, "nbd_internal", EPROTO, "BLOCK_STATUS chunk for %s command", c.op)
		}
		buf := bufpool.Get(int(hdr.Length))
		h.rx.bodyCur.resetRecvInto(buf[:hdr.Length])
		h.rx.pooled = true
		h.rx.dataCur = h.rx.bodyCur
		h.rx.stage = rxChunkBody
		return true, nil

	default:
		// An unknown chunk type on a typed command is a loss of sync:
		// we cannot know how to skip its payload safely.
		return false, newError(CategoryProtocol, "nbd_internal", EPROTO, "unknown structured chunk type %#x", hdr.Type)
	}
}

// applyChunkPrefix validates the OFFSET_DATA offset against the
// command's range and aims the data cursor at the right slice of the
// caller's buffer (spec §4.3.3: "streamed directly into the caller's
// buffer at the right position").
func (h *Handle) applyChunkPrefix() error {
	c := h.rx.cmd
	offset := be64(h.rx.prefixCur.buf)
	payload := uint64(h.rx.sr.Length - 8)

	if offset < c.offset || offset+payload > c.offset+uint64(c.length) {
		return newError(CategoryProtocol, "nbd_internal", EPROTO,
			"OFFSET_DATA range [%d,%d) outside command range [%d,%d)",
			offset, offset+payload, c.offset, c.offset+uint64(c.length))
	}
	h.rx.dataOffset = offset
	start := offset - c.offset
	h.rx.dataCur.resetRecvInto(c.data[start : start+payload])
	return nil
}

// chunkDataDone runs the per-chunk-type completion logic once the
// chunk's payload is fully read.
func (h *Handle) chunkDataDone() {
	c := h.rx.cmd
	hdr := h.rx.sr

	switch hdr.Type {
	case wire.ChunkOffsetData:
		c.dataSeen = true
		if c.chunkCB != nil {
			c.chunkCB(ChunkData, h.rx.dataOffset, uint32(len(h.rx.dataCur.buf)), nil)
		}

	case wire.ChunkOffsetHole:
		h.applyHoleChunk()

	case wire.ChunkBlockStatus:
		h.applyBlockStatusChunk()

	case wire.ChunkError, wire.ChunkErrorOffset:
		h.applyErrorChunk()
	}
}

func (h *Handle) applyHoleChunk() {
	c := h.rx.cmd
	body := h.rx.bodyCur.buf
	if len(body) != 12 {
		c.setFirstError(newError(CategoryProtocol, "nbd_internal", EPROTO, "malformed OFFSET_HOLE chunk: %d bytes", len(body)))
		return
	}
	offset := be64(body[0:8])
	length := be32(body[8:12])

	if offset < c.offset || offset+uint64(length) > c.offset+uint64(c.length) {
		c.setFirstError(newError(CategoryProtocol, "nbd_internal", EPROTO,
			"OFFSET_HOLE range [%d,%d) outside command range", offset, offset+uint64(length)))
		return
	}

	start := offset - c.offset
	clear(c.data[start : start+uint64(length)])
	c.dataSeen = true
	if c.chunkCB != nil {
		c.chunkCB(ChunkHole, offset, length, nil)
	}
}

func (h *Handle) applyBlockStatusChunk() {
	c := h.rx.cmd
	contextID, descs, err := wire.DecodeBlockStatusChunk(h.rx.bodyCur.buf)
	if err != nil {
		c.setFirstError(wrapError(CategoryProtocol, "nbd_internal", EPROTO, err))
		return
	}

	name := ""
	for n, id := range h.neg.metaContexts {
		if id == contextID {
			name = n
			break
		}
	}
	if name == "" {
		// Server used a context id we never negotiated; log and ignore
		// rather than kill the connection (spec §4.3.3).
		logger.WarnCtx(h.ctx, "block status chunk for unknown meta context", logger.Cookie(c.cookie))
		return
	}

	if c.extentCB != nil {
		extents := make([]Extent, len(descs))
		for i, d := range descs {
			extents[i] = Extent{Length: d.Length, Flags: d.Flags}
		}
		if cbErr := c.extentCB(name, c.offset, extents); cbErr != nil {
			// A callback that returns a plain error maps to EPROTO; one
			// that returns *Error keeps its specific code (spec §7).
			var e *Error
			if errors.As(cbErr, &e) {
				c.setFirstError(cbErr)
			} else {
				c.setFirstError(wrapError(CategoryProtocol, "nbd_block_status", EPROTO, cbErr))
			}
		}
	}
}

func (h *Handle) applyErrorChunk() {
	c := h.rx.cmd
	payload, err := wire.DecodeErrorChunk(h.rx.sr.Type, h.rx.bodyCur.buf)
	if err != nil {
		c.setFirstError(wrapError(CategoryProtocol, "nbd_internal", EPROTO, err))
		return
	}

	if payload.HasOffset {
		if payload.Offset < c.offset || payload.Offset >= c.offset+uint64(c.length) {
			c.setFirstError(newError(CategoryProtocol, "nbd_internal", EPROTO,
				"error chunk offset %d outside command range", payload.Offset))
			return
		}
	}

	errno := nbdErrorToErrno(payload.NBDError)
	msg := payload.Message
	if msg == "" {
		msg = "server error"
	}
	c.setFirstError(h.commandError(c, errno, msg))

	if c.op == OpRead && c.chunkCB != nil {
		off := c.offset
		if payload.HasOffset {
			off = payload.Offset
		}
		c.chunkCB(ChunkErr, off, 0, c.firstError)
	}
}

// commandError builds the per-command error with the public API name
// of the operation as context, so the error the caller finally sees is
// prefixed the way it would be if the check had failed locally.
func (h *Handle) commandError(c *command, errno int, msg string) *Error {
	return newError(CategoryProtocol, "nbd_"+c.op.String(), errno, "%s", msg)
}

// finishReply closes out one reply (or chunk): retires the command on
// DONE (or always, for simple replies), releases rx scratch state, and
// picks the next state.
func (h *Handle) finishReply() (transport.Direction, error) {
	c := h.rx.cmd
	done := true
	if h.rx.stage == rxChunkBody || h.rx.stage == rxStructHeader || h.rx.stage == rxChunkPrefix {
		done = h.rx.sr.Done()
	}

	h.stats.chunksReceived.Add(1)
	h.metrics.recordChunkReceived()
	h.rx.reset()

	if done {
		h.retireCommand(c)
	}

	if h.tx.active {
		h.transitionTo(StateIssuing)
	} else {
		h.transitionTo(StateReady)
	}
	return 0, nil
}

// retireCommand moves c from in-flight to done and fires its affine
// FREE + completion callbacks. A command with a completion callback is
// acknowledged by the callback itself and leaves the done queue
// immediately; one without stays until aio_command_completed consumes
// it.
func (h *Handle) retireCommand(c *command) {
	h.queues.retire(c.cookie)
	logger.DebugCtx(h.ctx, "command retired",
		logger.Command(c.op.String()), logger.Cookie(c.cookie), logger.Err(c.firstError))
	h.metrics.commandRetired(c.op.String(), c.firstError)
	hadCompletion := c.completionCB != nil
	c.free()
	if hadCompletion {
		h.queues.removeDone(c)
	}
}

// drainRetired fires callbacks for commands that were force-retired by
// failAllInFlight, which moves them to done without invoking free.
func (h *Handle) drainRetired() {
	e := h.queues.done.Front()
	for e != nil {
		next := e.Next()
		c := e.Value.(*command)
		hadCompletion := c.completionCB != nil
		if !c.freed {
			h.metrics.commandRetired(c.op.String(), c.firstError)
		}
		c.free()
		if hadCompletion {
			h.queues.done.Remove(e)
		}
		e = next
	}
}

func wireCmdType(op Op) uint16 {
	switch op {
	case OpRead:
		return wire.CmdRead
	case OpWrite:
		return wire.CmdWrite
	case OpDisc:
		return wire.CmdDisc
	case OpFlush:
		return wire.CmdFlush
	case OpTrim:
		return wire.CmdTrim
	case OpCache:
		return wire.CmdCache
	case OpWriteZeroes:
		return wire.CmdWriteZeroes
	case OpBlockStatus:
		return wire.CmdBlockStatus
	default:
		return 0xffff
	}
}

func wireCmdFlags(f CmdFlag) uint16 {
	var out uint16
	if f&CmdFUA != 0 {
		out |= wire.CmdFlagFUA
	}
	if f&CmdNoHole != 0 {
		out |= wire.CmdFlagNoHole
	}
	if f&CmdDF != 0 {
		out |= wire.CmdFlagDF
	}
	if f&CmdFastZero != 0 {
		out |= wire.CmdFlagFastZero
	}
	if f&CmdReqOne != 0 {
		out |= wire.CmdFlagReqOne
	}
	return out
}
