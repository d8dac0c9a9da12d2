package nbd

// Public command engine contract (spec §4.4). Every operation comes in
// a blocking form, which drives the state machine with poll(2) until
// the command retires, and an Aio form, which enqueues and returns a
// cookie for the caller's own event loop to drive.

// Pread reads len(buf) bytes at offset into buf. Unless the handle was
// configured with PreadInitialize=false, buf is zeroed first so a
// non-compliant server that sends too little data cannot leak the
// buffer's prior contents (spec §4.4).
func (h *Handle) Pread(buf []byte, offset uint64, flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_pread", OpRead, offset, uint64(len(buf)), buf, nil, nil, nil, flags)
	if err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.waitCommand(cookie))
}

// PreadStructured is Pread with a per-chunk callback: cb observes each
// data, hole, and error chunk in server order, then a final FREE.
func (h *Handle) PreadStructured(buf []byte, offset uint64, cb ChunkCallback, flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_pread_structured", OpRead, offset, uint64(len(buf)), buf, cb, nil, nil, flags)
	if err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.waitCommand(cookie))
}

// Pwrite writes len(buf) bytes from buf at offset. buf is borrowed
// until the call returns.
func (h *Handle) Pwrite(buf []byte, offset uint64, flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_pwrite", OpWrite, offset, uint64(len(buf)), buf, nil, nil, nil, flags)
	if err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.waitCommand(cookie))
}

// Flush issues NBD_CMD_FLUSH.
func (h *Handle) Flush(flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_flush", OpFlush, 0, 0, nil, nil, nil, nil, flags)
	if err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.waitCommand(cookie))
}

// Trim discards the byte range [offset, offset+count).
func (h *Handle) Trim(count, offset uint64, flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_trim", OpTrim, offset, count, nil, nil, nil, nil, flags)
	if err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.waitCommand(cookie))
}

// Cache hints the server to prefetch [offset, offset+count).
func (h *Handle) Cache(count, offset uint64, flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_cache", OpCache, offset, count, nil, nil, nil, nil, flags)
	if err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.waitCommand(cookie))
}

// Zero writes zeroes over [offset, offset+count) without transferring
// payload. CmdNoHole, CmdFastZero, and CmdFUA modify it per spec §4.4.
func (h *Handle) Zero(count, offset uint64, flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_zero", OpWriteZeroes, offset, count, nil, nil, nil, nil, flags)
	if err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.waitCommand(cookie))
}

// BlockStatus queries negotiated meta contexts over
// [offset, offset+count). cb is invoked once per context the server
// reports on, with the context name, the query's start offset, and the
// extent list.
func (h *Handle) BlockStatus(count, offset uint64, cb ExtentCallback, flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_block_status", OpBlockStatus, offset, count, nil, nil, cb, nil, flags)
	if err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.waitCommand(cookie))
}

// Shutdown requests a soft disconnect and drives the machine until the
// connection closes. Any commands still in flight complete with EIO.
func (h *Handle) Shutdown(flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.aioDisconnectLocked(flags); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveUntil(GroupClosed, GroupDead))
}

// AioPread enqueues a read and returns its cookie. completion, if
// non-nil, fires when the command retires and acknowledges it (the
// cookie never appears in the done queue).
func (h *Handle) AioPread(buf []byte, offset uint64, completion CompletionCallback, flags CmdFlag) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_aio_pread", OpRead, offset, uint64(len(buf)), buf, nil, nil, completion, flags)
	return cookie, h.setErr(err)
}

// AioPreadStructured is AioPread with a per-chunk callback.
func (h *Handle) AioPreadStructured(buf []byte, offset uint64, cb ChunkCallback, completion CompletionCallback, flags CmdFlag) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_aio_pread_structured", OpRead, offset, uint64(len(buf)), buf, cb, nil, completion, flags)
	return cookie, h.setErr(err)
}

// AioPwrite enqueues a write. buf is borrowed until completion fires
// (or, with no completion callback, until aio_command_completed
// consumes the cookie).
func (h *Handle) AioPwrite(buf []byte, offset uint64, completion CompletionCallback, flags CmdFlag) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_aio_pwrite", OpWrite, offset, uint64(len(buf)), buf, nil, nil, completion, flags)
	return cookie, h.setErr(err)
}

// AioFlush enqueues a flush.
func (h *Handle) AioFlush(completion CompletionCallback, flags CmdFlag) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_aio_flush", OpFlush, 0, 0, nil, nil, nil, completion, flags)
	return cookie, h.setErr(err)
}

// AioTrim enqueues a trim.
func (h *Handle) AioTrim(count, offset uint64, completion CompletionCallback, flags CmdFlag) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_aio_trim", OpTrim, offset, count, nil, nil, nil, completion, flags)
	return cookie, h.setErr(err)
}

// AioCache enqueues a cache hint.
func (h *Handle) AioCache(count, offset uint64, completion CompletionCallback, flags CmdFlag) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_aio_cache", OpCache, offset, count, nil, nil, nil, completion, flags)
	return cookie, h.setErr(err)
}

// AioZero enqueues a write-zeroes.
func (h *Handle) AioZero(count, offset uint64, completion CompletionCallback, flags CmdFlag) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_aio_zero", OpWriteZeroes, offset, count, nil, nil, nil, completion, flags)
	return cookie, h.setErr(err)
}

// AioBlockStatus enqueues a block-status query.
func (h *Handle) AioBlockStatus(count, offset uint64, cb ExtentCallback, completion CompletionCallback, flags CmdFlag) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie, err := h.enqueueLocked("nbd_aio_block_status", OpBlockStatus, offset, count, nil, nil, cb, completion, flags)
	return cookie, h.setErr(err)
}

// AioDisconnect enqueues NBD_CMD_DISC. No reply is ever expected: the
// command stays in flight until the server closes the connection, and
// every later command submission fails with EINVAL (spec §4.3.4).
func (h *Handle) AioDisconnect(flags CmdFlag) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.aioDisconnectLocked(flags))
}

func (h *Handle) aioDisconnectLocked(flags CmdFlag) error {
	if err := h.validateCommand("nbd_aio_disconnect", OpDisc, 0, 0, flags); err != nil {
		return err
	}
	c := &command{cookie: nextCookie(), op: OpDisc, flags: flags}
	h.queues.enqueue(c)
	h.metrics.commandEnqueued()
	h.discRequested = true
	h.kick()
	return nil
}

// AioCommandCompleted reports the fate of an earlier Aio command:
// (true, nil) once it completed successfully, (true, err) once it
// completed with err, (false, nil) while it is still pending. Consuming
// a completed cookie retires it; asking about a cookie this handle
// never issued (or already consumed) is reported as an error.
func (h *Handle) AioCommandCompleted(cookie uint64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c := h.queues.takeDone(cookie); c != nil {
		return true, h.setErr(c.firstError)
	}
	if _, ok := h.queues.inFlight[cookie]; ok {
		return false, nil
	}
	for e := h.queues.toIssue.Front(); e != nil; e = e.Next() {
		if e.Value.(*command).cookie == cookie {
			return false, nil
		}
	}
	return false, h.setErr(newError(CategoryConfiguration, "nbd_aio_command_completed", EINVAL, "unknown cookie %d", cookie))
}

// AioPeekCommandCompleted returns the cookie of the oldest completed
// command without consuming it, or 0 when the done queue is empty.
func (h *Handle) AioPeekCommandCompleted() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.queues.peekDone(); c != nil {
		return c.cookie
	}
	return 0
}

// enqueueLocked is the common path behind every command API: strict
// validation, pread-initialize zeroing, queue placement, and one
// eager, non-blocking push of the machine so the request starts going
// out before the caller's event loop next wakes up.
func (h *Handle) enqueueLocked(ctxName string, op Op, offset, count uint64, data []byte,
	chunkCB ChunkCallback, extentCB ExtentCallback, completion CompletionCallback, flags CmdFlag) (uint64, error) {

	if err := h.validateCommand(ctxName, op, offset, count, flags); err != nil {
		// Callbacks are never retained on a strict-mode rejection
		// (spec §4.3.5 "callbacks freed").
		return 0, err
	}

	if op == OpRead && h.cfg.PreadInitialize {
		clear(data)
	}

	c := &command{
		cookie:       nextCookie(),
		op:           op,
		flags:        flags,
		offset:       offset,
		length:       uint32(count),
		data:         data,
		chunkCB:      chunkCB,
		extentCB:     extentCB,
		completionCB: completion,
	}
	c.endSpan = h.tracer.commandSpan(h.ctx, op.String(), c.cookie, offset, uint32(count))
	h.queues.enqueue(c)
	h.metrics.commandEnqueued()
	h.kick()
	return c.cookie, nil
}

// kick makes one non-blocking pass over the machine so freshly queued
// work starts immediately; any yield is left for the caller to wait
// out.
func (h *Handle) kick() {
	if h.state.Group() == GroupReady || h.state.Group() == GroupProcessing {
		_, _ = h.runMachine()
	}
}

// waitCommand drives the machine until the command with the given
// cookie retires, then consumes and returns its error. This is the
// blocking-API core loop of spec §4.3: poll, notify, step, repeat.
func (h *Handle) waitCommand(cookie uint64) error {
	for {
		if c := h.queues.takeDone(cookie); c != nil {
			return c.firstError
		}
		if h.state == StateDead {
			return h.deadCause
		}
		if h.state == StateClosed {
			return newError(CategoryTransport, "nbd_internal", ENOTCONN, "connection closed before command completed")
		}

		dir, err := h.step()
		if err == errYield {
			if pollErr := h.pollTransport(dir); pollErr != nil {
				return h.fail(pollErr)
			}
			continue
		}
		if err != nil {
			// step already moved the handle to DEAD; the command was
			// retired with EIO by failAllInFlight and is picked up at
			// the top of the loop.
			continue
		}
	}
}
