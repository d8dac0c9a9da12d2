package nbd

import "github.com/nbdkit/go-nbd/internal/wire"

// Typed accessors for negotiated facts (spec §4.5). Each refuses with
// an EINVAL-class error until the handshake has reached the point where
// the datum is valid.

// sizeKnown reports whether export size/flags have been learned: true
// once GO/INFO/EXPORT_NAME (or the old-style handshake) delivered them.
func (h *Handle) sizeKnown() bool {
	switch h.state.Group() {
	case GroupReady, GroupProcessing:
		return true
	case GroupNegotiating:
		// opt_info may already have populated size during opt-mode.
		return h.neg.exportSize != 0 || h.neg.exportFlags&wire.FlagHasFlags != 0
	default:
		return false
	}
}

func (h *Handle) notReadyErr(ctxName string) error {
	return h.setErr(newError(CategoryConfiguration, ctxName, EINVAL,
		"server has not yet advertised this, handle state is %s", h.state))
}

// GetSize returns the export's size in bytes.
func (h *Handle) GetSize() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sizeKnown() {
		return 0, h.notReadyErr("nbd_get_size")
	}
	return h.neg.exportSize, nil
}

// IsReadOnly reports whether the server marked the export read-only.
func (h *Handle) IsReadOnly() (bool, error) {
	return h.exportFlag("nbd_is_read_only", wire.FlagReadOnly)
}

// CanFlush reports support for NBD_CMD_FLUSH.
func (h *Handle) CanFlush() (bool, error) {
	return h.exportFlag("nbd_can_flush", wire.FlagSendFlush)
}

// CanFUA reports support for the FUA command flag.
func (h *Handle) CanFUA() (bool, error) {
	return h.exportFlag("nbd_can_fua", wire.FlagSendFUA)
}

// CanTrim reports support for NBD_CMD_TRIM.
func (h *Handle) CanTrim() (bool, error) {
	return h.exportFlag("nbd_can_trim", wire.FlagSendTrim)
}

// CanZero reports support for NBD_CMD_WRITE_ZEROES.
func (h *Handle) CanZero() (bool, error) {
	return h.exportFlag("nbd_can_zero", wire.FlagSendWriteZeroes)
}

// CanFastZero reports support for the FAST_ZERO flag. Always false
// when the server never advertised WRITE_ZEROES (spec §4.3.1 policy).
func (h *Handle) CanFastZero() (bool, error) {
	return h.exportFlag("nbd_can_fast_zero", wire.FlagSendFastZero)
}

// CanDF reports support for the DF (don't fragment) read flag. Always
// false when structured replies were not negotiated (spec §4.3.1
// policy): without them DF has nothing to suppress.
func (h *Handle) CanDF() (bool, error) {
	return h.exportFlag("nbd_can_df", wire.FlagSendDF)
}

// CanMultiConn reports whether the server allows multiple parallel
// connections to this export with coherent flush semantics.
func (h *Handle) CanMultiConn() (bool, error) {
	return h.exportFlag("nbd_can_multi_conn", wire.FlagCanMultiConn)
}

// CanCache reports support for NBD_CMD_CACHE.
func (h *Handle) CanCache() (bool, error) {
	return h.exportFlag("nbd_can_cache", wire.FlagSendCache)
}

func (h *Handle) exportFlag(ctxName string, flag uint16) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sizeKnown() {
		return false, h.notReadyErr(ctxName)
	}
	return h.neg.exportFlags&flag != 0, nil
}

// CanMetaContext reports whether the named meta context was negotiated
// via SET_META_CONTEXT.
func (h *Handle) CanMetaContext(name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.neg.metaValid {
		return false, h.notReadyErr("nbd_can_meta_context")
	}
	_, ok := h.neg.metaContexts[name]
	return ok, nil
}

// BlockSizeKind selects which of the advertised block-size triple
// GetBlockSize returns.
type BlockSizeKind int

const (
	BlockSizeMinimum BlockSizeKind = iota
	BlockSizePreferred
	BlockSizeMaximum
	// BlockSizePayload is the derived payload maximum of spec §4.3.1,
	// not a wire advertisement.
	BlockSizePayload
)

// GetBlockSize returns one element of the validated block-size triple,
// or the derived payload maximum.
func (h *Handle) GetBlockSize(kind BlockSizeKind) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sizeKnown() {
		return 0, h.notReadyErr("nbd_get_block_size")
	}
	switch kind {
	case BlockSizeMinimum:
		return h.neg.blockMin, nil
	case BlockSizePreferred:
		return h.neg.blockPref, nil
	case BlockSizeMaximum:
		return h.neg.blockMax, nil
	case BlockSizePayload:
		return h.neg.payloadMax, nil
	default:
		return 0, h.setErr(newError(CategoryConfiguration, "nbd_get_block_size", EINVAL, "unknown block size kind %d", kind))
	}
}

// GetProtocol returns the handshake style tag: "oldstyle", "newstyle",
// or "newstyle-fixed". Valid once the MAGIC state has identified it.
func (h *Handle) GetProtocol() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.neg.protocol == "" {
		return "", h.notReadyErr("nbd_get_protocol")
	}
	return h.neg.protocol, nil
}

// GetTLSNegotiated reports whether the connection was actually
// upgraded via STARTTLS (as opposed to merely being allowed to).
func (h *Handle) GetTLSNegotiated() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.neg.protocol == "" {
		return false, h.notReadyErr("nbd_get_tls_negotiated")
	}
	return h.neg.tlsNegotiated, nil
}

// GetStructuredRepliesNegotiated reports whether STRUCTURED_REPLY was
// acknowledged on the current (post-STARTTLS) exchange.
func (h *Handle) GetStructuredRepliesNegotiated() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.neg.protocol == "" {
		return false, h.notReadyErr("nbd_get_structured_replies_negotiated")
	}
	return h.neg.structuredReplies, nil
}

// GetCanonicalExportName returns the canonical name the server
// reported via NBD_INFO_NAME, falling back to the requested name.
func (h *Handle) GetCanonicalExportName() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sizeKnown() {
		return "", h.notReadyErr("nbd_get_canonical_export_name")
	}
	return h.neg.canonicalName, nil
}

// GetExportDescription returns the server's free-form description of
// the export, empty if none was sent.
func (h *Handle) GetExportDescription() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sizeKnown() {
		return "", h.notReadyErr("nbd_get_export_description")
	}
	return h.neg.description, nil
}
