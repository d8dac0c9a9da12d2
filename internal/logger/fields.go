package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation
// and querying, rather than ad-hoc string literals.
const (
	// ========================================================================
	// Handle & connection identity
	// ========================================================================
	KeyHandle = "handle" // caller-assigned debug name for the Handle
	KeyState  = "state"  // current state-machine state
	KeyExport = "export" // export name being negotiated or in use

	// ========================================================================
	// Protocol framing
	// ========================================================================
	KeyOption    = "option"     // newstyle option number being negotiated
	KeyOptReply  = "opt_reply"  // option reply code
	KeyCommand   = "command"    // command opcode: read, write, flush, trim, ...
	KeyChunkType = "chunk_type" // structured reply chunk type
	KeyProtocol  = "protocol"   // negotiated protocol tag: oldstyle, newstyle, newstyle-fixed
	KeyTLS       = "tls"        // TLS mode or negotiated state

	// ========================================================================
	// Commands & cookies
	// ========================================================================
	KeyCookie = "cookie" // 64-bit cookie identifying a command
	KeyOffset = "offset" // byte offset for read/write/trim/block-status
	KeyCount  = "count"  // byte count requested

	// ========================================================================
	// I/O accounting
	// ========================================================================
	KeyBytesSent     = "bytes_sent"
	KeyBytesReceived = "bytes_received"
	KeyChunksSent    = "chunks_sent"
	KeyChunksRecv    = "chunks_received"

	// ========================================================================
	// Errors & diagnostics
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrno      = "errno"
	KeyContext    = "context" // API entry point that produced the error
)

// Handle returns a slog.Attr for the handle's debug name.
func Handle(name string) slog.Attr {
	return slog.String(KeyHandle, name)
}

// State returns a slog.Attr for the current state-machine state.
func State(state string) slog.Attr {
	return slog.String(KeyState, state)
}

// Export returns a slog.Attr for the export name.
func Export(name string) slog.Attr {
	return slog.String(KeyExport, name)
}

// Option returns a slog.Attr for a newstyle option number.
func Option(opt uint32) slog.Attr {
	return slog.Any(KeyOption, opt)
}

// Command returns a slog.Attr for a command opcode name.
func Command(name string) slog.Attr {
	return slog.String(KeyCommand, name)
}

// ChunkType returns a slog.Attr for a structured reply chunk type.
func ChunkType(name string) slog.Attr {
	return slog.String(KeyChunkType, name)
}

// Protocol returns a slog.Attr for the negotiated protocol tag.
func Protocol(tag string) slog.Attr {
	return slog.String(KeyProtocol, tag)
}

// Cookie returns a slog.Attr for a command cookie.
func Cookie(cookie uint64) slog.Attr {
	return slog.Uint64(KeyCookie, cookie)
}

// Offset returns a slog.Attr for a byte offset.
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Count returns a slog.Attr for a byte count.
func Count(c uint64) slog.Attr {
	return slog.Uint64(KeyCount, c)
}

// BytesSent returns a slog.Attr for cumulative bytes sent.
func BytesSent(n uint64) slog.Attr {
	return slog.Uint64(KeyBytesSent, n)
}

// BytesReceived returns a slog.Attr for cumulative bytes received.
func BytesReceived(n uint64) slog.Attr {
	return slog.Uint64(KeyBytesReceived, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Errno returns a slog.Attr for a numeric errno-class code.
func Errno(code int) slog.Attr {
	return slog.Int(KeyErrno, code)
}

// Context returns a slog.Attr for the API entry point that produced an error.
func Context(name string) slog.Attr {
	return slog.String(KeyContext, name)
}
