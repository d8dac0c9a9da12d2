// Package wire encodes and decodes the fixed big-endian frames of the
// NBD wire protocol: the old-style and new-style handshake headers,
// option and option-reply frames, request and simple-reply frames, and
// structured-reply chunk headers.
//
// Every type here is a plain value type with Marshal/Unmarshal methods
// operating on byte slices the caller owns; wire does no I/O itself,
// leaving buffering and short-read handling to the transport and state
// machine layers.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	OldStyleMagic        = 0x00420281861253
	NewStyleMagic        = 0x49484156454F5054
	OptionMagic          = 0x49484156454F5054
	ReplyMagic           = 0x3e889045565a9
	RequestMagic         = 0x25609513
	SimpleReplyMagic     = 0x67446698
	StructuredReplyMagic = 0x668e33ef
)

// NBDMAGIC is the 8-byte literal every handshake opens with.
var NBDMAGIC = [8]byte{'N', 'B', 'D', 'M', 'A', 'G', 'I', 'C'}

// Global flags (server -> client, new-style handshake).
const (
	FlagFixedNewstyle uint16 = 1 << 0
	FlagNoZeroes      uint16 = 1 << 1
)

// Client flags (client -> server, new-style handshake).
const (
	ClientFlagFixedNewstyle uint32 = 1 << 0
	ClientFlagNoZeroes      uint32 = 1 << 1
)

// Options, sent by the client during new-style negotiation.
const (
	OptExportName      uint32 = 1
	OptAbort           uint32 = 2
	OptList            uint32 = 3
	OptStartTLS        uint32 = 5
	OptInfo            uint32 = 6
	OptGo              uint32 = 7
	OptStructuredReply uint32 = 8
	OptListMetaContext uint32 = 9
	OptSetMetaContext  uint32 = 10
)

// Option reply types.
const (
	RepAck              uint32 = 1
	RepServer           uint32 = 2
	RepInfo             uint32 = 3
	RepMetaContext      uint32 = 4
	replyErrorBit       uint32 = 1 << 31
	RepErrUnsup         uint32 = replyErrorBit | 1
	RepErrPolicy        uint32 = replyErrorBit | 2
	RepErrInvalid       uint32 = replyErrorBit | 3
	RepErrPlatform      uint32 = replyErrorBit | 4
	RepErrTLSReqd       uint32 = replyErrorBit | 5
	RepErrUnknown       uint32 = replyErrorBit | 6
	RepErrShutdown      uint32 = replyErrorBit | 7
	RepErrBlockSizeReqd uint32 = replyErrorBit | 8
)

// IsError reports whether an option reply type carries the error bit.
func IsError(replyType uint32) bool { return replyType&replyErrorBit != 0 }

// NBD_INFO_* sub-types carried in OPT_INFO/OPT_GO replies.
const (
	InfoExport      uint16 = 0
	InfoName        uint16 = 1
	InfoDescription uint16 = 2
	InfoBlockSize   uint16 = 3
)

// Transmission-phase flags (per-export, returned with NBD_INFO_EXPORT
// or the old-style handshake).
const (
	FlagHasFlags        uint16 = 1 << 0
	FlagReadOnly        uint16 = 1 << 1
	FlagSendFlush       uint16 = 1 << 2
	FlagSendFUA         uint16 = 1 << 3
	FlagRotational      uint16 = 1 << 4
	FlagSendTrim        uint16 = 1 << 5
	FlagSendWriteZeroes uint16 = 1 << 6
	FlagSendDF          uint16 = 1 << 7
	FlagCanMultiConn    uint16 = 1 << 8
	FlagSendResize      uint16 = 1 << 9
	FlagSendCache       uint16 = 1 << 10
	FlagSendFastZero    uint16 = 1 << 11
)

// Command opcodes.
const (
	CmdRead        uint16 = 0
	CmdWrite       uint16 = 1
	CmdDisc        uint16 = 2
	CmdFlush       uint16 = 3
	CmdTrim        uint16 = 4
	CmdCache       uint16 = 5
	CmdWriteZeroes uint16 = 6
	CmdBlockStatus uint16 = 7
)

// Command flags.
const (
	CmdFlagFUA      uint16 = 1 << 0
	CmdFlagNoHole   uint16 = 1 << 1
	CmdFlagDF       uint16 = 1 << 2
	CmdFlagReqOne   uint16 = 1 << 3
	CmdFlagFastZero uint16 = 1 << 4
)

// Structured reply flags and chunk types.
const (
	StructuredReplyFlagDone uint16 = 1 << 0

	ChunkNone        uint16 = 0
	ChunkOffsetData  uint16 = 1
	ChunkOffsetHole  uint16 = 2
	ChunkBlockStatus uint16 = 5
	ChunkError       uint16 = 0x8001
	ChunkErrorOffset uint16 = 0x8002
)

// MaxStringLen bounds every length-prefixed string field (export
// names, descriptions, meta-context names): never NUL-terminated,
// always length-prefixed, capped at 4096 bytes.
const MaxStringLen = 4096

// MaxOptionReplyLen bounds an option reply's payload, comfortably
// above anything a compliant server sends (the largest is a LIST reply
// carrying a name and description, both string-capped).
const MaxOptionReplyLen = 32 * 1024

// OldStyleHandshake is the body of the 152-byte old-style greeting: the
// 136 bytes an old-style server sends after NBDMAGIC+old-magic.
type OldStyleHandshake struct {
	Size  uint64
	Flags uint16
}

// oldStyleHandshakeLen is the whole greeting, magic pair included.
const oldStyleHandshakeLen = 152

// Unmarshal decodes the 136-byte old-style handshake body (following the
// 16-byte magic pair, which the caller reads separately to distinguish
// old- from new-style).
func (h *OldStyleHandshake) Unmarshal(b []byte) error {
	if len(b) < oldStyleHandshakeLen-16 {
		return fmt.Errorf("wire: short old-style handshake body: %d bytes", len(b))
	}
	h.Size = binary.BigEndian.Uint64(b[0:8])
	h.Flags = binary.BigEndian.Uint16(b[8:10])
	return nil
}

// Option is a client->server option frame: magic, option number, and
// payload (length-prefixed on the wire).
type Option struct {
	Opt     uint32
	Payload []byte
}

func (o Option) MarshalHeader() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], OptionMagic)
	binary.BigEndian.PutUint32(buf[8:12], o.Opt)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(o.Payload)))
	return buf
}

// OptionReplyHeader is the fixed 20-byte header preceding an option
// reply's payload.
type OptionReplyHeader struct {
	Magic     uint64
	Opt       uint32
	ReplyType uint32
	Length    uint32
}

const OptionReplyHeaderLen = 8 + 4 + 4 + 4

func (h *OptionReplyHeader) Unmarshal(b []byte) error {
	if len(b) < OptionReplyHeaderLen {
		return fmt.Errorf("wire: short option reply header: %d bytes", len(b))
	}
	h.Magic = binary.BigEndian.Uint64(b[0:8])
	h.Opt = binary.BigEndian.Uint32(b[8:12])
	h.ReplyType = binary.BigEndian.Uint32(b[12:16])
	h.Length = binary.BigEndian.Uint32(b[16:20])
	return nil
}

// Request is a client->server transmission-phase request header.
type Request struct {
	Flags  uint16
	Type   uint16
	Cookie uint64
	Offset uint64
	Length uint32
}

const RequestLen = 4 + 2 + 2 + 8 + 8 + 4

func (r Request) Marshal() []byte {
	buf := make([]byte, RequestLen)
	binary.BigEndian.PutUint32(buf[0:4], RequestMagic)
	binary.BigEndian.PutUint16(buf[4:6], r.Flags)
	binary.BigEndian.PutUint16(buf[6:8], r.Type)
	binary.BigEndian.PutUint64(buf[8:16], r.Cookie)
	binary.BigEndian.PutUint64(buf[16:24], r.Offset)
	binary.BigEndian.PutUint32(buf[24:28], r.Length)
	return buf
}

func (r *Request) Unmarshal(b []byte) error {
	if len(b) < RequestLen {
		return fmt.Errorf("wire: short request: %d bytes", len(b))
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != RequestMagic {
		return fmt.Errorf("wire: bad request magic %#x", magic)
	}
	r.Flags = binary.BigEndian.Uint16(b[4:6])
	r.Type = binary.BigEndian.Uint16(b[6:8])
	r.Cookie = binary.BigEndian.Uint64(b[8:16])
	r.Offset = binary.BigEndian.Uint64(b[16:24])
	r.Length = binary.BigEndian.Uint32(b[24:28])
	return nil
}

// SimpleReply is the 16-byte simple-reply header.
type SimpleReply struct {
	Error  uint32
	Cookie uint64
}

const SimpleReplyLen = 4 + 4 + 8

func (r *SimpleReply) Unmarshal(b []byte) error {
	if len(b) < SimpleReplyLen {
		return fmt.Errorf("wire: short simple reply: %d bytes", len(b))
	}
	r.Error = binary.BigEndian.Uint32(b[4:8])
	r.Cookie = binary.BigEndian.Uint64(b[8:16])
	return nil
}

// StructuredReplyHeader is the fixed header preceding a structured
// reply chunk's payload.
type StructuredReplyHeader struct {
	Flags  uint16
	Type   uint16
	Cookie uint64
	Length uint32
}

const StructuredReplyHeaderLen = 4 + 2 + 2 + 8 + 4

func (h *StructuredReplyHeader) Unmarshal(b []byte) error {
	if len(b) < StructuredReplyHeaderLen {
		return fmt.Errorf("wire: short structured reply header: %d bytes", len(b))
	}
	h.Flags = binary.BigEndian.Uint16(b[4:6])
	h.Type = binary.BigEndian.Uint16(b[6:8])
	h.Cookie = binary.BigEndian.Uint64(b[8:16])
	h.Length = binary.BigEndian.Uint32(b[16:20])
	return nil
}

func (h StructuredReplyHeader) Done() bool {
	return h.Flags&StructuredReplyFlagDone != 0
}

// ReplyMagicOf peeks the first 4 bytes of a reply header (already read
// by the caller) and reports which kind of reply follows.
func ReplyMagicOf(first4 []byte) (simple, structured bool) {
	m := binary.BigEndian.Uint32(first4)
	switch uint64(m) {
	case SimpleReplyMagic:
		return true, false
	case StructuredReplyMagic:
		return false, true
	default:
		return false, false
	}
}

// ErrorChunkPayload is the fixed-size prefix of an ERROR/ERROR_OFFSET
// structured chunk payload: a 32-bit NBD error code, a 16-bit message
// length, then the message bytes, then (ERROR_OFFSET only) an 8-byte
// offset.
type ErrorChunkPayload struct {
	NBDError  uint32
	Message   string
	HasOffset bool
	Offset    uint64
}

func DecodeErrorChunk(chunkType uint16, b []byte) (ErrorChunkPayload, error) {
	var p ErrorChunkPayload
	if len(b) < 6 {
		return p, fmt.Errorf("wire: short error chunk: %d bytes", len(b))
	}
	p.NBDError = binary.BigEndian.Uint32(b[0:4])
	msgLen := binary.BigEndian.Uint16(b[4:6])
	off := 6
	if off+int(msgLen) > len(b) {
		return p, fmt.Errorf("wire: error chunk message length overruns payload")
	}
	p.Message = string(b[off : off+int(msgLen)])
	off += int(msgLen)
	if chunkType == ChunkErrorOffset {
		if len(b)-off < 8 {
			return p, fmt.Errorf("wire: error-offset chunk missing offset")
		}
		p.HasOffset = true
		p.Offset = binary.BigEndian.Uint64(b[off : off+8])
	}
	return p, nil
}

// BlockStatusDescriptor is one (length, flags) pair in a BLOCK_STATUS
// structured reply chunk.
type BlockStatusDescriptor struct {
	Length uint32
	Flags  uint32
}

// DecodeBlockStatusChunk decodes the context id and extent list from a
// BLOCK_STATUS chunk payload. Length must be >= 12 and (length-4) % 8 == 0;
// any other length is rejected with an error.
func DecodeBlockStatusChunk(b []byte) (contextID uint32, extents []BlockStatusDescriptor, err error) {
	if len(b) < 12 || (len(b)-4)%8 != 0 {
		return 0, nil, fmt.Errorf("wire: malformed block status chunk: %d bytes", len(b))
	}
	contextID = binary.BigEndian.Uint32(b[0:4])
	n := (len(b) - 4) / 8
	extents = make([]BlockStatusDescriptor, n)
	for i := 0; i < n; i++ {
		off := 4 + i*8
		extents[i] = BlockStatusDescriptor{
			Length: binary.BigEndian.Uint32(b[off : off+4]),
			Flags:  binary.BigEndian.Uint32(b[off+4 : off+8]),
		}
	}
	return contextID, extents, nil
}

// EncodeString length-prefixes s with a 32-bit big-endian length, the
// form used by export names, meta-context names, and INFO payloads.
func EncodeString(s string) []byte {
	buf := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

// DecodeString reads a 32-bit-length-prefixed string from the front of
// b and returns it along with the number of bytes consumed.
func DecodeString(b []byte) (string, int, error) {
	if len(b) < 4 {
		return "", 0, fmt.Errorf("wire: short string length prefix")
	}
	n := binary.BigEndian.Uint32(b[0:4])
	if n > MaxStringLen {
		return "", 0, fmt.Errorf("wire: string length %d exceeds %d byte cap", n, MaxStringLen)
	}
	if len(b) < 4+int(n) {
		return "", 0, fmt.Errorf("wire: string length %d overruns buffer", n)
	}
	return string(b[4 : 4+n]), 4 + int(n), nil
}
