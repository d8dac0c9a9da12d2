package nbd

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nbdkit/go-nbd/internal/logger"
	"github.com/nbdkit/go-nbd/internal/transport"
)

var handleCounter atomic.Uint64

// negotiated holds the facts that only become valid once the
// handshake has advanced past the relevant point (spec §3).
type negotiated struct {
	globalFlags       uint16
	exportSize        uint64
	exportFlags       uint16
	structuredReplies bool
	tlsNegotiated     bool
	protocol          string // "oldstyle" | "newstyle" | "newstyle-fixed"
	canonicalName     string
	description       string
	blockMin          uint32
	blockPref         uint32
	blockMax          uint32
	payloadMax        uint32
	metaContexts      map[string]uint32
	metaValid         bool
	readOnly          bool
}

func freshNegotiated() negotiated {
	return negotiated{metaContexts: make(map[string]uint32)}
}

// Stats is a point-in-time, lock-free snapshot of a handle's transfer
// counters (spec §3 "statistics"; exposed per SPEC_FULL §12). It is
// the only Handle accessor documented as safe to call from any
// goroutine, since it reads only atomics, never the single-threaded
// state machine.
type Stats struct {
	BytesSent      uint64
	BytesReceived  uint64
	ChunksSent     uint64
	ChunksReceived uint64
}

type statCounters struct {
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	chunksSent     atomic.Uint64
	chunksReceived atomic.Uint64
}

// Handle is the client-side object representing one logical NBD
// connection (spec §3, §Glossary). It is not safe for concurrent use
// from multiple goroutines; every public method acquires the handle's
// mutex on entry (spec §5).
type Handle struct {
	mu sync.Mutex

	name string
	seq  uint64

	cfg Config

	state     State
	deadCause error

	neg negotiated

	tr transport.Transport

	queues *commandQueues

	// Handshake / option-negotiation scratch state (spec §3
	// "single-option state": only one option is ever in flight).
	hsStep      int
	hsPhase     hsPhase
	hsPhaseNext hsPhase
	hsOpt       hsOptionState
	pendingTLS  *transport.TLS

	// Opt-mode option currently executing and its callbacks (spec §3).
	curOpt     uint32
	listCB     ListCallback
	metaCB     MetaContextCallback
	optDoneCB  CompletionCallback
	optPending bool

	// Transmission-phase scratch state.
	tx issueState
	rx recvState

	discRequested bool

	// tlsServerName is the hostname the connection was dialed with,
	// used for certificate verification on STARTTLS; empty for Unix,
	// VSOCK, fd, and subprocess transports.
	tlsServerName string

	lastErr error

	stats statCounters

	logCtx *logger.LogContext
	ctx    context.Context

	metrics *Metrics
	tracer  *Tracer

	dialer  dialerState
	subproc subprocState
}

// New creates a handle in StateCreated. name is an optional debug
// name (spec §3 "identity: opaque debug name"); if empty, a short
// UUID-derived tag is generated so log lines and aio_get_fd-style
// introspection can still distinguish handles.
func New(name string) *Handle {
	n := handleCounter.Add(1)
	if name == "" {
		name = "nbd" + uuid.New().String()[:8]
	}

	h := &Handle{
		name:   name,
		seq:    n,
		cfg:    DefaultConfig(),
		state:  StateCreated,
		neg:    freshNegotiated(),
		queues: newCommandQueues(),
		logCtx: logger.NewLogContext(name),
	}
	h.ctx = logger.WithContext(context.Background(), h.logCtx)
	return h
}

// Configure validates cfg and installs it. Most fields may only be
// changed while the handle is in StateCreated (spec §3 "settable only
// in appropriate states"); TLS/export/meta-context fields in
// particular are frozen once CONNECT begins.
func (h *Handle) Configure(cfg Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return &Error{Category: CategoryConfiguration, Errno: EINVAL, Context: "nbd_configure", Message: err.Error(), Cause: err}
	}
	if h.state != StateCreated {
		return newError(CategoryConfiguration, "nbd_configure", EINVAL, "cannot reconfigure handle in state %s", h.state)
	}
	h.cfg = cfg
	return nil
}

// SetMetrics attaches an optional Prometheus-backed metrics recorder
// (SPEC_FULL §11). A nil Metrics is a safe zero value: every call site
// nil-checks before recording.
func (h *Handle) SetMetrics(m *Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = m
}

// SetTracer attaches an optional OpenTelemetry-backed tracer
// (SPEC_FULL §11). A nil Tracer disables span creation entirely.
func (h *Handle) SetTracer(t *Tracer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracer = t
}

func (h *Handle) transitionTo(s State) {
	if h.state == s {
		return
	}
	h.state = s
	h.logCtx.State = s.String()
	logger.DebugCtx(h.ctx, "state transition")
}

// fail transitions the handle to DEAD, retiring every in-flight
// command with err (spec §4.3.6).
func (h *Handle) fail(err error) error {
	if h.state == StateDead || h.state == StateClosed {
		return err
	}
	h.deadCause = err
	h.queues.failAllInFlight(wrapError(CategoryTransport, "nbd_internal", EIO, err))
	h.drainRetired()
	h.transitionTo(StateDead)
	logger.WarnCtx(h.ctx, "handle failed", logger.Err(err))
	return err
}

// Close releases the handle's transport and marks it CLOSED. It is
// always safe to call, any number of times.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return nil
	}
	if h.tr != nil {
		_ = h.tr.Close()
	}
	// Commands the caller abandoned still owe their callbacks a final
	// FREE (spec §8: exactly once, success or failure).
	h.queues.failAllInFlight(newError(CategoryTransport, "nbd_close", ESHUTDOWN, "handle closed"))
	h.drainRetired()
	h.reapSubprocess()
	h.transitionTo(StateClosed)
	return nil
}

// State returns the handle's current state machine state, for
// introspection and tests; not part of the narrower public contract
// but harmless to expose since it's read-only.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stats returns a snapshot of the handle's transfer counters. Safe to
// call concurrently with any other Handle method.
func (h *Handle) Stats() Stats {
	return Stats{
		BytesSent:      h.stats.bytesSent.Load(),
		BytesReceived:  h.stats.bytesReceived.Load(),
		ChunksSent:     h.stats.chunksSent.Load(),
		ChunksReceived: h.stats.chunksReceived.Load(),
	}
}

// driveUntil steps the state machine until it reaches one of the
// target groups, or yields waiting on I/O, or dies. It is the core of
// every blocking API: poll the transport's fd for the direction the
// machine wants, then step again (spec §4.3 "blocking APIs loop poll
// -> notify_read/notify_write -> step machine").
func (h *Handle) driveUntil(targets ...Group) error {
	for {
		for _, g := range targets {
			if h.state.Group() == g {
				return nil
			}
		}
		if h.state == StateDead {
			return h.deadCause
		}
		if h.state == StateClosed {
			return newError(CategoryTransport, "nbd_internal", ENOTCONN, "handle is closed")
		}

		dir, err := h.step()
		if err == errYield {
			if pollErr := h.pollTransport(dir); pollErr != nil {
				return h.fail(pollErr)
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

// pollTransport blocks until the transport's fd is ready in the
// requested direction, using ordinary poll(2) with a single entry
// (spec §9 "internally the library uses ordinary poll").
func (h *Handle) pollTransport(dir transport.Direction) error {
	return pollFD(h.tr.PollFD(), dir, -1*time.Millisecond)
}

var errYield = &Error{Category: CategoryTransport, Context: "nbd_internal", Message: "yield"}

// LastError returns the most recent error recorded by a public API
// call on this handle, or nil. It stands in for the C library's
// thread-local last-error slot: in Go each handle is driven by one
// goroutine at a time (spec §5), so per-handle storage gives the same
// isolation two threads on distinct handles get from TLS.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// setErr records err as the handle's last error and returns it, so
// API bodies can `return h.setErr(...)` in one statement.
func (h *Handle) setErr(err error) error {
	if err != nil {
		h.lastErr = err
	}
	return err
}
