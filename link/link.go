// Package link implements the link layer of spec.md §4.6/§4.8: the
// per-connection liveness state machine, the three wire control endpoints
// (AllocAddresses, SubscribeMulticast, PublishNewPrefix), and a byte-stream
// adapter built on package frame.
//
// Grounded on a collector/saver goroutine-pump shape
// (github.com/m-lab/tcp-info collector/run.go) for the read-pump loop, and
// on S7evinK-pinecone's router/peer.go for per-peer atomic statistics
// counters — see DESIGN.md.
package link

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ergot-rs/ergot/alloc"
	"github.com/ergot-rs/ergot/arena"
	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/frame"
	"github.com/ergot-rs/ergot/metrics"
	"github.com/ergot-rs/ergot/packet"
	"github.com/ergot-rs/ergot/pna"
)

// State is a link's liveness state, per spec.md §4.8's state machine:
// Unattached -> RequestingInitial -> Bound -> {Draining, Lost}.
type State int

const (
	Unattached State = iota
	RequestingInitial
	Bound
	Draining
	Lost
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case RequestingInitial:
		return "requesting_initial"
	case Bound:
		return "bound"
	case Draining:
		return "draining"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// ControlAddress is the well-known address a child sends its initial
// AllocAddresses request to, per spec.md §4.6: "It sends AllocAddresses to
// the well-known address (0, 1) on the parent-facing link; the link
// driver substitutes the actual parent identity at delivery."
var ControlAddress = pna.Address{Bits: 0, Scope: 1}

// Control opcodes distinguish the three wire endpoints of spec.md §4.6.
// They occupy the first byte of a control packet's body; ergot's fixed
// packet header (spec.md §6) has no message-type field of its own, so the
// three endpoints share one request/response/topic channel over
// ControlAddress and are told apart by this byte.
const (
	opAllocAddresses     byte = 1
	opSubscribeMulticast byte = 2
	opPublishNewPrefix   byte = 3
)

// DefaultCRCFailLimit is the number of consecutive bad frames that marks a
// link Lost, per spec.md §4.8: "persistent CRC failure (>= N frames with
// no good frame)".
const DefaultCRCFailLimit = 8

// DefaultEgressQueueCap is the data-plane egress queue depth a Link uses
// unless overridden, per spec.md §5: "when a link's egress queue is full,
// send returns WouldBlock."
const DefaultEgressQueueCap = 64

// Config configures a Link's framing and liveness thresholds.
type Config struct {
	MaxFrame       int
	CRCFailLimit   int
	RequestTimeout time.Duration
	// EgressQueueCap bounds the data-plane send queue drained by WritePump.
	// Control-plane request/response traffic (AllocAddresses,
	// SubscribeMulticast, PublishNewPrefix) bypasses this queue entirely —
	// it writes synchronously, since it is already rate-limited by its own
	// request/reply round trips.
	EgressQueueCap int
}

// DefaultConfig returns the Config a node uses unless overridden.
func DefaultConfig() Config {
	return Config{
		MaxFrame:       frame.DefaultMaxFrame,
		CRCFailLimit:   DefaultCRCFailLimit,
		RequestTimeout: time.Second,
		EgressQueueCap: DefaultEgressQueueCap,
	}
}

// Grant is the wire form of a single AllocAddresses grant: a global
// address and the number of local-offset bits it carries, per spec.md
// §4.6's response body `[{address, len}]`. Unlike alloc.Range (which is
// expressed in the allocator's own local-offset space), a Grant's Address
// is already a fully-formed global pna.Address — it is the grantee's new
// identity (bootstrap) or a landmark within its existing one (escalation).
// Converting between the two is the Link's job, not the allocator's; see
// Link.AllocAddresses and Link.RequestInitialAddress.
type Grant struct {
	Address pna.Address
	Len     uint8
}

// Handlers are the node-supplied callbacks a Link invokes for control
// messages and ordinary data-plane packets arriving on it. All fields
// should be set before calling ReadPump.
type Handlers struct {
	// AllocAddresses handles an incoming child request when this node is
	// acting as the parent side of the link. The returned Grants are
	// computed from this node's own allocator via Allocator.GlobalBase, so
	// they are meaningful to the requester regardless of whether it is
	// bootstrapping or escalating.
	AllocAddresses func(ctx context.Context, reqs []alloc.Request) ([]Grant, error)
	// SubscribeMulticast handles an incoming child request when this node
	// is acting as the parent side of the link.
	SubscribeMulticast func(ctx context.Context, addr pna.Address) error
	// PublishNewPrefix is invoked when this node, as a child, receives a
	// new base address from its parent.
	PublishNewPrefix func(newBase pna.Address)
	// Deliver receives every packet that is not a recognized control
	// message, for routing into the node's socket/routing fabric.
	Deliver func(pkt *packet.Packet)
	// OnLost is invoked once when the link transitions to Lost.
	OnLost func()
}

// Link is one transport connection: a byte-stream framed with package
// frame, carrying ergot packets. Link is safe for concurrent use.
type Link struct {
	ID arena.LinkID

	cfg Config
	rw  io.ReadWriter

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State
	crcFailStreak int

	handlersMu sync.RWMutex
	handlers   Handlers

	pendingMu sync.Mutex
	pending   map[arena.Correlation]chan *packet.Packet
	corrs     arena.Correlations

	egress chan *packet.Packet

	baseMu sync.RWMutex
	base   pna.Address

	framesDecoded atomic.Uint64
	frameErrors   atomic.Uint64
}

// NewStreamLink wraps a byte-stream transport (TCP connection, serial
// port, net.Pipe() endpoint, ...) as a Link, framing it with package
// frame's COBS codec.
func NewStreamLink(id arena.LinkID, rw io.ReadWriter, cfg Config) *Link {
	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = frame.DefaultMaxFrame
	}
	if cfg.CRCFailLimit == 0 {
		cfg.CRCFailLimit = DefaultCRCFailLimit
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.EgressQueueCap == 0 {
		cfg.EgressQueueCap = DefaultEgressQueueCap
	}
	return &Link{
		ID:      id,
		cfg:     cfg,
		rw:      rw,
		state:   Unattached,
		pending: make(map[arena.Correlation]chan *packet.Packet),
		egress:  make(chan *packet.Packet, cfg.EgressQueueCap),
		// base starts as ControlAddress, a valid placeholder Src for any
		// control exchange sent before RequestInitialAddress/SetLocalBase
		// gives this link a real identity (the zero pna.Address has
		// Scope 0, which packet.Unmarshal rejects as malformed).
		base: ControlAddress,
	}
}

// SetHandlers installs the node-supplied callbacks. Must be called before
// ReadPump.
func (l *Link) SetHandlers(h Handlers) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers = h
}

func (l *Link) handlersSnapshot() Handlers {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	return l.handlers
}

// SetLocalBase records this node's current base address, as assigned by
// RequestInitialAddress or updated on a later Rebase. AllocAddresses uses
// it to translate a parent's global Grant back into this node's own
// local-offset space.
func (l *Link) SetLocalBase(base pna.Address) {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	l.base = base
}

// LocalBase returns the base address most recently recorded via
// SetLocalBase.
func (l *Link) LocalBase() pna.Address {
	l.baseMu.RLock()
	defer l.baseMu.RUnlock()
	return l.base
}

// State returns the link's current liveness state.
func (l *Link) State() State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

func (l *Link) transition(to State) {
	l.stateMu.Lock()
	from := l.state
	l.state = to
	l.stateMu.Unlock()
	if from == to {
		return
	}
	metrics.LinkLivenessTransitions.WithLabelValues(l.idLabel(), to.String()).Inc()
	if to == Lost {
		metrics.SessionsLost.WithLabelValues(l.idLabel()).Inc()
		if h := l.handlersSnapshot(); h.OnLost != nil {
			h.OnLost()
		}
	}
}

// MarkRequestingInitial transitions Unattached -> RequestingInitial, the
// step before sending the bootstrap AllocAddresses request.
func (l *Link) MarkRequestingInitial() { l.transition(RequestingInitial) }

// MarkBound transitions to Bound, on a successful initial AllocAddresses
// (spec.md §4.8).
func (l *Link) MarkBound() { l.transition(Bound) }

// MarkDraining transitions to Draining, e.g. on a graceful shutdown
// request.
func (l *Link) MarkDraining() { l.transition(Draining) }

// MarkLost transitions to the terminal Lost state.
func (l *Link) MarkLost() { l.transition(Lost) }

func (l *Link) idLabel() string {
	return arenaLinkLabel(l.ID)
}

// Stats is a point-in-time snapshot of a link's counters, used by
// node.Engine.Stats, which ergotd logs alongside its CSV dump.
type Stats struct {
	ID            arena.LinkID
	State         string
	FramesDecoded uint64
	FrameErrors   uint64
}

// Stats returns the link's current counters.
func (l *Link) Stats() Stats {
	return Stats{
		ID:            l.ID,
		State:         l.State().String(),
		FramesDecoded: l.framesDecoded.Load(),
		FrameErrors:   l.frameErrors.Load(),
	}
}

// ReadPump reads and decodes frames from the underlying transport until it
// errs, ctx is cancelled, or the link becomes Lost. It never returns a nil
// error on a clean cancellation; callers should treat ctx.Err() as
// expected shutdown.
func (l *Link) ReadPump(ctx context.Context) error {
	dec := frame.NewDecoder(l.cfg.MaxFrame)
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.State() == Lost {
			return ergoterr.ErrSessionLost
		}
		n, err := l.rw.Read(buf)
		if n > 0 {
			for _, res := range dec.Feed(buf[:n]) {
				l.handleFrame(ctx, res)
			}
		}
		if err != nil {
			l.MarkLost()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (l *Link) handleFrame(ctx context.Context, res frame.Result) {
	if res.Err != nil {
		l.frameErrors.Inc()
		metrics.FrameErrors.WithLabelValues(l.idLabel(), frameErrorReason(res.Err)).Inc()
		if l.bumpFailStreak() >= l.cfg.CRCFailLimit {
			l.MarkLost()
		}
		return
	}
	l.resetFailStreak()
	l.framesDecoded.Inc()
	metrics.FramesDecoded.WithLabelValues(l.idLabel()).Inc()

	pkt, err := packet.Unmarshal(res.Payload)
	if err != nil {
		l.frameErrors.Inc()
		metrics.FrameErrors.WithLabelValues(l.idLabel(), "packet_decode").Inc()
		if l.bumpFailStreak() >= l.cfg.CRCFailLimit {
			l.MarkLost()
		}
		return
	}
	l.resetFailStreak()
	l.dispatch(ctx, pkt)
}

func (l *Link) bumpFailStreak() int {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.crcFailStreak++
	return l.crcFailStreak
}

func (l *Link) resetFailStreak() {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.crcFailStreak = 0
}

func frameErrorReason(err error) string {
	switch err {
	case ergoterr.ErrFrameOverrun:
		return "overrun"
	case ergoterr.ErrFrameCRC:
		return "crc"
	default:
		return "decode"
	}
}
