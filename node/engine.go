// Package node wires together the allocator, routing table, socket
// fabric, and link layer into a single running ergot node: the actor
// described in spec.md §9's Design Notes.
//
// Grounded on a collector/saver channel-pipeline shape
// (collector.Run feeds a channel; saver.runMarshaller drains it on its own
// goroutine) generalized from a collect/save pipeline into a
// route/dispatch loop, and on saver.Stats/LogCacheStats for the
// engine-wide statistics snapshot — see DESIGN.md.
package node

import (
	"context"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ergot-rs/ergot/alloc"
	"github.com/ergot-rs/ergot/arena"
	"github.com/ergot-rs/ergot/eventsocket"
	"github.com/ergot-rs/ergot/link"
	"github.com/ergot-rs/ergot/packet"
	"github.com/ergot-rs/ergot/pna"
	"github.com/ergot-rs/ergot/route"
	"github.com/ergot-rs/ergot/socket"
)

// Config configures an Engine.
type Config struct {
	// SweepInterval drives the soft timer that tears down links found in
	// the Lost state (request waiters expire on their own deadline timers),
	// per spec.md §4.7/SPEC_FULL.md §4.7.
	SweepInterval time.Duration
	// SocketMailboxCap is the default mailbox capacity for sockets
	// registered via RegisterSocket.
	SocketMailboxCap int
	// CommandQueue sizes the engine's command channel.
	CommandQueue int
}

// DefaultConfig returns the Config an ergotd instance uses unless
// overridden.
func DefaultConfig() Config {
	return Config{
		SweepInterval:    time.Second,
		SocketMailboxCap: 16,
		CommandQueue:     256,
	}
}

// Stats is a point-in-time snapshot of an Engine's counters, mirroring the
// teacher's saver.Stats/LogCacheStats shape.
type Stats struct {
	FramesDecoded      uint64
	FrameErrors        uint64
	AllocationsGranted uint64
	AllocationsDenied  uint64
	RoutingDrops       uint64
	MailboxDrops       uint64
}

// command is the engine's sole actor message: route a packet (local origin
// or arrived on ingress) and, if reply is non-nil, report the outcome.
// Per spec.md §9's Design Notes, routing is the one operation that must be
// serialized against every other routing decision (so a route installed or
// removed mid-flood is never read half-updated); LinkUp/LinkDown attach and
// detach is handled synchronously instead, guarded by Engine.mu, since it
// touches only the link set, not a routing decision in flight. Register
// and Recv bypass the engine entirely: socket.Table is independently safe
// for concurrent use.
type command struct {
	ingress arena.LinkID
	pkt     *packet.Packet
	reply   chan error
}

// Engine is a running ergot node: one allocator, one routing table, one
// socket table, and zero or more attached links, all driven by a single
// command-loop goroutine per spec.md §9.
type Engine struct {
	cfg    Config
	ids    *arena.IDs
	corrs  *arena.Correlations
	logger *log.Logger

	mu       sync.RWMutex
	alloc    *alloc.Allocator
	links    map[arena.LinkID]*link.Link
	parentID *arena.LinkID

	routes  *route.Table
	sockets *socket.Table
	events  eventsocket.Server

	cmdCh chan command

	routingDrops       atomic.Uint64
	mailboxDrops       atomic.Uint64
	allocationsGranted atomic.Uint64
	allocationsDenied  atomic.Uint64
}

// New creates an Engine with no allocator yet: call Bootstrap (apex) or
// AttachParentLink (child) before attaching any child links, since both
// AllocAddresses (child-serving) and ContainsLocal depend on an allocator
// being installed.
func New(cfg Config, logger *log.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		cfg:    cfg,
		ids:    &arena.IDs{},
		corrs:  &arena.Correlations{},
		logger: logger,
		links:  make(map[arena.LinkID]*link.Link),
		cmdCh:  make(chan command, cfg.CommandQueue),
	}
	e.sockets = socket.New(e.ids, e.corrs, nil)
	e.routes = route.New(e.sockets)
	e.events = eventsocket.NullServer()
	return e
}

// SetEvents installs the event feed server the engine reports lifecycle
// events to. Defaults to eventsocket.NullServer(), so callers that don't
// care about the feed never need a nil check.
func (e *Engine) SetEvents(events eventsocket.Server) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = events
}

func (e *Engine) eventsServer() eventsocket.Server {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.events
}

// Bootstrap installs a fresh allocator for an apex node: one with no
// parent to escalate to, seeded with a single best-guess range at base.
func (e *Engine) Bootstrap(base pna.Address, seedLen uint8) {
	e.setAllocator(alloc.New(base, seedLen, nil))
}

func (e *Engine) setAllocator(a *alloc.Allocator) {
	e.mu.Lock()
	e.alloc = a
	e.mu.Unlock()
	e.sockets.SetOwner(a)
}

// Allocator returns the node's current allocator, or nil if it has not
// bootstrapped or attached to a parent yet.
func (e *Engine) Allocator() *alloc.Allocator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alloc
}

// Routes returns the node's routing table.
func (e *Engine) Routes() *route.Table { return e.routes }

// Sockets returns the node's socket table.
func (e *Engine) Sockets() *socket.Table { return e.sockets }

// NextLinkID hands out a stable id for a new link the caller is about to
// construct via link.NewStreamLink.
func (e *Engine) NextLinkID() arena.LinkID { return e.ids.NextLinkID() }

// RegisterSocket binds a new node-local socket, per spec.md §4.5. It does
// not cross the command channel: socket.Table is its own lock domain.
func (e *Engine) RegisterSocket(addr pna.Address, kind socket.Kind) (*socket.Handle, error) {
	return e.sockets.Register(addr, kind, e.cfg.SocketMailboxCap, 0)
}

// Run drives the engine's command loop and periodic sweep until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			err := e.route(cmd.ingress, cmd.pkt)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep runs the soft-timer maintenance pass: link liveness is already
// driven by each link's own read pump (frame/CRC failure streaks), so the
// sweep's job here is to notice links that went Lost without a clean
// disconnect command ever reaching the engine, and finish tearing them
// down. Outstanding request waiters expire on their own deadline timers
// (socket.Table.AwaitReply), per spec.md §4.5 — the sweep does not need
// to chase them.
func (e *Engine) sweep() {
	e.mu.RLock()
	lost := make([]arena.LinkID, 0)
	for id, l := range e.links {
		if l.State() == link.Lost {
			lost = append(lost, id)
		}
	}
	e.mu.RUnlock()
	for _, id := range lost {
		e.onLinkDown(id)
	}
}

func (e *Engine) onLinkDown(id arena.LinkID) {
	e.mu.Lock()
	_, attached := e.links[id]
	delete(e.links, id)
	wasParent := e.parentID != nil && *e.parentID == id
	if wasParent {
		e.parentID = nil
	}
	e.mu.Unlock()
	if !attached {
		return
	}
	e.routes.Remove(id)
	e.sockets.CloseSession(id)
	e.logger.Printf("link %d lost; routes and sockets torn down", id)
	e.eventsServer().LinkDown(id)
}

// attachLink registers l as live, directly under Engine.mu — it does not
// need to cross the command channel (see the command doc comment above).
func (e *Engine) attachLink(l *link.Link) {
	e.mu.Lock()
	e.links[l.ID] = l
	e.mu.Unlock()
	e.eventsServer().LinkUp(l.ID)
}

// submitLinkDown tears down a lost link's routes and sessions. Invoked
// directly from a link's OnLost handler; safe to call concurrently with
// routing, since it only touches route.Table/socket.Table, each already
// safe for concurrent use on their own.
func (e *Engine) submitLinkDown(id arena.LinkID) {
	e.onLinkDown(id)
}

// submitIncoming hands an arriving data-plane packet to the command loop
// for routing.
func (e *Engine) submitIncoming(ingress arena.LinkID, pkt *packet.Packet) {
	e.cmdCh <- command{ingress: ingress, pkt: pkt}
}

// DefaultTTL is the ttl a locally-originated packet starts with, matching
// the link control protocol's own bootstrap/escalation requests
// (link.Link.request).
const DefaultTTL uint8 = 32

// Send implements spec.md §4.5's send operation for a locally-originated
// packet: it builds a packet from src/dst/payload/flags, submits it to the
// command loop for routing (delivered, forwarded, or dropped — ingress is
// 0, so a local origin is never excluded from its own broadcast flood),
// and, if flags sets FlagIsRequest, allocates a correlation id beforehand
// and suspends for the matching reply until deadline elapses. A
// fire-and-forget send (flags without FlagIsRequest) returns a nil reply
// on success.
func (e *Engine) Send(ctx context.Context, src, dst pna.Address, payload []byte, flags uint8, deadline time.Duration) (*packet.Packet, error) {
	var corr arena.Correlation
	isRequest := flags&packet.FlagIsRequest != 0
	if isRequest {
		corr = e.sockets.BeginRequest()
	}

	pkt := &packet.Packet{
		Header: packet.Header{
			Src:         src,
			Dst:         dst,
			TTL:         DefaultTTL,
			Flags:       flags,
			Correlation: uint16(corr),
		},
		Body: payload,
	}

	reply := make(chan error, 1)
	e.cmdCh <- command{pkt: pkt, reply: reply}
	if err := <-reply; err != nil {
		if isRequest {
			e.sockets.CancelRequest(corr)
		}
		return nil, err
	}
	if !isRequest {
		return nil, nil
	}
	return e.sockets.AwaitReply(ctx, corr, deadline)
}

// Reply implements spec.md §4.5's endpoint reply semantics: "reply is
// routed back using the incoming src as the new dst, the handler's own
// address as the new src, and the same correlation id." req is a request
// packet previously obtained from a KindEndpoint socket's Handle.Recv.
// Reply routes the response through the same command loop as an ordinary
// send, so it is delivered locally, matched against a waiting requester's
// AwaitReply, or forwarded back across the link it arrived on.
func (e *Engine) Reply(req *packet.Packet, payload []byte) error {
	pkt := &packet.Packet{
		Header: packet.Header{
			Src:         req.Header.Dst,
			Dst:         req.Header.Src,
			TTL:         DefaultTTL,
			Flags:       packet.FlagIsResponse,
			Correlation: req.Header.Correlation,
		},
		Body: payload,
	}
	reply := make(chan error, 1)
	e.cmdCh <- command{pkt: pkt, reply: reply}
	return <-reply
}

func (e *Engine) linkByID(id arena.LinkID) *link.Link {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.links[id]
}

// Stats returns a point-in-time snapshot of the engine's counters,
// combined with every attached link's own frame counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		RoutingDrops:       e.routingDrops.Load(),
		MailboxDrops:       e.mailboxDrops.Load(),
		AllocationsGranted: e.allocationsGranted.Load(),
		AllocationsDenied:  e.allocationsDenied.Load(),
	}
	e.mu.RLock()
	links := make([]*link.Link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.RUnlock()
	for _, l := range links {
		ls := l.Stats()
		s.FramesDecoded += ls.FramesDecoded
		s.FrameErrors += ls.FrameErrors
	}
	return s
}
