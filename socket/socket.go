// Package socket implements the socket/endpoint dispatch fabric of
// spec.md §4.5: a table of address-addressable mailboxes, request/response
// correlation matching, and cancellable receive.
//
// Grounded on a saver.NewMarshaller bounded-channel worker pattern
// (github.com/m-lab/tcp-info saver/saver.go) generalized from a
// fire-and-forget marshalling queue into a request/reply mailbox, and on
// an eventsocket/client.go context-cancellable read loop — see DESIGN.md.
package socket

import (
	"context"
	"sync"
	"time"

	"github.com/ergot-rs/ergot/arena"
	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/metrics"
	"github.com/ergot-rs/ergot/packet"
	"github.com/ergot-rs/ergot/pna"
)

// Kind is a socket's dispatch discipline, per spec.md §3's Socket type.
type Kind int

const (
	// KindEndpoint is a single request/response handler: exactly one may
	// be bound to a given address.
	KindEndpoint Kind = iota
	// KindTopic fans a packet out to every topic subscriber at an
	// address; a full mailbox drops the packet for that subscriber only.
	KindTopic
	// KindAnyListener additionally receives broadcast/any traffic whose
	// scope covers its address.
	KindAnyListener
)

// AddressOwner answers whether an address is covered by this node's own
// allocation pool. Implemented by *alloc.Allocator; package socket never
// imports package alloc, to keep the dependency graph acyclic.
type AddressOwner interface {
	Contains(addr pna.Address) bool
}

type entry struct {
	id      arena.SocketID
	addr    pna.Address
	kind    Kind
	link    arena.LinkID // owning session; 0 for node-local sockets
	mailbox chan *packet.Packet
	closed  chan struct{}
	once    sync.Once
}

func (e *entry) close() {
	e.once.Do(func() { close(e.closed) })
}

// Handle is a registered socket's capability: the only way a caller can
// receive from or unregister it.
type Handle struct {
	ID      arena.SocketID
	Address pna.Address
	Kind    Kind

	table *Table
	e     *entry
}

// Recv blocks until a packet arrives for this socket, ctx is cancelled, or
// the owning session is torn down.
func (h *Handle) Recv(ctx context.Context) (*packet.Packet, error) {
	select {
	case p := <-h.e.mailbox:
		return p, nil
	case <-h.e.closed:
		return nil, ergoterr.ErrSessionLost
	case <-ctx.Done():
		return nil, ergoterr.ErrTimeout
	}
}

// Close unregisters the socket.
func (h *Handle) Close() {
	h.table.Unregister(h.ID)
}

// Table indexes every active socket on a node, plus outstanding
// request/response waiters. Table is safe for concurrent use.
type Table struct {
	mu sync.Mutex

	byAddr map[pna.Address][]*entry
	byID   map[arena.SocketID]*entry
	byLink map[arena.LinkID]map[arena.SocketID]struct{}

	pending map[arena.Correlation]chan *packet.Packet

	ids   *arena.IDs
	corrs *arena.Correlations
	owner AddressOwner
}

// New creates an empty socket table. owner may be nil if no allocator is
// wired yet; SetOwner installs one later.
func New(ids *arena.IDs, corrs *arena.Correlations, owner AddressOwner) *Table {
	return &Table{
		byAddr:  make(map[pna.Address][]*entry),
		byID:    make(map[arena.SocketID]*entry),
		byLink:  make(map[arena.LinkID]map[arena.SocketID]struct{}),
		pending: make(map[arena.Correlation]chan *packet.Packet),
		ids:     ids,
		corrs:   corrs,
		owner:   owner,
	}
}

// SetOwner installs the allocator-backed address-ownership oracle.
func (t *Table) SetOwner(owner AddressOwner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = owner
}

// Register binds a new socket at addr with the given mailbox capacity, per
// spec.md §4.5. link identifies the owning session (0 for node-local
// sockets not bound to any particular link).
func (t *Table) Register(addr pna.Address, kind Kind, mailboxCap int, link arena.LinkID) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if kind == KindEndpoint {
		for _, existing := range t.byAddr[addr] {
			if existing.kind == KindEndpoint {
				return nil, ergoterr.ErrAlreadyBound
			}
		}
		if t.owner != nil && !t.owner.Contains(addr) && !addr.IsAny() {
			return nil, ergoterr.ErrNotInPool
		}
	}

	e := &entry{
		id:      arena.SocketID(t.ids.NextSocketID()),
		addr:    addr,
		kind:    kind,
		link:    link,
		mailbox: make(chan *packet.Packet, mailboxCap),
		closed:  make(chan struct{}),
	}
	t.byAddr[addr] = append(t.byAddr[addr], e)
	t.byID[e.id] = e
	if t.byLink[link] == nil {
		t.byLink[link] = make(map[arena.SocketID]struct{})
	}
	t.byLink[link][e.id] = struct{}{}

	metrics.SocketsRegistered.Set(float64(len(t.byID)))
	return &Handle{ID: e.id, Address: addr, Kind: kind, table: t, e: e}, nil
}

// Unregister removes a socket from the table.
func (t *Table) Unregister(id arena.SocketID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
	metrics.SocketsRegistered.Set(float64(len(t.byID)))
}

func (t *Table) removeLocked(id arena.SocketID) {
	e, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if set := t.byLink[e.link]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(t.byLink, e.link)
		}
	}
	list := t.byAddr[e.addr]
	for i, existing := range list {
		if existing.id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.byAddr, e.addr)
	} else {
		t.byAddr[e.addr] = list
	}
	e.close()
}

// ContainsLocal implements route.Membership: an address is local if a
// socket is bound to it exactly, or the address falls within this node's
// own allocation.
func (t *Table) ContainsLocal(addr pna.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byAddr[addr]; ok {
		return true
	}
	return t.owner != nil && t.owner.Contains(addr)
}

// Deliver dispatches an arriving packet. Reply packets are matched to a
// pending request by correlation id alone, per spec.md §5's "replies may
// overtake later requests... correlation ids are the sole match
// criterion", regardless of destination address. Otherwise the packet is
// delivered to the exact-address socket(s): a single handler for
// KindEndpoint, or a fan-out to every KindTopic/KindAnyListener subscriber
// at that address (a full mailbox drops the packet for that subscriber
// only, never failing the whole call). A request (FlagIsRequest) addressed
// to a socket that cannot answer one — no KindEndpoint bound there, only
// topic/any-listener subscribers with no single handler to route a reply
// back through — fails with TypeMismatch before anything is enqueued.
func (t *Table) Deliver(pkt *packet.Packet) error {
	t.mu.Lock()
	if pkt.Header.HasFlag(packet.FlagIsResponse) {
		if ch, ok := t.pending[arena.Correlation(pkt.Header.Correlation)]; ok {
			delete(t.pending, arena.Correlation(pkt.Header.Correlation))
			t.mu.Unlock()
			ch <- pkt
			return nil
		}
	}
	list := t.byAddr[pkt.Header.Dst]
	t.mu.Unlock()

	if len(list) == 0 {
		return ergoterr.ErrNoSocket
	}

	if pkt.Header.HasFlag(packet.FlagIsRequest) {
		hasEndpoint := false
		for _, e := range list {
			if e.kind == KindEndpoint {
				hasEndpoint = true
				break
			}
		}
		if !hasEndpoint {
			return ergoterr.ErrTypeMismatch
		}
	}

	for _, e := range list {
		select {
		case e.mailbox <- pkt:
		default:
			metrics.MailboxDrops.WithLabelValues(pkt.Header.Dst.String()).Inc()
			if e.kind == KindEndpoint {
				return ergoterr.ErrMailboxFull
			}
			// Topic/any-listener backpressure drops the packet for this
			// subscriber only; it is not an error for the whole call.
		}
	}
	return nil
}

// DeliverBroadcast fans a broadcast/any packet out to every
// KindTopic/KindAnyListener socket whose address is covered by pkt's
// destination scope, per spec.md §4.5. The full-width any address (0^32)
// is the network-wide broadcast and reaches every such socket whatever its
// scope. It never returns an error: a full
// mailbox just drops the packet for that subscriber (counted in
// metrics.MailboxDrops).
func (t *Table) DeliverBroadcast(pkt *packet.Packet) (delivered int) {
	dst := pkt.Header.Dst
	networkWide := dst.IsAny() && dst.Scope == pna.MaxScope
	t.mu.Lock()
	targets := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		if e.kind == KindEndpoint {
			continue
		}
		if networkWide || dst.Contains(e.addr) {
			targets = append(targets, e)
		}
	}
	t.mu.Unlock()

	for _, e := range targets {
		select {
		case e.mailbox <- pkt:
			delivered++
		default:
			metrics.MailboxDrops.WithLabelValues(pkt.Header.Dst.String()).Inc()
		}
	}
	return delivered
}

// BeginRequest allocates a correlation id and registers a waiter for its
// reply. The caller must eventually call AwaitReply or CancelRequest with
// the returned id to avoid leaking the waiter entry.
func (t *Table) BeginRequest() arena.Correlation {
	corr := t.corrs.Next()
	t.mu.Lock()
	t.pending[corr] = make(chan *packet.Packet, 1)
	t.mu.Unlock()
	return corr
}

// AwaitReply blocks until the reply for corr arrives, ctx is cancelled, or
// deadline elapses, per spec.md §4.5's "suspends waiting for a matching
// reply until a user-supplied deadline".
func (t *Table) AwaitReply(ctx context.Context, corr arena.Correlation, deadline time.Duration) (*packet.Packet, error) {
	t.mu.Lock()
	ch, ok := t.pending[corr]
	t.mu.Unlock()
	if !ok {
		return nil, ergoterr.ErrTimeout
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		t.CancelRequest(corr)
		return nil, ergoterr.ErrTimeout
	case <-timer.C:
		t.CancelRequest(corr)
		return nil, ergoterr.ErrTimeout
	}
}

// CancelRequest removes a pending waiter without a reply, e.g. after a
// timeout or context cancellation.
func (t *Table) CancelRequest(corr arena.Correlation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, corr)
}

// CloseSession tears down every socket owned by link's session and wakes
// any blocked Recv with ErrSessionLost, per spec.md §4.7's link-disconnect
// handling.
func (t *Table) CloseSession(link arena.LinkID) {
	t.mu.Lock()
	ids := make([]arena.SocketID, 0, len(t.byLink[link]))
	for id := range t.byLink[link] {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.mu.Lock()
		t.removeLocked(id)
		t.mu.Unlock()
	}
	metrics.SocketsRegistered.Set(float64(t.count()))
}

func (t *Table) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
