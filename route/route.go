// Package route implements the routing table of spec.md §4.4: it decides,
// for a given destination address, whether a packet should be delivered
// locally, forwarded to a specific child link, broadcast, or dropped.
//
// Grounded on gaissmai-bart's longest/best-match prefix table shape
// (`barttable.go`) for the lookup structure, and S7evinK-pinecone's
// `router/peer.go` for the per-peer (here, per-link) routing-entry
// bookkeeping in a tree-structured mesh — see DESIGN.md.
package route

import (
	"sync"

	"github.com/ergot-rs/ergot/arena"
	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/metrics"
	"github.com/ergot-rs/ergot/pna"
)

// DecisionKind is the outcome of routing a destination address.
type DecisionKind int

const (
	// LocalSockets means dst belongs to this node's own socket table or
	// address pool.
	LocalSockets DecisionKind = iota
	// Forward means dst should be re-enqueued on Decision.Link.
	Forward
	// Broadcast means dst is the any/all address with the broadcast flag
	// set; the caller should flood to BroadcastTargets.
	Broadcast
	// Drop means no route exists, per Decision.Reason.
	Drop
)

// Decision is the result of Table.Route, mirroring spec.md §4.4's
// `{LocalSockets, Forward(link_id), Broadcast(excl_link_id), Drop(Reason)}`.
type Decision struct {
	Kind    DecisionKind
	Link    arena.LinkID        // valid when Kind == Forward
	Exclude arena.LinkID        // left zero by Route (it has no ingress argument); BroadcastTargets excludes ingress
	Reason  ergoterr.DropReason // valid when Kind == Drop
}

// Membership answers whether an address is served locally — by a
// registered socket or by this node's own address pool. Implemented by
// socket.Table, which checks both its own sockets and the allocator it was
// given; route never imports package socket or package alloc, to keep the
// dependency graph acyclic (the node engine wires them together).
type Membership interface {
	ContainsLocal(addr pna.Address) bool
}

// Table is a node's routing table: one entry per child link, plus an
// optional parent link. Table is safe for concurrent use (spec.md §5
// requires it, since the host deployment shape drives links from
// independent goroutines).
type Table struct {
	mu sync.RWMutex

	children map[arena.LinkID]pna.Address // child link -> prefix of its granted range
	parent   *arena.LinkID

	local Membership
}

// New creates an empty Table. local may be nil during construction and set
// later via SetLocal, to break the initialization cycle between a node's
// routing table and its socket/allocator state.
func New(local Membership) *Table {
	return &Table{
		children: make(map[arena.LinkID]pna.Address),
		local:    local,
	}
}

// SetLocal installs the local-membership oracle.
func (t *Table) SetLocal(local Membership) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = local
}

// Install adds or replaces the routing entry for a child link, per spec.md
// §4.4's "updates invoked by the allocator when a child is granted a
// range".
func (t *Table) Install(link arena.LinkID, prefix pna.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children[link] = prefix
}

// Remove deletes the routing entry for a link, invoked when a link dies.
func (t *Table) Remove(link arena.LinkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.children, link)
	if t.parent != nil && *t.parent == link {
		t.parent = nil
	}
}

// SetParentLink records the link toward this node's parent, or clears it
// if link is nil.
func (t *Table) SetParentLink(link *arena.LinkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parent = link
}

// ParentLink returns the current parent link, if any.
func (t *Table) ParentLink() (arena.LinkID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.parent == nil {
		return 0, false
	}
	return *t.parent, true
}

// Entry describes one child routing table entry, for the operator snapshot
// (SPEC_FULL.md §6).
type Entry struct {
	Link   arena.LinkID
	Prefix pna.Address
}

// Snapshot returns every current child routing entry.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.children))
	for link, prefix := range t.children {
		out = append(out, Entry{Link: link, Prefix: prefix})
	}
	return out
}

// Route decides how a packet addressed to dst, carrying the given
// broadcast flag, should be handled, per spec.md §4.4's precedence order.
func (t *Table) Route(dst pna.Address, broadcast bool) Decision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if dst.IsAny() && broadcast {
		// The flood assumes an acyclic topology: nothing here detects or
		// suppresses a broadcast that comes back over another link.
		metrics.RoutingDecisions.WithLabelValues("broadcast", "").Inc()
		return Decision{Kind: Broadcast}
	}

	if t.local != nil && t.local.ContainsLocal(dst) {
		metrics.RoutingDecisions.WithLabelValues("local", "").Inc()
		return Decision{Kind: LocalSockets}
	}

	if link, ok := t.childForLocked(dst); ok {
		metrics.RoutingDecisions.WithLabelValues("forward", "").Inc()
		return Decision{Kind: Forward, Link: link}
	}

	if t.parent != nil {
		metrics.RoutingDecisions.WithLabelValues("forward", "").Inc()
		return Decision{Kind: Forward, Link: *t.parent}
	}

	metrics.RoutingDecisions.WithLabelValues("drop", ergoterr.DropNoRoute.String()).Inc()
	return Decision{Kind: Drop, Reason: ergoterr.DropNoRoute}
}

func (t *Table) childForLocked(dst pna.Address) (arena.LinkID, bool) {
	for link, prefix := range t.children {
		if prefix.Contains(dst) {
			return link, true
		}
	}
	return 0, false
}

// BroadcastTargets returns the links a broadcast to dst should flood to:
// every child link whose range intersects dst's scope, plus the parent
// link if present, excluding ingress. Per spec.md §4.4 item 1 and the S6
// testable property (spec.md §8), the ingress link is never a target.
func (t *Table) BroadcastTargets(dst pna.Address, ingress arena.LinkID) []arena.LinkID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []arena.LinkID
	for link, prefix := range t.children {
		if link == ingress {
			continue
		}
		if scopeIntersects(prefix, dst) {
			out = append(out, link)
		}
	}
	if t.parent != nil && *t.parent != ingress {
		out = append(out, *t.parent)
	}
	return out
}

// scopeIntersects reports whether a link's range could contain any
// address matching dst's scope. The network-wide broadcast sentinel (bits
// all zero, spec.md §4.4's "any/all address") intersects every prefix
// regardless of its bits — broadcast reaches the whole tree, not just
// children whose own bits happen to agree with zero. A narrower,
// non-sentinel dst still uses plain prefix containment.
func scopeIntersects(prefix, dst pna.Address) bool {
	if dst.IsAny() {
		return true
	}
	if prefix.Scope <= dst.Scope {
		return prefix.Contains(dst)
	}
	return dst.Contains(prefix)
}

// DecrementTTL applies spec.md §4.4's TTL rule: a packet arriving with
// ttl == 0 is dropped with Drop(TtlExpired) instead of being forwarded;
// otherwise it is forwarded with ttl decremented by one.
func DecrementTTL(ttl uint8) (next uint8, ok bool) {
	if ttl == 0 {
		return 0, false
	}
	return ttl - 1, true
}
