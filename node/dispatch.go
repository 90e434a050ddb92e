package node

import (
	"context"

	"github.com/ergot-rs/ergot/alloc"
	"github.com/ergot-rs/ergot/arena"
	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/link"
	"github.com/ergot-rs/ergot/packet"
	"github.com/ergot-rs/ergot/pna"
	"github.com/ergot-rs/ergot/route"
)

// route is the command loop's packet-handling step, per spec.md §4.4's
// decision precedence (broadcast, local, forward, drop). It runs serialized
// on the engine's single goroutine, so installing/removing routes never
// races with a routing decision made against them.
func (e *Engine) route(ingress arena.LinkID, pkt *packet.Packet) error {
	broadcast := pkt.Header.HasFlag(packet.FlagBroadcast)
	decision := e.routes.Route(pkt.Header.Dst, broadcast)

	switch decision.Kind {
	case route.LocalSockets:
		if err := e.sockets.Deliver(pkt); err != nil {
			e.mailboxDrops.Inc()
			return err
		}
		return nil

	case route.Forward:
		return e.forward(ingress, pkt, decision.Link)

	case route.Broadcast:
		e.sockets.DeliverBroadcast(pkt)
		for _, target := range e.routes.BroadcastTargets(pkt.Header.Dst, ingress) {
			if err := e.forward(ingress, pkt, target); err != nil {
				e.logger.Printf("broadcast flood to link %d: %v", target, err)
			}
		}
		return nil

	default: // route.Drop
		e.routingDrops.Inc()
		e.emitDropReply(ingress, pkt)
		return decision.Reason.Err()
	}
}

// forward decrements TTL and writes pkt to the named egress link, per
// spec.md §4.4's TTL rule.
func (e *Engine) forward(ingress arena.LinkID, pkt *packet.Packet, egress arena.LinkID) error {
	next, ok := route.DecrementTTL(pkt.Header.TTL)
	if !ok {
		e.routingDrops.Inc()
		e.emitDropReply(ingress, pkt)
		return ergoterr.ErrTTLExpired
	}
	l := e.linkByID(egress)
	if l == nil {
		e.routingDrops.Inc()
		e.emitDropReply(ingress, pkt)
		return ergoterr.ErrNoRoute
	}
	out := &packet.Packet{Header: pkt.Header, Body: pkt.Body}
	out.Header.TTL = next
	return l.SendPacket(out)
}

// emitDropReply implements spec.md §7's best-effort error response: "if it
// was a request carrying a correlation id and the ingress link is still
// up, a best-effort error-response packet (is_error flag, empty body) is
// emitted toward the source." A locally-originated packet (ingress == 0)
// has no link to reply across — its caller already observes the drop
// directly as Send's returned error.
func (e *Engine) emitDropReply(ingress arena.LinkID, pkt *packet.Packet) {
	if !pkt.Header.HasFlag(packet.FlagIsRequest) || ingress == 0 {
		return
	}
	l := e.linkByID(ingress)
	if l == nil {
		return
	}
	reply := &packet.Packet{
		Header: packet.Header{
			Src:         pkt.Header.Dst,
			Dst:         pkt.Header.Src,
			TTL:         DefaultTTL,
			Flags:       packet.FlagIsError,
			Correlation: pkt.Header.Correlation,
		},
	}
	_ = l.SendPacket(reply)
}

// AttachParentLink wires l as this node's uplink: it performs the bootstrap
// handshake, installs a fresh allocator built from the grant (with l as its
// escalation path), installs l as the routing table's parent link, and
// starts l's read and write pumps. It always bootstraps: an allocator left
// from a previous attach is replaced, and its live allocations are not
// carried over. Per spec.md §4.6, a child has exactly one parent-facing link.
func (e *Engine) AttachParentLink(ctx context.Context, l *link.Link, seedLen uint8) error {
	l.SetHandlers(link.Handlers{
		Deliver: func(pkt *packet.Packet) { e.submitIncoming(l.ID, pkt) },
		PublishNewPrefix: func(newBase pna.Address) {
			e.handleReprefix(l, newBase)
		},
		OnLost: func() { e.submitLinkDown(l.ID) },
	})

	go l.ReadPump(ctx)
	go l.WritePump(ctx)

	l.MarkRequestingInitial()
	addr, length, err := l.RequestInitialAddress(ctx, seedLen)
	if err != nil {
		l.MarkLost()
		return err
	}
	l.MarkBound()

	e.setAllocator(alloc.New(addr, length, l))
	id := l.ID
	e.routes.SetParentLink(&id)
	e.attachLink(l)
	return nil
}

// handleReprefix applies a parent's PublishNewPrefix notification: the
// node's own identity rebases, per spec.md §4.3's Rebase operation — every
// live allocation's local offset is untouched, only the node's base
// changes.
func (e *Engine) handleReprefix(l *link.Link, newBase pna.Address) {
	a := e.Allocator()
	if a == nil {
		return
	}
	a.Rebase(newBase)
	l.SetLocalBase(newBase)
	e.logger.Printf("link %d: rebased to %s", l.ID, newBase)
	e.eventsServer().Reprefixed(newBase)
}

// AttachChildLink wires l as a downstream link: this node acts as the
// parent side of the AllocAddresses/SubscribeMulticast control endpoints
// (spec.md §4.6), serving requests out of its own allocator. A successful
// AllocAddresses grant installs a routing entry for l (spec.md §4.4's
// "updates invoked by the allocator when a child is granted a range").
func (e *Engine) AttachChildLink(ctx context.Context, l *link.Link) {
	l.SetHandlers(link.Handlers{
		AllocAddresses: func(ctx context.Context, reqs []alloc.Request) ([]link.Grant, error) {
			return e.grantToChild(l.ID, reqs)
		},
		SubscribeMulticast: func(ctx context.Context, addr pna.Address) error {
			a := e.Allocator()
			if a == nil {
				return ergoterr.ErrMulticastNotPermitted
			}
			return a.SubscribeMulticast(addr)
		},
		Deliver: func(pkt *packet.Packet) { e.submitIncoming(l.ID, pkt) },
		OnLost:  func() { e.submitLinkDown(l.ID) },
	})
	l.MarkBound()
	go l.ReadPump(ctx)
	go l.WritePump(ctx)
	e.attachLink(l)
}

// grantToChild serves an AllocAddresses request arriving on a child link,
// out of this node's own allocator, and installs a routing entry for the
// granted range. It is the same path for a child's initial bootstrap
// request and a later escalation request; both arrive as an
// AllocAddresses control message and both are served identically from the
// parent's point of view (spec.md §4.6).
func (e *Engine) grantToChild(childLink arena.LinkID, reqs []alloc.Request) ([]link.Grant, error) {
	a := e.Allocator()
	if a == nil {
		e.allocationsDenied.Add(uint64(len(reqs)))
		e.eventsServer().AllocDenied(childLink)
		return nil, ergoterr.ErrExhausted
	}
	ranges, err := a.AllocMany(ctx(), reqs)
	if err != nil {
		e.allocationsDenied.Add(uint64(len(reqs)))
		e.eventsServer().AllocDenied(childLink)
		return nil, err
	}
	grants := make([]link.Grant, len(ranges))
	for i, r := range ranges {
		addr := a.GlobalBase(r)
		grants[i] = link.Grant{Address: addr, Len: r.Len}
		e.routes.Install(childLink, addr)
		e.eventsServer().AllocGranted(childLink, addr, r.Len)
	}
	e.allocationsGranted.Add(uint64(len(grants)))
	return grants, nil
}

// ctx returns a background context for allocator escalation calls made from
// within a control-message handler, which does not carry the requester's
// own context across the wire.
func ctx() context.Context { return context.Background() }
