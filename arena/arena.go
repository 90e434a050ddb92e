// Package arena hands out stable identifiers for links and sockets.
//
// Per spec.md §9's Design Notes, links and sockets do not hold references to
// each other directly — the allocator, routing table, and socket table hold
// plain ids, and an owning arena is the sole holder of the real objects.
// This sidesteps the cyclic-ownership problem a graph of mutual references
// would create.
//
// Adapted from a uuid package that produces a stable per-connection
// identifier from boot-time + socket cookie; ergot nodes have no kernel
// socket cookies, so identifiers are instead handed out by a monotonically
// increasing atomic counter, scoped per process.
package arena

import "go.uber.org/atomic"

// LinkID identifies a link for the lifetime of the node process.
type LinkID uint64

// SocketID identifies a socket for the lifetime of the node process.
type SocketID uint64

// Correlation is a 16-bit wire correlation id (spec.md §3/§6). It wraps
// around, as spec.md §8 item 8 only requires uniqueness among outstanding
// requests, not globally.
type Correlation uint16

// IDs generates successive LinkIDs and SocketIDs. The zero value is ready
// to use; IDs is safe for concurrent use.
type IDs struct {
	nextLink   atomic.Uint64
	nextSocket atomic.Uint64
}

// NextLinkID returns a LinkID never before returned by this IDs instance.
func (g *IDs) NextLinkID() LinkID {
	return LinkID(g.nextLink.Inc())
}

// NextSocketID returns a SocketID never before returned by this IDs
// instance.
func (g *IDs) NextSocketID() SocketID {
	return SocketID(g.nextSocket.Inc())
}

// Correlations hands out wire correlation ids from a wrapping 16-bit
// counter. Per spec.md §5, correlation ids are the sole match criterion for
// replies, and spec.md §8 item 8 requires uniqueness only among the
// currently outstanding (at most 2^16) requests — a wrapping counter
// satisfies this as long as fewer than 2^16 requests are outstanding at
// once. Ids are not tracked or released: the counter simply wraps.
type Correlations struct {
	next atomic.Uint32
}

// Next returns the next correlation id in sequence, wrapping modulo 2^16.
func (c *Correlations) Next() Correlation {
	return Correlation(uint16(c.next.Inc()))
}
