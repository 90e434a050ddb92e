// Package alloc implements the per-node address allocator (spec.md §4.3):
// pool management, atomic multi-range allocation, coalescing free, multicast
// subscription bookkeeping, and upstream escalation.
//
// Internal bookkeeping (the Pool and live/free ranges) operates in the
// node's own LOCAL OFFSET space — integer offsets in [0, 2^(32-base.Scope))
// — rather than directly in global wire-address space. An allocated local
// offset range becomes a global pna.Address only when combined with the
// node's current base (see GlobalBase): Bits = base.Bits | (offset <<
// base.Scope), at a Scope of at least base.Scope+len (GlobalBase widens it
// further when the bits need more room). This is what makes Rebase (spec.md
// §4.3) a constant-time operation: changing the node's base never touches a
// single live allocation, because none of them are expressed in terms of
// the old base to begin with. See DESIGN.md for the reasoning behind this
// choice, which spec.md leaves to the implementation.
//
// Grounded on the pool/allocation shape of moby-moby's libnetwork ipam
// allocator and k3s's vendored ipallocator (bitmap-based, atomic
// all-or-nothing ranges) — see DESIGN.md.
package alloc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/metrics"
	"github.com/ergot-rs/ergot/pna"
)

// Flags control allocation placement and eligibility, per spec.md §3.
type Flags uint8

const (
	// AllowMulticast marks an allocation as eligible for
	// SubscribeMulticast.
	AllowMulticast Flags = 1 << iota
	// AllowUnaligned permits the allocator to place the range at any
	// offset inside a candidate free span, not just a multiple of its
	// size.
	AllowUnaligned
)

// Request asks the allocator for 2^Len fresh addresses, per spec.md §4.3
// and the wire encoding in spec.md §6. At requests a specific local-offset
// base instead of first-fit placement (spec.md §2's "allocations (specific
// and range)"); it is a purely local concept with no wire representation
// (§4.6's AllocAddresses body carries only {len, flags}), so a specific
// request is never forwarded to an upstream escalation.
type Request struct {
	Len   uint8
	Flags Flags
	At    *uint32
}

// Upstream is how an allocator escalates to its parent when its local pool
// is exhausted. Implemented by the link layer (the AllocAddresses wire
// endpoint, spec.md §4.6) so that package alloc never needs to know about
// links, framing, or sockets.
type Upstream interface {
	AllocAddresses(ctx context.Context, reqs []Request) ([]Range, error)
}

// DefaultUpstreamTimeout is the default deadline for an escalation request,
// per spec.md §5.
const DefaultUpstreamTimeout = time.Second

type liveAlloc struct {
	Range Range
	Flags Flags
}

// Allocator is a per-node pool manager. The zero value is not usable; use
// New. Allocator is safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	base pna.Address // this node's own granted identity within its parent

	pool []Range          // granted local-offset ranges, in grant order
	free []span           // free local-offset spans, sorted and coalesced
	live map[uint32]*liveAlloc
	mcast map[uint32]struct{}

	upstream        Upstream
	upstreamTimeout time.Duration
}

// New creates an Allocator for a node whose own identity is base, seeded
// with a single best-guess local-offset range of size 2^seedLen (spec.md
// §3: "Initially seeded with a single best-guess range"). upstream may be
// nil (the apex node has no parent to escalate to).
func New(base pna.Address, seedLen uint8, upstream Upstream) *Allocator {
	seed := Range{Base: 0, Len: seedLen}
	return &Allocator{
		base:            base,
		pool:            []Range{seed},
		free:            []span{{Base: 0, End: seed.End()}},
		live:            make(map[uint32]*liveAlloc),
		mcast:           make(map[uint32]struct{}),
		upstream:        upstream,
		upstreamTimeout: DefaultUpstreamTimeout,
	}
}

// Base returns the node's current identity, as last set by New or Rebase.
func (a *Allocator) Base() pna.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.base
}

// GlobalBase returns the global address identifying a local-offset range
// previously returned by AllocMany. Its scope is base.Scope+r.Len, widened
// further (up to 32) when the offset's bits do not fit in that scope: wide
// enough to distinguish this grant from any sibling grant, while still
// agreeing with the node's own base in the low base.Scope bits (so a
// route.Table entry built from it is a valid PNA prefix for the whole
// granted range, per spec.md §4.4).
func (a *Allocator) GlobalBase(r Range) pna.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.globalBaseLocked(r)
}

func (a *Allocator) globalBaseLocked(r Range) pna.Address {
	bits := a.base.Bits
	if a.base.Scope < 32 {
		bits |= r.Base << a.base.Scope
	}
	scope := a.base.Scope + r.Len
	if scope > 32 {
		scope = 32
	}
	// base.Scope+r.Len is the common case, but a grant placed at a high
	// offset by the allocator's first-fit search can carry more
	// significant bits than r.Len alone accounts for; widen until bits
	// actually fits scope rather than emit a malformed Address.
	for scope < 32 && bits >= (uint32(1)<<scope) {
		scope++
	}
	return pna.Address{Bits: bits, Scope: scope}
}

// AllocMany grants every request in reqs, or none of them, per spec.md
// §4.3's atomicity requirement. On success it returns one Range per
// request, in the same order. Each returned range's Len equals the
// requested Len exactly (this allocator never grants a larger range than
// requested, though spec.md permits it).
func (a *Allocator) AllocMany(ctx context.Context, reqs []Request) ([]Range, error) {
	for _, r := range reqs {
		if r.Len == 0 || r.Len >= 32 {
			metrics.AllocationsDenied.WithLabelValues("invalid_len").Inc()
			return nil, ergoterr.ErrInvalidLen
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// A specific-address request whose range does not lie inside a single
	// free span (it overlaps a live allocation or falls outside the pool) is
	// a Conflict, not Exhausted: escalating to the parent cannot
	// free up a local offset this node has already granted, so there is
	// nothing to retry after the check below fails.
	for _, r := range reqs {
		if r.At == nil {
			continue
		}
		size := uint64(1) << r.Len
		if !spanFree(a.free, uint64(*r.At), uint64(*r.At)+size) {
			metrics.AllocationsDenied.WithLabelValues("conflict").Inc()
			return nil, ergoterr.ErrConflict
		}
	}

	grants, ok := tryPlace(a.free, reqs)
	escalated := false
	if !ok {
		if a.upstream == nil {
			metrics.AllocationsDenied.WithLabelValues("exhausted").Inc()
			return nil, ergoterr.ErrExhausted
		}
		if err := a.escalateLocked(ctx, reqs); err != nil {
			metrics.AllocationsDenied.WithLabelValues("exhausted").Inc()
			return nil, ergoterr.ErrExhausted
		}
		escalated = true
		grants, ok = tryPlace(a.free, reqs)
		if !ok {
			metrics.AllocationsDenied.WithLabelValues("exhausted").Inc()
			return nil, ergoterr.ErrExhausted
		}
	}

	// Commit: remove each grant from free, add to live.
	newFree := a.free
	for _, g := range grants {
		newFree = removeSpan(newFree, g.Base, g.End())
	}
	a.free = newFree
	out := make([]Range, len(grants))
	for i, g := range grants {
		a.live[g.Base] = &liveAlloc{Range: g, Flags: reqs[i].Flags}
		out[i] = g
	}
	metrics.AllocationsGranted.WithLabelValues(boolLabel(escalated)).Add(float64(len(grants)))
	metrics.PoolUtilization.Set(a.utilizationLocked())
	return out, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// escalateLocked issues an upstream AllocAddresses request sized to the
// pending requirement rounded up to a power of two, per spec.md §4.3, and
// adds the result to the pool. Caller must hold a.mu.
func (a *Allocator) escalateLocked(ctx context.Context, reqs []Request) error {
	var total uint64
	for _, r := range reqs {
		total += uint64(1) << r.Len
	}
	need := nextPow2Len(total)

	ctx, cancel := context.WithTimeout(ctx, a.upstreamTimeout)
	defer cancel()

	granted, err := a.upstream.AllocAddresses(ctx, []Request{{Len: need}})
	if err != nil {
		return ergoterr.ErrUpstreamRefused
	}
	for _, g := range granted {
		a.pool = append(a.pool, g)
		a.free = insertSpan(a.free, span{Base: uint64(g.Base), End: g.End()})
	}
	return nil
}

// Free returns a previously granted range to the pool, coalescing it with
// adjacent free spans (spec.md §4.3's coalescing requirement, needed for
// the "first-fit same result" property in spec.md §8 item 4).
func (a *Allocator) Free(r Range) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.live[r.Base]
	if !ok || existing.Range.Len != r.Len {
		return ergoterr.ErrNotInPool
	}
	delete(a.live, r.Base)
	delete(a.mcast, r.Base)
	a.free = insertSpan(a.free, span{Base: uint64(r.Base), End: r.End()})
	metrics.PoolUtilization.Set(a.utilizationLocked())
	return nil
}

// SubscribeMulticast records that this node additionally responds to the
// global address addr. Only permitted when addr falls within a live
// allocation created with AllowMulticast (spec.md §4.3).
func (a *Allocator) SubscribeMulticast(addr pna.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset, ok := a.toLocalLocked(addr)
	if !ok {
		return ergoterr.ErrMulticastNotPermitted
	}
	for base, live := range a.live {
		if live.Range.Contains(offset) && live.Flags&AllowMulticast != 0 {
			a.mcast[offset] = struct{}{}
			_ = base
			return nil
		}
	}
	return ergoterr.ErrMulticastNotPermitted
}

// IsSubscribed reports whether addr has been subscribed via
// SubscribeMulticast.
func (a *Allocator) IsSubscribed(addr pna.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	offset, ok := a.toLocalLocked(addr)
	if !ok {
		return false
	}
	_, subscribed := a.mcast[offset]
	return subscribed
}

// Rebase implements the rebase operation of spec.md §4.3: the node's own
// identity changes to newBase, while every live allocation's local offset
// is untouched. Because allocations are stored purely as local offsets,
// this is the entire operation — no allocation bookkeeping is touched.
//
// Open question (spec.md §9, flagged rather than resolved): whether
// multicast subscriptions survive a rebase is left to the caller. This
// method does not re-validate or re-subscribe existing subscriptions; if
// the new base would make a previously-valid global multicast address
// meaningless to peers, the caller (node engine) is responsible for
// deciding whether to re-subscribe.
func (a *Allocator) Rebase(newBase pna.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.base = newBase
}

// Contains reports whether addr falls within a live local allocation.
func (a *Allocator) Contains(addr pna.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	offset, ok := a.toLocalLocked(addr)
	if !ok {
		return false
	}
	for _, live := range a.live {
		if live.Range.Contains(offset) {
			return true
		}
	}
	return false
}

// toLocalLocked converts a global address into this node's local offset
// space, returning ok=false if addr does not share this node's base.
func (a *Allocator) toLocalLocked(addr pna.Address) (uint32, bool) {
	if addr.Scope < a.base.Scope {
		return 0, false
	}
	m := uint32(0)
	if a.base.Scope > 0 {
		m = (uint32(1) << a.base.Scope) - 1
	}
	if addr.Bits&m != a.base.Bits&m {
		return 0, false
	}
	if a.base.Scope >= 32 {
		return 0, true
	}
	return addr.Bits >> a.base.Scope, true
}

// LiveInfo describes one live allocation, for the operator snapshot
// (SPEC_FULL.md §6).
type LiveInfo struct {
	Range     Range
	Flags     Flags
	Multicast bool
}

// LiveSnapshot returns every currently live allocation.
func (a *Allocator) LiveSnapshot() []LiveInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]LiveInfo, 0, len(a.live))
	for base, la := range a.live {
		_, subscribed := a.mcast[base]
		out = append(out, LiveInfo{Range: la.Range, Flags: la.Flags, Multicast: subscribed})
	}
	return out
}

// Utilization returns the fraction of the pool currently allocated.
func (a *Allocator) Utilization() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.utilizationLocked()
}

func (a *Allocator) utilizationLocked() float64 {
	var total, used uint64
	for _, r := range a.pool {
		total += uint64(r.Count())
	}
	if total == 0 {
		return 0
	}
	for _, l := range a.live {
		used += uint64(l.Range.Count())
	}
	return float64(used) / float64(total)
}

// nextPow2Len returns the smallest exponent e such that 2^e >= n, but never
// less than 1 (a Len of 0 is not a valid request).
func nextPow2Len(n uint64) uint8 {
	if n == 0 {
		return 1
	}
	var e uint8
	for (uint64(1) << e) < n {
		e++
	}
	if e == 0 {
		e = 1
	}
	return e
}

// sortRangesByBase sorts rs in place by ascending Base. Nothing in the
// module calls it at present.
func sortRangesByBase(rs []Range) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Base < rs[j].Base })
}
