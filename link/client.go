package link

import (
	"context"

	"github.com/ergot-rs/ergot/alloc"
	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/frame"
	"github.com/ergot-rs/ergot/packet"
	"github.com/ergot-rs/ergot/pna"
)

// writePacket marshals and frames pkt and writes it to the transport.
// Writes are serialized: the underlying frame codec is not safe for
// concurrent writers, and interleaving two frames would corrupt both.
func (l *Link) writePacket(pkt *packet.Packet) error {
	raw, err := packet.Marshal(pkt)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return frame.WriteFrame(l.rw, raw)
}

// SendPacket enqueues an already-routed data-plane packet onto this link's
// bounded egress queue, for WritePump to frame and write. It is the node
// engine's sole means of pushing a forwarded or locally-originated packet
// onto a link. Per spec.md §5, a full queue is reported as WouldBlock
// rather than applying backpressure to the caller — the caller decides
// whether to retry, since the engine's own command loop must not stall
// behind one slow link.
func (l *Link) SendPacket(pkt *packet.Packet) error {
	select {
	case l.egress <- pkt:
		return nil
	default:
		return ergoterr.ErrWouldBlock
	}
}

// WritePump drains the egress queue and writes each packet to the
// transport until ctx is cancelled. It must be started once per Link,
// alongside ReadPump, before SendPacket's queue is serviced.
func (l *Link) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-l.egress:
			_ = l.writePacket(pkt)
		}
	}
}

// request sends a control request and blocks for its response, honoring
// ctx and the link's configured request timeout.
func (l *Link) request(ctx context.Context, src pna.Address, body []byte) (*packet.Packet, error) {
	corr := l.corrs.Next()
	ch := make(chan *packet.Packet, 1)
	l.pendingMu.Lock()
	l.pending[corr] = ch
	l.pendingMu.Unlock()

	pkt := &packet.Packet{
		Header: packet.Header{
			Src:         src,
			Dst:         ControlAddress,
			TTL:         32,
			Flags:       packet.FlagIsRequest,
			Correlation: uint16(corr),
		},
		Body: body,
	}
	if err := l.writePacket(pkt); err != nil {
		l.pendingMu.Lock()
		delete(l.pending, corr)
		l.pendingMu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.Header.HasFlag(packet.FlagIsError) {
			return nil, ergoterr.ErrUpstreamRefused
		}
		return resp, nil
	case <-ctx.Done():
		l.pendingMu.Lock()
		delete(l.pending, corr)
		l.pendingMu.Unlock()
		return nil, ergoterr.ErrTimeout
	}
}

// RequestInitialAddress performs the bootstrap handshake of spec.md §4.6:
// it sends a single AllocAddresses request of length seedLen to the
// well-known ControlAddress and returns the parent's granted global
// address and length. The node uses the result to construct a fresh
// alloc.Allocator via alloc.New; RequestInitialAddress also records the
// grant as this link's local base, so a later escalation via
// AllocAddresses can translate its own grants back to local offsets.
func (l *Link) RequestInitialAddress(ctx context.Context, seedLen uint8) (pna.Address, uint8, error) {
	body := append([]byte{opAllocAddresses}, encodeAllocRequests([]alloc.Request{{Len: seedLen}})...)
	resp, err := l.request(ctx, l.LocalBase(), body)
	if err != nil {
		return pna.Address{}, 0, err
	}
	if len(resp.Body) == 0 || resp.Body[0] != opAllocAddresses {
		return pna.Address{}, 0, ergoterr.ErrFrameDecode
	}
	grants, err := decodeGrants(resp.Body[1:])
	if err != nil {
		return pna.Address{}, 0, err
	}
	if len(grants) == 0 {
		return pna.Address{}, 0, ergoterr.ErrUpstreamRefused
	}
	l.SetLocalBase(grants[0].Address)
	return grants[0].Address, grants[0].Len, nil
}

// AllocAddresses implements alloc.Upstream: it sends the child's pending
// escalation requests to the parent across this link and translates the
// parent's global Grants back into this node's own local-offset space,
// relative to the base last recorded by RequestInitialAddress/SetLocalBase
// (spec.md §4.6).
func (l *Link) AllocAddresses(ctx context.Context, reqs []alloc.Request) ([]alloc.Range, error) {
	base := l.LocalBase()
	body := append([]byte{opAllocAddresses}, encodeAllocRequests(reqs)...)
	resp, err := l.request(ctx, base, body)
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 || resp.Body[0] != opAllocAddresses {
		return nil, ergoterr.ErrFrameDecode
	}
	grants, err := decodeGrants(resp.Body[1:])
	if err != nil {
		return nil, err
	}
	ranges := make([]alloc.Range, len(grants))
	for i, g := range grants {
		var offset uint32
		if base.Scope < 32 {
			offset = g.Address.Bits >> base.Scope
		}
		ranges[i] = alloc.Range{Base: offset, Len: g.Len}
	}
	return ranges, nil
}

// SubscribeMulticast sends a SubscribeMulticast request to the parent
// across this link, using this link's recorded local base as Src, per
// spec.md §4.6.
func (l *Link) SubscribeMulticast(ctx context.Context, addr pna.Address) error {
	body := append([]byte{opSubscribeMulticast}, encodeAddress(addr)...)
	_, err := l.request(ctx, l.LocalBase(), body)
	return err
}

// PublishNewPrefix sends the one-way PublishNewPrefix topic message to a
// child across this link, per spec.md §4.6. It never waits for a reply.
func (l *Link) PublishNewPrefix(newBase pna.Address) error {
	body := append([]byte{opPublishNewPrefix}, encodeAddress(newBase)...)
	pkt := &packet.Packet{
		Header: packet.Header{Src: ControlAddress, Dst: ControlAddress, TTL: 32},
		Body:   body,
	}
	return l.writePacket(pkt)
}
