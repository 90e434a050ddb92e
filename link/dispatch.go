package link

import (
	"context"
	"strconv"

	"github.com/ergot-rs/ergot/arena"
	"github.com/ergot-rs/ergot/packet"
)

func arenaLinkLabel(id arena.LinkID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// dispatch routes a decoded packet to a reply waiter, a control handler,
// or the node's ordinary data-plane Deliver callback.
func (l *Link) dispatch(ctx context.Context, pkt *packet.Packet) {
	if pkt.Header.HasFlag(packet.FlagIsResponse) {
		if l.completeWaiter(arena.Correlation(pkt.Header.Correlation), pkt) {
			return
		}
	}

	if pkt.Header.Dst == ControlAddress && len(pkt.Body) > 0 {
		l.handleControl(ctx, pkt)
		return
	}

	if h := l.handlersSnapshot(); h.Deliver != nil {
		h.Deliver(pkt)
	}
}

func (l *Link) completeWaiter(corr arena.Correlation, pkt *packet.Packet) bool {
	l.pendingMu.Lock()
	ch, ok := l.pending[corr]
	if ok {
		delete(l.pending, corr)
	}
	l.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- pkt
	return true
}

func (l *Link) handleControl(ctx context.Context, pkt *packet.Packet) {
	opcode := pkt.Body[0]
	body := pkt.Body[1:]
	h := l.handlersSnapshot()

	switch opcode {
	case opAllocAddresses:
		if !pkt.Header.HasFlag(packet.FlagIsRequest) || h.AllocAddresses == nil {
			return
		}
		reqs, err := decodeAllocRequests(body)
		if err != nil {
			l.replyError(pkt)
			return
		}
		grants, err := h.AllocAddresses(ctx, reqs)
		if err != nil {
			l.replyError(pkt)
			return
		}
		l.replyOK(pkt, append([]byte{opAllocAddresses}, encodeGrants(grants)...))

	case opSubscribeMulticast:
		if !pkt.Header.HasFlag(packet.FlagIsRequest) || h.SubscribeMulticast == nil {
			return
		}
		addr, err := decodeAddress(body)
		if err != nil {
			l.replyError(pkt)
			return
		}
		if err := h.SubscribeMulticast(ctx, addr); err != nil {
			l.replyError(pkt)
			return
		}
		l.replyOK(pkt, []byte{opSubscribeMulticast})

	case opPublishNewPrefix:
		if h.PublishNewPrefix == nil {
			return
		}
		addr, err := decodeAddress(body)
		if err != nil {
			return
		}
		h.PublishNewPrefix(addr)
	}
}

func (l *Link) replyOK(req *packet.Packet, body []byte) {
	reply := &packet.Packet{
		Header: packet.Header{
			Src:         req.Header.Dst,
			Dst:         req.Header.Src,
			Flags:       packet.FlagIsResponse,
			Correlation: req.Header.Correlation,
			TTL:         req.Header.TTL,
		},
		Body: body,
	}
	_ = l.writePacket(reply)
}

func (l *Link) replyError(req *packet.Packet) {
	reply := &packet.Packet{
		Header: packet.Header{
			Src:         req.Header.Dst,
			Dst:         req.Header.Src,
			Flags:       packet.FlagIsResponse | packet.FlagIsError,
			Correlation: req.Header.Correlation,
			TTL:         req.Header.TTL,
		},
	}
	_ = l.writePacket(reply)
}
