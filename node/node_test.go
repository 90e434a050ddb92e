package node

import (
	"context"
	"log"
	"net"
	"testing"
	"time"

	"github.com/ergot-rs/ergot/alloc"
	"github.com/ergot-rs/ergot/arena"
	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/link"
	"github.com/ergot-rs/ergot/packet"
	"github.com/ergot-rs/ergot/pna"
	"github.com/ergot-rs/ergot/socket"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	return New(cfg, log.New(testWriter{t}, "", 0))
}

// testWriter adapts *testing.T into an io.Writer so engine log output
// lands in the test's own output instead of stdout.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// attach builds a net.Pipe between parent and child, runs both engines,
// attaches parentSide as a child link of parent and childSide as the
// parent link of child, and returns once the bootstrap handshake settles.
func attach(t *testing.T, ctx context.Context, parent, child *Engine, seedLen uint8) (parentLinkID, childLinkID arena.LinkID, parentConn, childConn net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	go parent.Run(ctx)
	go child.Run(ctx)

	parentLinkID = parent.NextLinkID()
	childLinkID = child.NextLinkID()

	parentSide := link.NewStreamLink(parentLinkID, a, link.DefaultConfig())
	childSide := link.NewStreamLink(childLinkID, b, link.DefaultConfig())

	parent.AttachChildLink(ctx, parentSide)
	if err := child.AttachParentLink(ctx, childSide, seedLen); err != nil {
		t.Fatalf("AttachParentLink: %v", err)
	}
	return parentLinkID, childLinkID, a, b
}

// S1 — Bootstrap: a child attaches to an apex via one link, the apex
// grants an aligned range, and both sides install their half of the route.
func TestBootstrap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	apex := testEngine(t)
	apex.Bootstrap(pna.Address{Bits: 0, Scope: 0}, 10)

	child := testEngine(t)
	parentLinkID, _, _, _ := attach(t, ctx, apex, child, 8)

	childBase := child.Allocator().Base()
	if !childBase.IsValid() {
		t.Fatalf("child base %v is not well-formed", childBase)
	}
	if childBase.Scope != 8 {
		t.Errorf("child base scope = %d, want 8", childBase.Scope)
	}

	if pl, ok := child.Routes().ParentLink(); !ok {
		t.Error("child has no parent route installed")
	} else if pl == 0 {
		t.Error("child parent link id is zero")
	}

	found := false
	for _, e := range apex.Routes().Snapshot() {
		if e.Link == parentLinkID && e.Prefix == childBase {
			found = true
		}
	}
	if !found {
		t.Errorf("apex routing table missing child route %v -> link %d; got %+v", childBase, parentLinkID, apex.Routes().Snapshot())
	}
}

// S4 — Exhaustion with escalation: a node whose local pool is too small to
// satisfy a request escalates to its parent and succeeds; when the parent
// refuses, the call fails with Exhausted and the pool is unchanged.
func TestExhaustionEscalates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	apex := testEngine(t)
	apex.Bootstrap(pna.Address{Bits: 0, Scope: 0}, 12)

	child := testEngine(t)
	attach(t, ctx, apex, child, 7)
	// discard returned ids/conns; this scenario only needs AllocMany to escalate

	before := child.Allocator().Utilization()
	ranges, err := child.Allocator().AllocMany(ctx, []alloc.Request{{Len: 8}})
	if err != nil {
		t.Fatalf("AllocMany after escalation: %v", err)
	}
	if len(ranges) != 1 || ranges[0].Len != 8 {
		t.Fatalf("ranges = %+v, want one Len=8 range", ranges)
	}
	if after := child.Allocator().Utilization(); after < before {
		t.Errorf("utilization decreased after a successful grant: %v -> %v", before, after)
	}
}

func TestExhaustionFailsWhenUpstreamRefuses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	refusing := link.NewStreamLink(1, b, link.DefaultConfig())
	refusing.SetHandlers(link.Handlers{
		AllocAddresses: func(ctx context.Context, reqs []alloc.Request) ([]link.Grant, error) {
			return nil, ergoterr.ErrExhausted
		},
	})
	go refusing.ReadPump(ctx)

	requester := link.NewStreamLink(2, a, link.DefaultConfig())
	go requester.ReadPump(ctx)
	small := alloc.New(pna.Address{Bits: 0, Scope: 25}, 7, requester)

	before := small.Utilization()
	if _, err := small.AllocMany(ctx, []alloc.Request{{Len: 8}}); err != ergoterr.ErrExhausted {
		t.Fatalf("AllocMany err = %v, want ErrExhausted", err)
	}
	if after := small.Utilization(); after != before {
		t.Errorf("pool utilization changed after a refused escalation: %v -> %v", before, after)
	}
}

// S5 — Link loss: a socket bound to a link's session and blocked in Recv
// observes SessionLost when the link disconnects, and the routing entry for
// that link is removed.
func TestLinkLossTearsDownRouteAndSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	apex := testEngine(t)
	apex.Bootstrap(pna.Address{Bits: 0, Scope: 0}, 10)

	child := testEngine(t)
	parentLinkID, _, _, childConn := attach(t, ctx, apex, child, 8)

	childBase := child.Allocator().Base()

	// Register a socket on the apex, bound to the child link's session, and
	// block in Recv on it so there is something to wake on loss.
	h, err := apex.Sockets().Register(pna.Address{Bits: 0, Scope: 1}, socket.KindEndpoint, 1, parentLinkID)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer h.Close()

	recvErr := make(chan error, 1)
	go func() {
		_, err := h.Recv(ctx)
		recvErr <- err
	}()

	// Closing the child's end of the pipe makes the apex's ReadPump observe
	// EOF, marking its link Lost and firing OnLost -> submitLinkDown.
	if err := childConn.Close(); err != nil {
		t.Fatalf("close child conn: %v", err)
	}

	select {
	case err := <-recvErr:
		if err != ergoterr.ErrSessionLost {
			t.Errorf("Recv err = %v, want ErrSessionLost", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("blocked Recv never woke on session loss")
	}

	deadline := time.After(2 * time.Second)
	for {
		found := false
		for _, e := range apex.Routes().Snapshot() {
			if e.Link == parentLinkID && e.Prefix == childBase {
				found = true
			}
		}
		if !found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("apex routing entry for the lost link was never removed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// S6 — Broadcast exclusion: a node receiving a broadcast on one link floods
// it to every other link and local socket, but never back to the ingress
// link.
func TestBroadcastExcludesIngress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := testEngine(t)
	hub.Bootstrap(pna.Address{Bits: 0, Scope: 0}, 8)
	go hub.Run(ctx)

	type leaf struct {
		engine *Engine
		linkID arena.LinkID
		peer   net.Conn
	}
	leaves := make([]leaf, 3)
	for i := range leaves {
		a, b := net.Pipe()
		id := hub.NextLinkID()
		hubSide := link.NewStreamLink(id, a, link.DefaultConfig())
		hub.AttachChildLink(ctx, hubSide)
		// Simulate an already-granted child range without running the full
		// AllocAddresses handshake, so Table.BroadcastTargets has something
		// to flood to for this link.
		hub.Routes().Install(id, pna.Address{Bits: uint32(i+1) << 4, Scope: 8})
		leaves[i] = leaf{linkID: id, peer: b}
	}

	received := make([]chan struct{}, len(leaves))
	for i, lf := range leaves {
		received[i] = make(chan struct{}, 1)
		dec := link.NewStreamLink(arena.LinkID(1000+i), lf.peer, link.DefaultConfig())
		idx := i
		dec.SetHandlers(link.Handlers{
			Deliver: func(pkt *packet.Packet) { received[idx] <- struct{}{} },
		})
		go dec.ReadPump(ctx)
	}

	local := pna.Address{Bits: 0, Scope: 1}
	localSock, err := hub.Sockets().Register(local, socket.KindAnyListener, 4, 0)
	if err != nil {
		t.Fatalf("Register local listener: %v", err)
	}
	defer localSock.Close()

	broadcastPkt := &packet.Packet{
		Header: packet.Header{
			Src:   pna.Address{Bits: 1, Scope: 8},
			Dst:   pna.Address{Bits: 0, Scope: 32},
			TTL:   16,
			Flags: packet.FlagBroadcast,
		},
	}
	ingress := leaves[0].linkID
	if err := hub.route(ingress, broadcastPkt); err != nil {
		t.Fatalf("route: %v", err)
	}

	for i, ch := range received {
		if i == 0 {
			select {
			case <-ch:
				t.Error("broadcast was flooded back to its own ingress link")
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Errorf("leaf %d never received the flooded broadcast", i)
		}
	}

	recvCtx, recvCancel := context.WithTimeout(ctx, 2*time.Second)
	defer recvCancel()
	if _, err := localSock.Recv(recvCtx); err != nil {
		t.Errorf("local any-listener never received the broadcast: %v", err)
	}
}
